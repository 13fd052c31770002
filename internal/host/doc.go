// Package host assembles the extension host from configuration: registry,
// manifest loading and watching, the activation resolver with its recorders
// and message sinks, the event dispatcher and the HTTP API.
package host
