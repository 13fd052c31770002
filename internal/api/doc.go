// Package api exposes the extension host over HTTP: listing extensions and
// their activation state, activating by id or by event, and reading the
// diagnostic messages and activation history the host has collected.
package api
