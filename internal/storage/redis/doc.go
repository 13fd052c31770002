// Package redis mirrors extension activation state into a Redis hash and
// broadcasts activation diagnostics over Redis pub/sub, so that several host
// instances and operator tooling can observe one another.
package redis
