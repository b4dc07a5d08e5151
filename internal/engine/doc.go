// Package engine runs executions. Submit registers an Execution and returns
// at once; a background goroutine resolves the target worker, drives model
// turns, tool calls and handoffs under retry and circuit breaker protection,
// and finalizes the record exactly once. Callers observe progress by polling
// GetStatus or by subscribing to the event broker.
package engine
