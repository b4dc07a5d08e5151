// Package resilience protects calls to unreliable collaborators. WithRetry
// retries transient failures with exponential backoff and jitter; Breaker
// stops calling a dependency that keeps failing until a cooldown elapses.
//
// Retry runs inside the breaker: one exhausted retry sequence counts as a
// single breaker failure, and a breaker rejection is never retried.
package resilience
