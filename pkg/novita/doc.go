// Package novita is the typed adapter for the upstream GPU provider API.
//
// Every call funnels through a shared reliability stack: a token bucket
// rate limiter sized to the provider's published limit, a bounded FIFO
// request queue so a burst of callers degrades into fast queue-full
// failures rather than a pile of hung goroutines, retry with exponential
// backoff and jitter for transient failures, and a consecutive-failure
// circuit breaker that sheds load while the provider is down.
//
// Errors are classified into the errdefs kinds at this boundary, callers
// never see raw HTTP status codes.
package novita
