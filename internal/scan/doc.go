// Package scan coordinates detection engines over quarantined uploads
// behind a failure-aware circuit breaker.
//
// Engines report clean, infected, or an infrastructure error. Errors feed
// the breaker's shared failure counter; detections never do. When the
// counter reaches its threshold the breaker opens and scans fail fast with
// a result distinguishable from both "clean" and "infected".
package scan
