// Package metrics defines Prometheus metrics for the media intake pipeline.
//
// All metrics are registered via promauto at package initialization and are
// exposed through the /metrics endpoint in the wiring binary.
package metrics
