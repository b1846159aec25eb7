// Package jobs is an in-process job runtime with at-least-once delivery,
// scheduled re-delivery via Release, per-key single-flight execution, a
// uniqueness window that collapses duplicate enqueues, and a bounded
// backoff schedule with a terminal Failed hook.
package jobs
