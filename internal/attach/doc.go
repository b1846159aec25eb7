// Package attach orchestrates the intake of one upload: stage, quarantine,
// scan, validate, normalize, store, record. Every intermediate file is
// cleaned up on every exit path.
package attach
