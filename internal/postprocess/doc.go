// Package postprocess is the asynchronous follow-up to attachment: it
// polls for derived renditions, re-compresses stored objects once they are
// all ready, and abandons the wait when a wall-clock budget elapses.
package postprocess
