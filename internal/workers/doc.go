// Package workers provides utilities for determining worker pool sizes in
// containerized environments.
//
// Go 1.19+ sets GOMAXPROCS from container CPU limits, while runtime.NumCPU()
// still reports the host machine's CPU count. The helpers here size pools
// from GOMAXPROCS so the job runtime respects cgroup constraints:
//
//	// CPU-bound work (image re-encoding): 1 worker per CPU
//	n := workers.ForCPU(8)
//
//	// I/O-bound work (storage polling): 2 workers per CPU
//	n := workers.ForIO(16)
//
//	// Mixed work (download, optimize, upload): 1.5 workers per CPU
//	n := workers.ForMixed(12)
//
// All functions respect the PIPELINE_WORKERS environment variable as an
// operator override.
package workers
