package gc

import "errors"

// ============================================================================
// GC Error Kinds
// ============================================================================

// Stale summaries and blocks invalidated between checks are not errors:
// the relocators skip those blocks silently. The sentinels below cover
// the outcomes a caller can observe.

var (
	// ErrNoVictim indicates victim selection found no reclaimable
	// section. The pacing worker reacts with its long back-off; a
	// synchronous caller sees that nothing could be reclaimed.
	ErrNoVictim = errors.New("no victim section")

	// ErrAgain indicates a synchronous GC call selected victims but
	// freed no section. The caller may retry.
	ErrAgain = errors.New("no section freed, try again")

	// ErrCheckpoint indicates the checkpoint subsystem is in an error
	// state; the GC call terminated early.
	ErrCheckpoint = errors.New("checkpoint error")

	// ErrInactive indicates the filesystem is no longer active
	// (unmounting or read-only); the GC call terminated early.
	ErrInactive = errors.New("filesystem inactive")

	// ErrWorkerRunning is returned by Start when the pacing worker has
	// already been started.
	ErrWorkerRunning = errors.New("gc worker already running")
)
