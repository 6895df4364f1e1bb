package common

import "errors"

// Errors shared by more than one package. Package-local sentinel errors
// (lock manager, WAL, btree) live next to the code that raises them.
var (
	// ErrOutOfMemory is raised when the buffer pool cannot find a free
	// frame for a new page. It is fatal to the current operation: callers
	// unwind and release whatever latches/pins they already hold.
	ErrOutOfMemory = errors.New("buffer pool: out of memory, no evictable frame")

	// ErrPageNotFound is raised when a PID has no backing frame or disk
	// location.
	ErrPageNotFound = errors.New("buffer pool: page not found")

	// ErrCorruption marks a violated invariant (missing grant entry,
	// out-of-range slot index, ...). These are assertion failures, not
	// recoverable conditions.
	ErrCorruption = errors.New("storage engine: corruption, invariant violated")
)
