package lock

import "errors"

// Each of these is returned exactly when the transaction has already been
// forced into ABORTED by the call that returns it (except ErrLockNotHeld
// and ErrUpgradeConflict, which leave the transaction's state unchanged).
var (
	// ErrAbortedByDeadlockPrevention: wait-die rejected a younger
	// requester.
	ErrAbortedByDeadlockPrevention = errors.New("lock: aborted by wait-die deadlock prevention")

	// ErrAbortedByTimeout: the bounded wait for a grant expired.
	ErrAbortedByTimeout = errors.New("lock: aborted by wait timeout")

	// ErrTwoPhaseViolation: a lock was requested after an unlock, or an
	// unlock arrived before commit/abort under strict 2PL.
	ErrTwoPhaseViolation = errors.New("lock: two-phase locking violation")

	// ErrLockNotHeld: unlock or upgrade referenced a RID the transaction
	// does not hold in the required mode.
	ErrLockNotHeld = errors.New("lock: transaction does not hold the requested lock")

	// ErrUpgradeConflict: upgrade requested while another holder already
	// exists, or another upgrade already completed/landed first.
	ErrUpgradeConflict = errors.New("lock: upgrade conflicts with another holder")
)
