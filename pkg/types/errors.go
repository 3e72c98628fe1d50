package types

import "errors"

// Sentinel errors for the taxonomy in spec §7. Callers should match with
// errors.Is; wrapping with fmt.Errorf("...: %w", err) is expected at each
// layer boundary.
var (
	// Transient: the caller should retry, possibly after a backoff.
	ErrWouldBlock  = errors.New("allocation would block")
	ErrLockChanged = errors.New("extent index locks changed, retry")
	ErrJournalFull = errors.New("journal reservation full, retry")
	ErrRaced       = errors.New("move raced with a concurrent foreground write")

	// Input: the request itself is invalid given current filesystem state.
	ErrOutOfSpace         = errors.New("reservation out of space")
	ErrReadOnly           = errors.New("filesystem is read-only")
	ErrInvalidMigrateTarget = errors.New("invalid migrate target device")

	// Integrity: something on disk didn't match what was expected.
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrDecompressFailed  = errors.New("decompression failed")
	ErrUnpackFailed      = errors.New("index key failed to unpack")

	// Device: per-I/O outcomes aggregated into a WriteOp's failure bitmap.
	ErrNoSurvivingReplica = errors.New("no surviving replica for extent")
	ErrDeviceRemoved      = errors.New("device is being removed")
	ErrDeviceIO           = errors.New("device I/O error")

	// Retry state machine terminal states.
	ErrRetryExhausted = errors.New("retries exhausted")

	// Stale-cache / race-fault signaling (spec §9 open question 2).
	ErrStalePointer = errors.New("cached pointer is stale")
	ErrRaceFault    = errors.New("race fault test hook fired")

	// Fatal: should never happen outside of corruption.
	ErrCorruption    = errors.New("internal corruption: checksum mismatch on our own bounce buffer")
	ErrJournalFatal  = errors.New("unrecoverable journal error")
)
