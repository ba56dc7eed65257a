// Package recovery implements the automatic error-recovery strategies of
// : recover (retry a failing operation), restart (reinitialize
// after a buffer overflow), and reset (return hardware to a known-good
// state after a checksum error).
//
// Grounded directly on original_source's error_recovery.rs: each strategy
// is a single-method contract (Recoverable/Restartable/Resettable) plus a
// driver function, translated from async traits into Go interfaces.
package recovery

import (
	"time"

	"github.jpl.nasa.gov/daq/corefw/daqerr"
)

// Recoverable attempts to recover from a transient failure, e.g.
// reconnecting a serial port.
type Recoverable interface {
	Recover() error
}

// Restartable restarts an operation from a clean state, e.g. re-arming an
// acquisition after a buffer overflow.
type Restartable interface {
	Restart() error
}

// Resettable resets hardware to a known-good state, e.g. issuing a device
// reset command after a checksum error.
type Resettable interface {
	Reset() error
}

// RetryPolicy controls how Recover retries a Recoverable.
type RetryPolicy struct {
	MaxAttempts  int
	BackoffDelay time.Duration
}

// DefaultRetryPolicy makes 3 attempts in all with a 100ms delay after each
// attempt, matching the Rust reference's default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffDelay: 100 * time.Millisecond}
}

// Recover retries r.Recover up to policy.MaxAttempts times, sleeping
// policy.BackoffDelay between attempts. It sleeps after every failed
// attempt, including the last, before giving up — matching the Rust
// reference's loop body exactly (see DESIGN.md's Open Question decision on
// this), rather than trimming the trailing sleep as an obvious-looking
// optimization would.
func Recover(r Recoverable, policy RetryPolicy) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := r.Recover(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(policy.BackoffDelay)
	}
	return daqerr.Wrap(daqerr.State, lastErr, "failed to recover after max attempts")
}

// HandleBufferOverflow restarts restartable after a buffer overflow.
func HandleBufferOverflow(restartable Restartable) error {
	if err := restartable.Restart(); err != nil {
		return daqerr.Wrap(daqerr.State, err, "failed to restart after buffer overflow")
	}
	return nil
}

// HandleChecksumError resets resettable after a checksum error.
func HandleChecksumError(resettable Resettable) error {
	if err := resettable.Reset(); err != nil {
		return daqerr.Wrap(daqerr.State, err, "failed to reset after checksum error")
	}
	return nil
}
