// Error taxonomy for the binding boundary.
// See docs/ARCHITECTURE.md § Error Handling.
package satchel

import (
	"errors"
	"fmt"
)

// Sentinel errors detected at the binding boundary, before any engine call.
var (
	// ErrInvalidArgument reports a wrong type, shape, or arity supplied to a
	// binding method.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState reports an operation on a closed, finalized, or
	// otherwise disposed resource.
	ErrInvalidState = errors.New("invalid state")

	// ErrThreadAffinity reports a call issued from a goroutine other than the
	// one that opened the owning Database.
	ErrThreadAffinity = errors.New("wrong goroutine for database handle")

	// ErrCallback reports a failure inside a host-supplied callback. The
	// failure is contained at the bridge boundary; it never unwinds across
	// engine frames.
	ErrCallback = errors.New("callback failed")

	// ErrIntegerTooWide reports an integer column value outside the safe
	// integer range read without wide-integer mode. Enable it with
	// Statement.SetReadBigInts.
	ErrIntegerTooWide = fmt.Errorf("%w: integer exceeds the safe range; enable wide integer reads", ErrInvalidArgument)
)

// EngineError carries a non-OK engine status verbatim: the primary result
// code, the extended result code, and the engine's own diagnostic message.
type EngineError struct {
	Code         int32
	ExtendedCode int32
	Message      string
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sqlite error (%d)", e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}
