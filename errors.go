package host1x

import "github.com/ehrlich-b/go-host1x/internal/hosterr"

// Error is a structured host1x core error with operation context.
// Every blocking or fallible entrypoint in the job pipeline returns
// *Error (or wraps one) rather than a bare sentinel, so callers can
// recover the failing operation, the channel/job it was acting on, and
// the high-level category.
type Error = hosterr.Error

// HostErrorCode enumerates the error kinds the core surfaces:
// InvalidArgument, BadOpcode/BadReloc/RegOutOfRange, OutOfMemory,
// OutOfGartSpace/NoGartSpace, NoSuitableChannel, Busy, TimedOut,
// Cancelled, Interrupted, NotScatterable.
type HostErrorCode = hosterr.Code

const (
	ErrInvalidArgument   = hosterr.InvalidArgument
	ErrBadOpcode         = hosterr.BadOpcode
	ErrBadReloc          = hosterr.BadReloc
	ErrRegOutOfRange     = hosterr.RegOutOfRange
	ErrOutOfMemory       = hosterr.OutOfMemory
	ErrOutOfGartSpace    = hosterr.OutOfGartSpace
	ErrNoGartSpace       = hosterr.NoGartSpace
	ErrNoSuitableChannel = hosterr.NoSuitableChannel
	ErrBusy              = hosterr.Busy
	ErrTimedOut          = hosterr.TimedOut
	ErrCancelled         = hosterr.Cancelled
	ErrInterrupted       = hosterr.Interrupted
	ErrNotScatterable    = hosterr.NotScatterable
)

// NewError creates a new structured error.
func NewError(op string, code HostErrorCode, msg string) *Error {
	return hosterr.New(op, code, msg)
}

// WrapError wraps an existing error with host1x operation context,
// preserving its code if it is already a structured *Error.
func WrapError(op string, inner error) *Error {
	return hosterr.Wrap(op, inner)
}

// IsCode reports whether err (or any error it wraps) carries code.
func IsCode(err error, code HostErrorCode) bool {
	return hosterr.Is(err, code)
}
