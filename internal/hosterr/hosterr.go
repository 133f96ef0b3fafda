// Package hosterr defines the structured error type shared by every
// layer of the job pipeline. It lives under internal so that
// lower-level packages (gart, syncpoint, scheduler, ...) and the
// public root package can both depend on it without an import cycle.
package hosterr

import (
	"errors"
	"fmt"
)

// Error represents a structured host1x core error with operation
// context. Every blocking or fallible entrypoint in the job pipeline
// returns *Error (or wraps one) rather than a bare sentinel, so callers
// can recover the failing operation, the channel/job it was acting on,
// and the high-level category.
type Error struct {
	Op      string // Operation that failed (e.g., "job_map", "gart_map")
	Channel int    // Channel index (-1 if not applicable)
	JobID   uint64 // Job id (0 if not applicable)
	Code    Code
	Msg     string
	Inner   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Channel >= 0 {
		parts = append(parts, fmt.Sprintf("channel=%d", e.Channel))
	}
	if e.JobID != 0 {
		parts = append(parts, fmt.Sprintf("job=%d", e.JobID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("host1x: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("host1x: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports comparison against a bare Code sentinel as well as
// another *Error with the same code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Code enumerates the error kinds the core surfaces.
type Code string

const (
	InvalidArgument    Code = "invalid argument"
	BadOpcode          Code = "bad opcode"
	BadReloc           Code = "bad relocation"
	RegOutOfRange      Code = "register out of range"
	OutOfMemory        Code = "out of memory"
	OutOfGartSpace     Code = "out of GART space"
	NoGartSpace        Code = "no GART space (transient)"
	NoSuitableChannel  Code = "no suitable channel"
	Busy               Code = "resource busy"
	TimedOut           Code = "timed out"
	Cancelled          Code = "cancelled"
	Interrupted        Code = "interrupted"
	NotScatterable     Code = "not scatterable"
)

func (c Code) Error() string { return string(c) }

// New creates a new structured error with no channel/job context.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Channel: -1, Code: code, Msg: msg}
}

// NewChannel creates a channel-scoped error.
func NewChannel(op string, channel int, code Code, msg string) *Error {
	return &Error{Op: op, Channel: channel, Code: code, Msg: msg}
}

// NewJob creates a job-scoped error.
func NewJob(op string, jobID uint64, code Code, msg string) *Error {
	return &Error{Op: op, Channel: -1, JobID: jobID, Code: code, Msg: msg}
}

// Wrap wraps an existing error with operation context, preserving its
// code if it is already a structured *Error.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if he, ok := inner.(*Error); ok {
		return &Error{
			Op:      op,
			Channel: he.Channel,
			JobID:   he.JobID,
			Code:    he.Code,
			Msg:     he.Msg,
			Inner:   he.Inner,
		}
	}
	return &Error{Op: op, Channel: -1, Code: InvalidArgument, Msg: inner.Error(), Inner: inner}
}

// Is reports whether err (or any error it wraps) carries code.
func Is(err error, code Code) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return errors.Is(err, code)
}
