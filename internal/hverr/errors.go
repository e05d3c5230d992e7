// Package hverr implements the error-kind taxonomy every component in this
// repository reports through: InvalidArgument, Conflict, NotFound,
// GuestFault, Unsupported, and Fatal. Components never return bare errors
// for conditions a caller needs to branch on; they wrap one of these
// sentinels so callers can classify with errors.Is.
package hverr

import (
	"errors"
	"fmt"
)

// Kind sentinels. Wrap one of these with fmt.Errorf("...: %w", Kind) when
// returning a classified error from a component.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")
	ErrGuestFault      = errors.New("guest fault")
	ErrUnsupported     = errors.New("unsupported")
	ErrFatal           = errors.New("fatal")
)

// Wrap attaches kind to err's chain via %w so errors.Is(result, kind) holds.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}

// InvalidArgument builds an ErrInvalidArgument-classified error.
func InvalidArgument(format string, args ...any) error { return Wrap(ErrInvalidArgument, format, args...) }

// Conflict builds an ErrConflict-classified error.
func Conflict(format string, args ...any) error { return Wrap(ErrConflict, format, args...) }

// NotFound builds an ErrNotFound-classified error.
func NotFound(format string, args ...any) error { return Wrap(ErrNotFound, format, args...) }

// GuestFault builds an ErrGuestFault-classified error — the caller should
// inject a fault into the guest rather than tear down the VM.
func GuestFault(format string, args ...any) error { return Wrap(ErrGuestFault, format, args...) }

// Unsupported builds an ErrUnsupported-classified error.
func Unsupported(format string, args ...any) error { return Wrap(ErrUnsupported, format, args...) }

// Fatal builds an ErrFatal-classified error — the caller should tear down
// the VM that produced it.
func Fatal(format string, args ...any) error { return Wrap(ErrFatal, format, args...) }

// Is reports whether err is classified as kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }
