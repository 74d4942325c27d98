package hses

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks caller contract violations (oversized names,
// empty file content, mixed-type batch input). These are detected before
// any network I/O and reported without side effects.
var ErrInvalidArgument = errors.New("invalid argument")

// Coarse status codes. StatusSuccess and the connection/file codes are
// client-side; any other nonzero status byte comes from the controller
// and must be diagnosed through the added status.
const (
	StatusSuccess         byte = 0
	StatusConnection      byte = 1
	StatusNoSuchFileOrDir byte = 2
)

// Error is a failed HSES exchange. Status is the coarse status byte from
// the answer (or a client-side code for socket failures); AddedStatus is
// the vendor-specific detail code, meaningful independent of Status.
type Error struct {
	Op          string
	Status      byte
	AddedStatus uint16
}

func (e *Error) Error() string {
	switch e.Status {
	case StatusConnection:
		return fmt.Sprintf("%s: connection error (code 0x%x)", e.Op, e.AddedStatus)
	case StatusNoSuchFileOrDir:
		return fmt.Sprintf("%s: no such file or directory", e.Op)
	default:
		return fmt.Sprintf("%s: controller error, status=0x%02x added=0x%04x", e.Op, e.Status, e.AddedStatus)
	}
}

// IsConnectionError reports whether err is a socket-level HSES failure
// (including timeouts), as opposed to a controller-reported one.
func IsConnectionError(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Status == StatusConnection
}

func errInvalidArgument(op, msg string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrInvalidArgument, msg)
}
