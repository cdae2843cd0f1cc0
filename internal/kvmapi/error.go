package kvmapi

import "errors"

// Sentinel errors surfaced by the vCPU run loop.
var (
	// ErrUnexpectedExitReason is returned when KVM_RUN exits for a
	// reason the caller's run loop has no handler for.
	ErrUnexpectedExitReason = errors.New("kvmapi: unexpected exit reason")

	// ErrDebug is returned when KVM_RUN exits for a debug event (for
	// example a triggered hardware breakpoint).
	ErrDebug = errors.New("kvmapi: debug exit")
)
