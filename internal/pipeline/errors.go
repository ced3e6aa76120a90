package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure. Each kind maps to a distinct process
// exit code so callers can branch without parsing messages.
type ErrorKind string

const (
	KindConfigInvalid    ErrorKind = "config_invalid"
	KindToolchainMissing ErrorKind = "toolchain_missing"
	KindCompileError     ErrorKind = "compile_error"
	KindBuildTimeout     ErrorKind = "build_timeout"
	KindDeviceNotFound   ErrorKind = "device_not_found"
	KindAmbiguousDevice  ErrorKind = "ambiguous_device"
	KindPortBusy         ErrorKind = "port_busy"
	KindHandshakeFailed  ErrorKind = "handshake_failed"
	KindTransferError    ErrorKind = "transfer_error"
	KindCancelled        ErrorKind = "cancelled"
)

// Error is a classified failure of one pipeline stage. Diagnostics is only
// populated for compile errors, where the toolchain output is the primary
// remediation aid.
type Error struct {
	Stage       Stage
	Kind        ErrorKind
	Message     string
	Diagnostics string
	Cause       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified stage error.
func NewError(stage Stage, kind ErrorKind, msg string) *Error {
	return &Error{Stage: stage, Kind: kind, Message: msg}
}

// WrapError builds a classified stage error around a cause.
func WrapError(stage Stage, kind ErrorKind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Stage: stage, Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the error kind from err, or "" if err is not a stage error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// StageOf extracts the failing stage from err, or "" if err is not a stage error.
func StageOf(err error) Stage {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}

// Exit codes surfaced by the command-line entry point, one per error kind.
const (
	ExitOK               = 0
	ExitConfigInvalid    = 10
	ExitToolchainMissing = 20
	ExitCompileError     = 21
	ExitBuildTimeout     = 22
	ExitDeviceNotFound   = 30
	ExitAmbiguousDevice  = 31
	ExitPortBusy         = 40
	ExitHandshakeFailed  = 41
	ExitTransferError    = 42
	ExitCancelled        = 50
	ExitUnknown          = 1
)

// ExitCode maps an error to its process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfigInvalid:
		return ExitConfigInvalid
	case KindToolchainMissing:
		return ExitToolchainMissing
	case KindCompileError:
		return ExitCompileError
	case KindBuildTimeout:
		return ExitBuildTimeout
	case KindDeviceNotFound:
		return ExitDeviceNotFound
	case KindAmbiguousDevice:
		return ExitAmbiguousDevice
	case KindPortBusy:
		return ExitPortBusy
	case KindHandshakeFailed:
		return ExitHandshakeFailed
	case KindTransferError:
		return ExitTransferError
	case KindCancelled:
		return ExitCancelled
	}
	return ExitUnknown
}
