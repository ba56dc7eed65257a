// Package daqerr defines the error kinds shared across corefw's subsystems.
//
// Each kind carries its own propagation policy: Transport
// errors retry while attempts remain, Parse errors never retry, Device
// errors are filtered through a retry policy's allow/deny lists, Hardware
// and State errors are fatal to the operation (never to the process), Script
// errors are fatal to the capability call but leave the driver reusable, and
// Timeout is fatal unless the command is retryable.
package daqerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error kinds.
type Kind int

const (
	Config Kind = iota
	Transport
	Timeout
	Parse
	Device
	Hardware
	Script
	State
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "Config"
	case Transport:
		return "Transport"
	case Timeout:
		return "Timeout"
	case Parse:
		return "Parse"
	case Device:
		return "Device"
	case Hardware:
		return "Hardware"
	case Script:
		return "Script"
	case State:
		return "State"
	default:
		return "Unknown"
	}
}

// Severity is the severity of a Device error, per the device's error-code
// table.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a corefw error: a Kind plus enough context to reproduce it
// (command name, response text, device address, retry count).
type Error struct {
	Kind     Kind
	Message  string
	Command  string
	Response string
	Address  string
	Retries  int

	// DeviceCode, DeviceName, Severity, and Recoverable are set only for
	// Kind == Device.
	DeviceCode  string
	DeviceName  string
	Severity    Severity
	Recoverable bool

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Command != "" {
		msg += fmt.Sprintf(" (command=%s)", e.Command)
	}
	if e.Address != "" {
		msg += fmt.Sprintf(" (address=%s)", e.Address)
	}
	if e.Retries > 0 {
		msg += fmt.Sprintf(" (retries=%d)", e.Retries)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a bare error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an underlying cause, preserving it for errors.Is/As
// via Unwrap, and stamping a stack trace at the subsystem boundary where the
// failure was first observed.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

// WithCommand, WithAddress, WithRetries, WithResponse return a shallow copy
// of e with the given context field populated, so call sites can build up
// context incrementally without repeating field names.
func (e *Error) WithCommand(cmd string) *Error {
	cp := *e
	cp.Command = cmd
	return &cp
}

func (e *Error) WithAddress(addr string) *Error {
	cp := *e
	cp.Address = addr
	return &cp
}

func (e *Error) WithRetries(n int) *Error {
	cp := *e
	cp.Retries = n
	return &cp
}

func (e *Error) WithResponse(resp string) *Error {
	cp := *e
	cp.Response = resp
	return &cp
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ExitCode maps err to the process exit code: 0 success, 1
// generic error, 2 config error, 3 hardware error, 4 timeout.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if !errors.As(err, &e) {
		return 1
	}
	switch e.Kind {
	case Config:
		return 2
	case Hardware, Device, State, Script:
		return 3
	case Timeout:
		return 4
	default:
		return 1
	}
}

// NewDevice builds a Device-kind error carrying error-code-table context,
// per its error-code classification.
func NewDevice(code, name, description string, severity Severity, recoverable bool) *Error {
	return &Error{
		Kind:        Device,
		Message:     description,
		DeviceCode:  code,
		DeviceName:  name,
		Severity:    severity,
		Recoverable: recoverable,
	}
}
