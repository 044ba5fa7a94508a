package device

import (
	"errors"
	"strings"
)

var (
	// Registry construction
	ErrDuplicateBaseType = errors.New("duplicate base type")
	ErrDuplicateClassID  = errors.New("duplicate class id")
	ErrUnknownBaseType   = errors.New("unknown base type")
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrRegistryFrozen    = errors.New("registry is frozen")

	// Configuration
	ErrUnknownDeviceType     = errors.New("unknown device type")
	ErrUnknownParameter      = errors.New("unknown parameter")
	ErrMissingParameter      = errors.New("missing parameter")
	ErrInvalidParameterValue = errors.New("invalid parameter value")
	ErrInvalidInstanceName   = errors.New("invalid instance name")
	ErrUnknownCommand        = errors.New("unknown command")

	// Lifecycle
	ErrAlreadyOpenOrOpening = errors.New("device already open or opening")
	ErrDeviceNotOpen        = errors.New("device not open")
	ErrDeviceClosed         = errors.New("device closed")
)

// Error carries the structured cause of a failure: which instance, device
// type or parameter was involved and what went wrong underneath.
type Error struct {
	Kind     error
	Instance InstanceRef
	ClassID  string
	Param    string
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Instance.BaseType != "" {
		b.WriteString(e.Instance.String())
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("device error")
	}
	if e.ClassID != "" {
		b.WriteString(" ")
		b.WriteString(e.ClassID)
	}
	if e.Param != "" {
		b.WriteString(" \"")
		b.WriteString(e.Param)
		b.WriteString("\"")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// ErrorEvent is the payload of device error notifications.
type ErrorEvent struct {
	Instance InstanceRef `json:"instance"`
	Err      error       `json:"-"`
	Message  string      `json:"message"`
}

func NewErrorEvent(ref InstanceRef, err error) ErrorEvent {
	return ErrorEvent{Instance: ref, Err: err, Message: err.Error()}
}
