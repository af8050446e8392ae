package core

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrMonitorNotFound      = errors.New("monitor not found")
	ErrUnsupportedComponent = errors.New("unsupported component")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrSessionTerminated    = errors.New("session terminated")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrAnalysisUnavailable  = errors.New("analysis unavailable")
	ErrViolationNotFound    = errors.New("violation not found")
	ErrReportNotFound       = errors.New("report not found")
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError is shorthand for a field-level validation failure.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Device incompatibility reasons.
const (
	ReasonUnsupportedBrowser = "unsupported_browser"
	ReasonResolutionTooLow   = "resolution_too_low"
	ReasonInvalidResolution  = "invalid_resolution"
	ReasonIncognitoBlocked   = "incognito_blocked"
)

// IncompatibleDeviceError is returned when a device fails the lockdown checks.
type IncompatibleDeviceError struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (e *IncompatibleDeviceError) Error() string {
	return fmt.Sprintf("incompatible device (%s): %s", e.Reason, e.Detail)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIncompatibleDevice reports whether err carries an IncompatibleDeviceError.
func IsIncompatibleDevice(err error) bool {
	var de *IncompatibleDeviceError
	return errors.As(err, &de)
}
