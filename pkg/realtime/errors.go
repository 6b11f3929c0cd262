package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeCredential         = "CREDENTIAL_FAILED"
	ErrCodeMediaAcquisition   = "MEDIA_ACQUISITION_FAILED"
	ErrCodeNegotiation        = "NEGOTIATION_FAILED"
	ErrCodeChannelUnavailable = "CHANNEL_UNAVAILABLE"
	ErrCodeMalformedEvent     = "MALFORMED_EVENT"
	ErrCodeSessionBusy        = "SESSION_BUSY"
	ErrCodeConfigInvalid      = "CONFIG_INVALID"
	ErrCodeServerError        = "SERVER_ERROR"
)

// Sentinels for errors.Is; matching is by code.
var (
	ErrCredential         = &RealtimeError{Code: ErrCodeCredential}
	ErrMediaAcquisition   = &RealtimeError{Code: ErrCodeMediaAcquisition}
	ErrNegotiation        = &RealtimeError{Code: ErrCodeNegotiation}
	ErrChannelUnavailable = &RealtimeError{Code: ErrCodeChannelUnavailable}
	ErrMalformedEvent     = &RealtimeError{Code: ErrCodeMalformedEvent}
	ErrSessionBusy        = &RealtimeError{Code: ErrCodeSessionBusy}
)

// RealtimeError carries a stable code plus optional details and cause.
type RealtimeError struct {
	Message   string
	Code      string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func NewRealtimeError(message, code string) *RealtimeError {
	return &RealtimeError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *RealtimeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code)
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.err.Error())
	}
	return sb.String()
}

func (e *RealtimeError) Unwrap() error {
	return e.err
}

// Is matches any *RealtimeError with the same code.
func (e *RealtimeError) Is(target error) bool {
	var t *RealtimeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *RealtimeError) AddDetail(key string, value interface{}) *RealtimeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *RealtimeError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

// Specific error creators with common codes
func NewCredentialError(message string, cause error) *RealtimeError {
	return WrapError(cause, ErrCodeCredential, message)
}

func NewMediaAcquisitionError(message string, cause error) *RealtimeError {
	return WrapError(cause, ErrCodeMediaAcquisition, message)
}

func NewNegotiationError(message string, cause error) *RealtimeError {
	return WrapError(cause, ErrCodeNegotiation, message)
}

func NewChannelUnavailableError(eventType string) *RealtimeError {
	return NewRealtimeError("no open event channel", ErrCodeChannelUnavailable).AddDetail("event_type", eventType)
}

func NewMalformedEventError(cause error, size int) *RealtimeError {
	return WrapError(cause, ErrCodeMalformedEvent, "inbound message is not valid JSON").AddDetail("size", size)
}

func NewSessionBusyError(state SessionState) *RealtimeError {
	return NewRealtimeError(fmt.Sprintf("session is %s", state), ErrCodeSessionBusy).AddDetail("state", string(state))
}

func NewConfigError(message string) *RealtimeError {
	return NewRealtimeError(message, ErrCodeConfigInvalid)
}

// WrapError wraps cause under code. A nil cause still yields an error.
func WrapError(cause error, code, message string) *RealtimeError {
	e := NewRealtimeError(message, code)
	e.err = cause
	return e
}

// CodeOf returns the code of the first RealtimeError in err's chain.
func CodeOf(err error) string {
	var re *RealtimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

func IsErrorCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsStartFailure reports whether err aborted a session start.
func IsStartFailure(err error) bool {
	switch CodeOf(err) {
	case ErrCodeCredential, ErrCodeMediaAcquisition, ErrCodeNegotiation, ErrCodeSessionBusy, ErrCodeConfigInvalid:
		return true
	}
	return false
}
