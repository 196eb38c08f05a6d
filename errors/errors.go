package errors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Error is the structured error type returned by proximitykit components.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // set only when decoded; nil means use the category
	timestamp time.Time
	peerID    string
	status    int // collector status code, 0 when not applicable
}

var (
	_ error            = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// PeerID returns the peer the failure relates to, if set.
func (e *Error) PeerID() string {
	return e.peerID
}

// Status returns the collector status code attached to the error, or 0.
func (e *Error) Status() int {
	return e.status
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	PeerID    string            `json:"peer_id,omitempty"`
	Status    int               `json:"status,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		PeerID:    e.peerID,
		Status:    e.status,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.peerID = j.PeerID
	e.status = j.Status
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithPeerID sets the peer the failure relates to.
func WithPeerID(id string) Option {
	return func(e *Error) {
		e.peerID = id
	}
}

// WithStatus attaches the collector status code.
func WithStatus(status int) Option {
	return func(e *Error) {
		e.status = status
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InvalidConfig creates a configuration error.
func InvalidConfig(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidConfig, message, opts...)
}

// TransportFailed creates an error for a collector that could not be reached.
func TransportFailed(cause error, opts ...Option) *Error {
	opts = append([]Option{WithCause(cause)}, opts...)
	return New(ErrCodeTransportFailed, "send telemetry", opts...)
}

// TransportRejected creates an error for a non-2xx collector response.
// 429 is classified as a resource error, other statuses as transient.
func TransportRejected(status int, opts ...Option) *Error {
	opts = append([]Option{WithStatus(status)}, opts...)
	code := ErrCodeTransportRejected
	if status == 429 {
		code = ErrCodeThrottled
	}
	return New(code, fmt.Sprintf("collector returned status %d", status), opts...)
}

// SensorUnavailable creates an error for a sensor that failed to initialize or read.
func SensorUnavailable(cause error) *Error {
	return New(ErrCodeSensorUnavailable, ErrCodeSensorUnavailable.Description(), WithCause(cause))
}

// SensorInvalidReading creates an error for a heart rate outside the
// plausible range.
func SensorInvalidReading(bpm int) *Error {
	return New(ErrCodeSensorInvalidReading,
		fmt.Sprintf("%s: %d bpm", ErrCodeSensorInvalidReading.Description(), bpm),
		WithMetadata("heart_rate", strconv.Itoa(bpm)))
}

// RecoverPanic converts a recovered panic value into an Error, or nil.
func RecoverPanic(recovered interface{}, opts ...Option) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	opts = append([]Option{WithMetadata("panic_value", fmt.Sprintf("%T", recovered))}, opts...)
	return New(ErrCodePanic, message, opts...)
}
