package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates throttling or a busy shared resource.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeTransportFailed   ErrorCode = "TRANSPORT_FAILED"   // network error talking to the collector
	ErrCodeTransportRejected ErrorCode = "TRANSPORT_REJECTED" // collector answered with a non-2xx status
	ErrCodeRadioUnavailable  ErrorCode = "RADIO_UNAVAILABLE"
	ErrCodeSensorUnavailable ErrorCode = "SENSOR_UNAVAILABLE"

	// Permanent
	ErrCodeInvalidConfig        ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeSensorInvalidReading ErrorCode = "SENSOR_INVALID_READING"
	ErrCodeCanceled             ErrorCode = "CANCELED"

	// Resource
	ErrCodeThrottled ErrorCode = "THROTTLED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeTransportFailed, ErrCodeTransportRejected,
		ErrCodeRadioUnavailable, ErrCodeSensorUnavailable:
		return CategoryTransient

	case ErrCodeInvalidConfig, ErrCodeInvalidInput, ErrCodeSensorInvalidReading, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeThrottled:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:              "operation timed out",
	ErrCodeTransportFailed:      "collector unreachable",
	ErrCodeTransportRejected:    "collector rejected the record",
	ErrCodeRadioUnavailable:     "radio not powered on",
	ErrCodeSensorUnavailable:    "heart-rate sensor unavailable",
	ErrCodeInvalidConfig:        "invalid configuration",
	ErrCodeInvalidInput:         "invalid input provided",
	ErrCodeSensorInvalidReading: "heart-rate reading out of range",
	ErrCodeCanceled:             "operation canceled",
	ErrCodeThrottled:            "collector is throttling requests",
	ErrCodeInternal:             "internal error",
	ErrCodePanic:                "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
