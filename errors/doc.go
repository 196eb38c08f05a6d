// Package errors provides the structured error taxonomy used across
// proximitykit. Every failure carries a code and a category; the category
// decides whether the telemetry dispatcher retries the operation.
//
// # Error Categories
//
//   - Transient: the collector or radio may recover (network errors, 5xx).
//   - Permanent: retrying will not help (bad configuration, malformed input).
//   - Resource: the collector is throttling us (429).
//   - Internal: bugs, unexpected states and recovered panics.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeTransportRejected, "collector returned 503",
//	    errors.WithStatus(503))
//
//	if errors.IsRetryable(err) {
//	    // back off and try again
//	}
package errors
