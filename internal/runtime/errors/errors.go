package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrServiceRequired             = sterrors.New("pipeguard: service is required")
	ErrHandlerRequired             = sterrors.New("pipeguard: handler function is required")
	ErrConsumeTopicRequired        = sterrors.New("pipeguard: consume topic is required")
	ErrStageNameRequired           = sterrors.New("pipeguard: stage name is required")
	ErrConsumeMessageTypeRequired  = sterrors.New("pipeguard: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("pipeguard: consume message type must be a pointer")
	ErrPublisherRequired           = sterrors.New("pipeguard: publisher is required")
	ErrSourceRequired              = sterrors.New("pipeguard: message source is required")
	ErrTopicRequired               = sterrors.New("pipeguard: topic is required")
	ErrConfigRequired              = sterrors.New("pipeguard: config is required")
	ErrLoggerRequired              = sterrors.New("pipeguard: logger is required")
	ErrEventPayloadRequired        = sterrors.New("pipeguard: event payload is required")
	ErrLoaderRequired              = sterrors.New("pipeguard: loader is required")

	// ErrMaxConcurrentHandlersRequired is returned when a consumer is built
	// without an explicit, positive concurrency ceiling.
	ErrMaxConcurrentHandlersRequired = sterrors.New("pipeguard: max concurrent handlers must be set to a positive value")

	// ErrLoadTimeout is returned when a cache load did not complete within the
	// caller supplied bound.
	ErrLoadTimeout = sterrors.New("pipeguard: cache load timed out")

	// ErrResourceNotReady is returned by stages that receive work before every
	// mandatory resource has been warmed.
	ErrResourceNotReady = sterrors.New("pipeguard: mandatory resources are not ready")

	// ErrCapacityExceeded is reserved. The consumer applies backpressure at
	// the source and never hands this error to a caller.
	ErrCapacityExceeded = sterrors.New("pipeguard: handler capacity exceeded")

	// ErrUnknownResource is returned when marking a resource the gate was not
	// constructed with.
	ErrUnknownResource = sterrors.New("pipeguard: unknown readiness resource")
)

// Handler return errors controlling the message lifecycle.
var (
	// ErrRetry asks for redelivery of the message.
	ErrRetry = sterrors.New("pipeguard: retry message")

	// ErrDeadLetter sends the message to the dead-letter topic without
	// further attempts.
	ErrDeadLetter = sterrors.New("pipeguard: send to dead letter topic")

	// ErrSkip acknowledges the message without further processing.
	ErrSkip = sterrors.New("pipeguard: skip message")

	// ErrUnprocessable marks a permanently invalid payload.
	ErrUnprocessable = sterrors.New("pipeguard: unprocessable message")
)

// DownstreamError reports a failed call to a downstream service (facade,
// command API, transaction system, next topic).
type DownstreamError struct {
	Service string
	Err     error
}

// NewDownstreamError wraps err as a failure of the named downstream service.
func NewDownstreamError(service string, err error) *DownstreamError {
	return &DownstreamError{Service: service, Err: err}
}

func (e *DownstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeguard: downstream %s failed", e.Service)
	}
	return fmt.Sprintf("pipeguard: downstream %s failed: %v", e.Service, e.Err)
}

func (e *DownstreamError) Unwrap() error {
	return e.Err
}

// LoadTimeoutError carries the key and bound of a timed out cache load.
type LoadTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LoadTimeoutError) Error() string {
	return fmt.Sprintf("pipeguard: cache load for %q timed out after %v", e.Key, e.Timeout)
}

func (e *LoadTimeoutError) Is(target error) bool {
	return target == ErrLoadTimeout
}

// LoadError wraps a loader failure for a key.
type LoadError struct {
	Key string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("pipeguard: cache load for %q failed: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// DeadLetterError sends a message to the dead-letter topic with a reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// ErrDeadLetterWithReason builds a DeadLetterError.
func ErrDeadLetterWithReason(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pipeguard: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("pipeguard: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Cause
}

func (e *DeadLetterError) Is(target error) bool {
	return target == ErrDeadLetter
}

// Disposition is what happens to a message once its handler returned.
type Disposition int

const (
	// DispositionAck removes the message from the source.
	DispositionAck Disposition = iota
	// DispositionNack hands the message back for redelivery.
	DispositionNack
	// DispositionDeadLetter moves the message to the dead-letter topic.
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "ack"
	case DispositionNack:
		return "nack"
	case DispositionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Classify maps a handler error to a disposition. Unknown errors are
// redelivered.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionAck
	case sterrors.Is(err, ErrSkip):
		return DispositionAck
	case sterrors.Is(err, ErrDeadLetter), sterrors.Is(err, ErrUnprocessable):
		return DispositionDeadLetter
	default:
		return DispositionNack
	}
}

// IsRetryable reports whether err asks for redelivery.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == DispositionNack
}

// ConfigValidationError wraps the joined validation failures of a config.
type ConfigValidationError struct {
	Err error
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

func (e ConfigValidationError) Error() string {
	return "pipeguard: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}
