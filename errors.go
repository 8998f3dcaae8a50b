package iotdevice

import (
	"fmt"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// ErrorCode is the closed set of error kinds a UnifiedError can carry. No
// raw transport error ever crosses a Client's public boundary; every
// error is remapped onto one of these codes first.
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrNetworkErrors
	ErrThrottled
	ErrServerBusy
	ErrIotHubFormatError
	ErrUnauthorized
	ErrDeviceNotFound
	ErrMessageTooLarge
	ErrPreconditionFailed
	ErrTlsAuthenticationError
	ErrIotHubQuotaExceeded

	// ErrInvalidOperation marks a programming error: an illegal state
	// transition or an invalid client configuration.
	ErrInvalidOperation
	// ErrCancelled marks cooperative cancellation of an in-flight
	// operation.
	ErrCancelled
	// ErrDisposed marks an operation rejected because the client has
	// already been disposed.
	ErrDisposed
	// ErrTimeout marks an operation that exceeded its configured
	// operation_timeout.
	ErrTimeout
	// ErrRetryExpired is the code built by newRetryExpiredError. An
	// operation whose retry policy is exhausted returns its last error,
	// not an error with this code.
	ErrRetryExpired
	// ErrNotOpen marks a non-lifecycle operation invoked while Closed.
	ErrNotOpen
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNetworkErrors:
		return "NetworkErrors"
	case ErrThrottled:
		return "Throttled"
	case ErrServerBusy:
		return "ServerBusy"
	case ErrIotHubFormatError:
		return "IotHubFormatError"
	case ErrUnauthorized:
		return "Unauthorized"
	case ErrDeviceNotFound:
		return "DeviceNotFound"
	case ErrMessageTooLarge:
		return "MessageTooLarge"
	case ErrPreconditionFailed:
		return "PreconditionFailed"
	case ErrTlsAuthenticationError:
		return "TlsAuthenticationError"
	case ErrIotHubQuotaExceeded:
		return "IotHubQuotaExceeded"
	case ErrInvalidOperation:
		return "InvalidOperation"
	case ErrCancelled:
		return "Cancelled"
	case ErrDisposed:
		return "Disposed"
	case ErrTimeout:
		return "Timeout"
	case ErrRetryExpired:
		return "RetryExpired"
	case ErrNotOpen:
		return "NotOpen"
	default:
		return "Unknown"
	}
}

// transientByCode mirrors the table in spec.md §4.4. Codes absent from
// this map (including every code added for internal bookkeeping, such as
// ErrCancelled or ErrInvalidOperation) are non-transient.
var transientByCode = map[ErrorCode]bool{
	ErrNetworkErrors: true,
	ErrThrottled:     true,
	ErrServerBusy:    true,
}

// UnifiedError is the single error taxonomy exposed by the pipeline.
// Every error a Client returns to its caller is a *UnifiedError.
type UnifiedError struct {
	Code        ErrorCode
	IsTransient bool
	TrackingID  string
	Cause       error
	Message     string

	// DeviceDisabled distinguishes the "device disabled" sub-case of
	// ErrDeviceNotFound (spec.md §4.4 groups both under one code, but
	// §4.3's retry handler must react to each differently).
	DeviceDisabled bool
}

func (e *UnifiedError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is/errors.As walk through to the wrapped cause.
func (e *UnifiedError) Unwrap() error {
	return e.Cause
}

// NewUnifiedError builds a UnifiedError, deriving IsTransient from the
// taxonomy table unless the code is unknown to it.
func NewUnifiedError(code ErrorCode, message string, cause error) *UnifiedError {
	return &UnifiedError{
		Code:        code,
		IsTransient: transientByCode[code],
		Message:     message,
		Cause:       errors.WithStack(cause),
	}
}

// newTrackedError is like NewUnifiedError but mints a client-local
// TrackingID, for failures synthesized locally (timeouts, cancellation)
// that never reached the service and so carry no service-issued
// correlator, grounded on the teacher's uuid.NewV4()-derived tags.
func newTrackedError(code ErrorCode, message string, cause error) *UnifiedError {
	e := NewUnifiedError(code, message, cause)
	e.TrackingID = uuid.NewV4().String()
	return e
}

func newInvalidTransitionError(from ClientTransportState, action StateAction) *UnifiedError {
	return NewUnifiedError(
		ErrInvalidOperation,
		fmt.Sprintf("action %s is not valid from state %s", action, from),
		nil,
	)
}

func newNotOpenError(op string) *UnifiedError {
	return NewUnifiedError(ErrNotOpen, fmt.Sprintf("client is not open: %s", op), nil)
}

func newCancelledError(cause error) *UnifiedError {
	return newTrackedError(ErrCancelled, "operation cancelled", cause)
}

func newDisposedError() *UnifiedError {
	return NewUnifiedError(ErrDisposed, "client has been disposed", nil)
}

func newTimeoutError(cause error) *UnifiedError {
	return newTrackedError(ErrTimeout, "operation timed out", cause)
}

func newRetryExpiredError(cause error) *UnifiedError {
	return NewUnifiedError(ErrRetryExpired, "retry policy exhausted", cause)
}

// AsUnifiedError reports whether err is (or wraps) a *UnifiedError and
// returns it.
func AsUnifiedError(err error) (*UnifiedError, bool) {
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// isFatalOpenError reports whether an error returned from a transport's
// Open indicates the transport itself is unsupported or rejected, per
// spec.md §4.5 step 4: ProtocolRoutingHandler must not try the next
// candidate when this is true.
func isFatalOpenError(err *UnifiedError) bool {
	switch err.Code {
	case ErrIotHubFormatError, ErrTlsAuthenticationError, ErrUnauthorized:
		return true
	default:
		return false
	}
}

// isFatalRetryError reports whether a failure is fatal regardless of its
// transient flag, per spec.md §4.3: auth failures, device
// not-found/disabled, malformed requests and quota exceeded are terminal.
func isFatalRetryError(err *UnifiedError) bool {
	switch err.Code {
	case ErrUnauthorized, ErrDeviceNotFound, ErrIotHubFormatError, ErrIotHubQuotaExceeded:
		return true
	default:
		return false
	}
}
