package transport

import (
	"errors"
	"fmt"
)

// Sentinel causes a concrete adapter (mqtt, amqp) wraps its raw
// library/network errors around with Wrap below, so the pipeline's
// ErrorRemappingHandler can classify with errors.Is instead of string
// matching. A raw error with none of these as its cause goes through the
// remap handler's net.Error and message-substring fallbacks, and ends as
// ErrUnknown if neither matches.
var (
	ErrNetworkError    = errors.New("transport: network error")
	ErrThrottled       = errors.New("transport: throttled")
	ErrServerBusy      = errors.New("transport: server busy")
	ErrFormatError     = errors.New("transport: malformed frame")
	ErrUnauthorized    = errors.New("transport: unauthorized")
	ErrDeviceNotFound  = errors.New("transport: device or module not found")
	ErrDeviceDisabled  = errors.New("transport: device disabled")
	ErrMessageTooLarge = errors.New("transport: message too large")
	ErrLockLost        = errors.New("transport: message lock lost")
	ErrTLSAuthFailure  = errors.New("transport: tls authentication failure")
	ErrQuotaExceeded   = errors.New("transport: quota exceeded")
)

// Wrap attaches sentinel as the Unwrap target of cause's message, so
// errors.Is(result, sentinel) succeeds while the original text is kept
// for logs. Returns sentinel unchanged if cause is nil.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, cause)
}
