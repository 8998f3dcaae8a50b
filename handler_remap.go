package iotdevice

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/dihedron/iotdevice/transport"
)

// classify maps a raw transport/network/timeout/authentication error onto
// the UnifiedError taxonomy of spec.md §4.4. Context cancellation and
// deadline errors are never classified here; they are handled directly by
// whichever handler observed them, per spec.md §7 ("cancellation and
// timeouts are always surfaced as such, never converted to transport
// errors").
func classify(err error) *UnifiedError {
	if err == nil {
		return nil
	}
	if ue, ok := AsUnifiedError(err); ok {
		return ue
	}

	switch {
	case errors.Is(err, transport.ErrUnauthorized):
		return NewUnifiedError(ErrUnauthorized, "authentication rejected", err)
	case errors.Is(err, transport.ErrDeviceDisabled):
		e := NewUnifiedError(ErrDeviceNotFound, "device is disabled", err)
		e.DeviceDisabled = true
		return e
	case errors.Is(err, transport.ErrDeviceNotFound):
		return NewUnifiedError(ErrDeviceNotFound, "device or module not found", err)
	case errors.Is(err, transport.ErrFormatError):
		return NewUnifiedError(ErrIotHubFormatError, "malformed frame", err)
	case errors.Is(err, transport.ErrMessageTooLarge):
		return NewUnifiedError(ErrMessageTooLarge, "message exceeds the maximum size", err)
	case errors.Is(err, transport.ErrLockLost):
		return NewUnifiedError(ErrPreconditionFailed, "message lock lost", err)
	case errors.Is(err, transport.ErrTLSAuthFailure):
		return NewUnifiedError(ErrTlsAuthenticationError, "tls handshake failed", err)
	case errors.Is(err, transport.ErrQuotaExceeded):
		return NewUnifiedError(ErrIotHubQuotaExceeded, "quota exceeded", err)
	case errors.Is(err, transport.ErrThrottled):
		return NewUnifiedError(ErrThrottled, "request throttled", err)
	case errors.Is(err, transport.ErrServerBusy):
		return NewUnifiedError(ErrServerBusy, "service unavailable", err)
	case errors.Is(err, transport.ErrNetworkError):
		return NewUnifiedError(ErrNetworkErrors, "network error", err)
	}

	// Fall back to inspecting the error's own signal (net.Error) and, as
	// a last resort, a substring match on its message, grounded on the
	// golang-iothub Transport.IsNetworkError pattern of matching the
	// paho library's wrapped "Network Error" text.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewUnifiedError(ErrNetworkErrors, "network error", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "network error"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"):
		return NewUnifiedError(ErrNetworkErrors, "network error", err)
	case strings.Contains(msg, "throttl"):
		return NewUnifiedError(ErrThrottled, "request throttled", err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "unavailable"):
		return NewUnifiedError(ErrServerBusy, "service unavailable", err)
	}

	return NewUnifiedError(ErrUnknown, "unclassified transport error", err)
}

// errorRemappingHandler converts every error its inner handler raises
// into a *UnifiedError with an accurate code and transient flag. Errors
// already wrapped by cancellation/timeout logic upstream pass through
// classify unchanged since AsUnifiedError short-circuits.
type errorRemappingHandler struct {
	inner Handler
}

func newErrorRemappingHandler(inner Handler) *errorRemappingHandler {
	return &errorRemappingHandler{inner: inner}
}

func remapCtxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return newCancelledError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newTimeoutError(err)
	}
	return classify(err)
}

func (h *errorRemappingHandler) Open(ctx context.Context, creds transport.Credentials) error {
	return remapCtxErr(ctx, h.inner.Open(ctx, creds))
}

func (h *errorRemappingHandler) Close(ctx context.Context) error {
	return remapCtxErr(ctx, h.inner.Close(ctx))
}

func (h *errorRemappingHandler) SendTelemetry(ctx context.Context, msg *transport.Message) error {
	return remapCtxErr(ctx, h.inner.SendTelemetry(ctx, msg))
}

func (h *errorRemappingHandler) SendTelemetryBatch(ctx context.Context, msgs []*transport.Message) error {
	return remapCtxErr(ctx, h.inner.SendTelemetryBatch(ctx, msgs))
}

func (h *errorRemappingHandler) ReceiveMessage(ctx context.Context) (*transport.Message, error) {
	msg, err := h.inner.ReceiveMessage(ctx)
	if err != nil {
		return nil, remapCtxErr(ctx, err)
	}
	return msg, nil
}

func (h *errorRemappingHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return remapCtxErr(ctx, h.inner.CompleteMessage(ctx, lockToken))
}

func (h *errorRemappingHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return remapCtxErr(ctx, h.inner.AbandonMessage(ctx, lockToken))
}

func (h *errorRemappingHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return remapCtxErr(ctx, h.inner.RejectMessage(ctx, lockToken))
}

func (h *errorRemappingHandler) GetTwin(ctx context.Context) (*transport.TwinDocument, error) {
	twin, err := h.inner.GetTwin(ctx)
	if err != nil {
		return nil, remapCtxErr(ctx, err)
	}
	return twin, nil
}

func (h *errorRemappingHandler) UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*transport.UpdateResponse, error) {
	resp, err := h.inner.UpdateReportedProperties(ctx, patch)
	if err != nil {
		return nil, remapCtxErr(ctx, err)
	}
	return resp, nil
}

func (h *errorRemappingHandler) SendMethodResponse(ctx context.Context, resp *transport.MethodResponse) error {
	return remapCtxErr(ctx, h.inner.SendMethodResponse(ctx, resp))
}

func (h *errorRemappingHandler) RefreshSASToken(ctx context.Context) (time.Time, error) {
	t, err := h.inner.RefreshSASToken(ctx)
	if err != nil {
		return t, remapCtxErr(ctx, err)
	}
	return t, nil
}

func (h *errorRemappingHandler) EnableIncomingMessages(ctx context.Context, fn transport.IncomingMessageFunc) error {
	return remapCtxErr(ctx, h.inner.EnableIncomingMessages(ctx, fn))
}

func (h *errorRemappingHandler) DisableIncomingMessages(ctx context.Context) error {
	return remapCtxErr(ctx, h.inner.DisableIncomingMessages(ctx))
}

func (h *errorRemappingHandler) EnableDirectMethods(ctx context.Context, fn transport.DirectMethodFunc) error {
	return remapCtxErr(ctx, h.inner.EnableDirectMethods(ctx, fn))
}

func (h *errorRemappingHandler) DisableDirectMethods(ctx context.Context) error {
	return remapCtxErr(ctx, h.inner.DisableDirectMethods(ctx))
}

func (h *errorRemappingHandler) EnableTwinUpdates(ctx context.Context, fn transport.TwinPropertyFunc) error {
	return remapCtxErr(ctx, h.inner.EnableTwinUpdates(ctx, fn))
}

func (h *errorRemappingHandler) DisableTwinUpdates(ctx context.Context) error {
	return remapCtxErr(ctx, h.inner.DisableTwinUpdates(ctx))
}

func (h *errorRemappingHandler) EnableInputEvents(ctx context.Context, name string, fn transport.InputMessageFunc) error {
	return remapCtxErr(ctx, h.inner.EnableInputEvents(ctx, name, fn))
}

func (h *errorRemappingHandler) DisableInputEvents(ctx context.Context) error {
	return remapCtxErr(ctx, h.inner.DisableInputEvents(ctx))
}

func (h *errorRemappingHandler) WaitForTransportClosed(ctx context.Context) (transport.ClosedReason, error) {
	reason, err := h.inner.WaitForTransportClosed(ctx)
	if err != nil {
		return reason, remapCtxErr(ctx, err)
	}
	return reason, nil
}

func (h *errorRemappingHandler) IsUsable() bool {
	return h.inner.IsUsable()
}

func (h *errorRemappingHandler) Dispose() {
	h.inner.Dispose()
}
