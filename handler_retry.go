package iotdevice

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dihedron/iotdevice/transport"
)

// retryHandler wraps every operation of its inner handler in the
// configured RetryPolicy, grounded on the teacher's RETRY: labeled loops
// in Consume/ConsumeOnce (spec.md §4.3).
type retryHandler struct {
	inner  Handler
	policy atomic.Value // RetryPolicy
	status *statusDispatcher
}

func newRetryHandler(inner Handler, policy RetryPolicy, status *statusDispatcher) *retryHandler {
	h := &retryHandler{inner: inner, status: status}
	h.setRetryPolicy(policy)
	return h
}

// setRetryPolicy is safe to call at any time; it affects only operations
// started afterwards.
func (h *retryHandler) setRetryPolicy(policy RetryPolicy) {
	if policy == nil {
		policy = NewExponentialBackoff()
	}
	h.policy.Store(policy)
}

func (h *retryHandler) currentPolicy() RetryPolicy {
	return h.policy.Load().(RetryPolicy)
}

// do runs op, consulting the retry policy on every transient failure,
// and sleeping for at least retryFloor (never before the first attempt)
// between attempts. Fatal classes are never retried: Unauthorized and the
// device-disabled sub-case of DeviceNotFound additionally notify status
// here, since they can surface from any operation, not only from the
// reconnect loop that owns the rest of the status transitions.
func (h *retryHandler) do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		ue, ok := AsUnifiedError(err)
		if !ok {
			ue = classify(err)
		}

		switch ue.Code {
		case ErrCancelled, ErrDisposed, ErrTimeout, ErrInvalidOperation, ErrNotOpen:
			return ue
		case ErrUnauthorized:
			h.status.emit(StatusDisconnected, ReasonBadCredential)
			return ue
		}
		if ue.DeviceDisabled {
			h.status.emit(StatusDisconnected, ReasonDeviceDisabled)
			return ue
		}
		if isFatalRetryError(ue) || !ue.IsTransient {
			return ue
		}

		policy := h.currentPolicy()
		delay, retry := policy.ShouldRetry(attempt, ue)
		if !retry {
			return ue
		}
		attempt++

		timer := time.NewTimer(applyFloor(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return remapCtxErr(ctx, ctx.Err())
		case <-timer.C:
		}
	}
}

// doNetworkOnly is the narrower retry loop used by RefreshSASToken: only
// network/transient errors are retried, everything else surfaces
// immediately (spec.md §4.3, "Token refresh").
func (h *retryHandler) doNetworkOnly(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		ue, ok := AsUnifiedError(err)
		if !ok {
			ue = classify(err)
		}
		if ue.Code != ErrNetworkErrors {
			return ue
		}

		policy := h.currentPolicy()
		delay, retry := policy.ShouldRetry(attempt, ue)
		if !retry {
			return ue
		}
		attempt++

		timer := time.NewTimer(applyFloor(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return remapCtxErr(ctx, ctx.Err())
		case <-timer.C:
		}
	}
}

func (h *retryHandler) Open(ctx context.Context, creds transport.Credentials) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.Open(ctx, creds) })
}

func (h *retryHandler) Close(ctx context.Context) error {
	// Close is never retried: a failed close should surface immediately
	// so the caller knows teardown did not complete cleanly.
	return h.inner.Close(ctx)
}

func (h *retryHandler) SendTelemetry(ctx context.Context, msg *transport.Message) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.SendTelemetry(ctx, msg) })
}

func (h *retryHandler) SendTelemetryBatch(ctx context.Context, msgs []*transport.Message) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.SendTelemetryBatch(ctx, msgs) })
}

func (h *retryHandler) ReceiveMessage(ctx context.Context) (*transport.Message, error) {
	var msg *transport.Message
	err := h.do(ctx, func(ctx context.Context) error {
		var innerErr error
		msg, innerErr = h.inner.ReceiveMessage(ctx)
		return innerErr
	})
	return msg, err
}

func (h *retryHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.CompleteMessage(ctx, lockToken) })
}

func (h *retryHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.AbandonMessage(ctx, lockToken) })
}

func (h *retryHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.RejectMessage(ctx, lockToken) })
}

func (h *retryHandler) GetTwin(ctx context.Context) (*transport.TwinDocument, error) {
	var twin *transport.TwinDocument
	err := h.do(ctx, func(ctx context.Context) error {
		var innerErr error
		twin, innerErr = h.inner.GetTwin(ctx)
		return innerErr
	})
	return twin, err
}

func (h *retryHandler) UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*transport.UpdateResponse, error) {
	var resp *transport.UpdateResponse
	err := h.do(ctx, func(ctx context.Context) error {
		var innerErr error
		resp, innerErr = h.inner.UpdateReportedProperties(ctx, patch)
		return innerErr
	})
	return resp, err
}

func (h *retryHandler) SendMethodResponse(ctx context.Context, resp *transport.MethodResponse) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.SendMethodResponse(ctx, resp) })
}

func (h *retryHandler) RefreshSASToken(ctx context.Context) (time.Time, error) {
	var expiry time.Time
	err := h.doNetworkOnly(ctx, func(ctx context.Context) error {
		var innerErr error
		expiry, innerErr = h.inner.RefreshSASToken(ctx)
		return innerErr
	})
	return expiry, err
}

func (h *retryHandler) EnableIncomingMessages(ctx context.Context, fn transport.IncomingMessageFunc) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.EnableIncomingMessages(ctx, fn) })
}

func (h *retryHandler) DisableIncomingMessages(ctx context.Context) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.DisableIncomingMessages(ctx) })
}

func (h *retryHandler) EnableDirectMethods(ctx context.Context, fn transport.DirectMethodFunc) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.EnableDirectMethods(ctx, fn) })
}

func (h *retryHandler) DisableDirectMethods(ctx context.Context) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.DisableDirectMethods(ctx) })
}

func (h *retryHandler) EnableTwinUpdates(ctx context.Context, fn transport.TwinPropertyFunc) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.EnableTwinUpdates(ctx, fn) })
}

func (h *retryHandler) DisableTwinUpdates(ctx context.Context) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.DisableTwinUpdates(ctx) })
}

func (h *retryHandler) EnableInputEvents(ctx context.Context, name string, fn transport.InputMessageFunc) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.EnableInputEvents(ctx, name, fn) })
}

func (h *retryHandler) DisableInputEvents(ctx context.Context) error {
	return h.do(ctx, func(ctx context.Context) error { return h.inner.DisableInputEvents(ctx) })
}

func (h *retryHandler) WaitForTransportClosed(ctx context.Context) (transport.ClosedReason, error) {
	return h.inner.WaitForTransportClosed(ctx)
}

func (h *retryHandler) IsUsable() bool {
	return h.inner.IsUsable()
}

func (h *retryHandler) Dispose() {
	h.inner.Dispose()
}
