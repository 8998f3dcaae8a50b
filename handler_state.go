package iotdevice

import (
	"context"
	"sync"
	"time"

	"github.com/dihedron/iotdevice/transport"
)

// openCall lets concurrent Open callers collapse onto a single inner
// open, grounded on the teacher's ReconnectInProgress/ReconnectInProgressMtx
// pairing in Rabbit.runWatcher.
type openCall struct {
	done chan struct{}
	err  error
}

// stateHandler owns the lifecycle state machine, serializes concurrent
// opens, detects and recovers from unexpected disconnects, and maintains
// the monotonic subscription set that survives a reconnect (spec.md
// §4.2).
type stateHandler struct {
	sm   *clientTransportStateMachine
	subs *subscriptionTracker

	inner   Handler
	creds   transport.Credentials
	pending *pendingRegistry
	status  *statusDispatcher

	mu             sync.Mutex
	disposed       bool
	openInFlight   *openCall
	transitionSig  chan struct{}
	watcherCancel  context.CancelFunc

	incomingFn transport.IncomingMessageFunc
	methodFn   transport.DirectMethodFunc
	twinFn     transport.TwinPropertyFunc
	inputFns   map[string]transport.InputMessageFunc
}

func newStateHandler(inner Handler, creds transport.Credentials, status *statusDispatcher) *stateHandler {
	return &stateHandler{
		sm:            newClientTransportStateMachine(),
		subs:          &subscriptionTracker{},
		inner:         inner,
		creds:         creds,
		pending:       newPendingRegistry(),
		status:        status,
		transitionSig: make(chan struct{}),
		inputFns:      make(map[string]transport.InputMessageFunc),
	}
}

// notifyTransitionLocked wakes every goroutine parked in ready() waiting for a
// state change. Must be called with mu held.
func (h *stateHandler) notifyTransitionLocked() {
	close(h.transitionSig)
	h.transitionSig = make(chan struct{})
}

func (h *stateHandler) signalChan() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionSig
}

// ready blocks non-lifecycle operations until the client is Open, or
// fails fast per spec.md §4.2's operation gating rules.
func (h *stateHandler) ready(ctx context.Context, op string) error {
	for {
		h.mu.Lock()
		if h.disposed {
			h.mu.Unlock()
			return newDisposedError()
		}
		switch h.sm.current() {
		case StateOpen:
			h.mu.Unlock()
			return nil
		case StateClosed:
			h.mu.Unlock()
			return newNotOpenError(op)
		case StateClosing:
			h.mu.Unlock()
			return newCancelledError(nil)
		default: // StateOpening
			sig := h.transitionSig
			h.mu.Unlock()
			select {
			case <-sig:
				continue
			case <-ctx.Done():
				return newCancelledError(ctx.Err())
			}
		}
	}
}

// Open opens the client. Concurrent callers collapse onto a single inner
// open call; every caller observes the same outcome (spec.md §8
// invariant 2).
func (h *stateHandler) Open(ctx context.Context) error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return newDisposedError()
	}
	if h.sm.current() == StateOpen {
		h.mu.Unlock()
		return nil
	}
	if call := h.openInFlight; call != nil {
		h.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return newCancelledError(ctx.Err())
		}
	}
	call := &openCall{done: make(chan struct{})}
	h.openInFlight = call
	h.mu.Unlock()

	err := h.doOpen(ctx)

	h.mu.Lock()
	call.err = err
	close(call.done)
	h.openInFlight = nil
	h.mu.Unlock()
	return err
}

func (h *stateHandler) doOpen(ctx context.Context) error {
	if _, err := h.sm.moveNext(ActionOpenStart); err != nil {
		return err
	}
	h.mu.Lock()
	h.notifyTransitionLocked()
	h.mu.Unlock()

	if err := h.inner.Open(ctx, h.creds); err != nil {
		h.sm.moveNext(ActionOpenFailure)
		h.mu.Lock()
		h.notifyTransitionLocked()
		h.mu.Unlock()
		h.emitOpenFailureStatus(err)
		return err
	}

	if _, err := h.sm.moveNext(ActionOpenSuccess); err != nil {
		return err
	}
	h.mu.Lock()
	h.notifyTransitionLocked()
	h.mu.Unlock()

	if err := h.installSubscriptions(ctx); err != nil {
		h.teardownAfterFailedInstall(ctx)
		return err
	}

	h.status.emit(StatusConnected, ReasonConnectionOk)
	h.spawnWatcher()
	return nil
}

func (h *stateHandler) teardownAfterFailedInstall(ctx context.Context) {
	h.inner.Close(ctx)
	h.sm.moveNext(ActionCloseStart)
	h.sm.moveNext(ActionCloseComplete)
	h.mu.Lock()
	h.notifyTransitionLocked()
	h.mu.Unlock()
}

// installSubscriptions installs every currently-set subscription flag in
// the fixed deterministic order documented on SubscriptionSet, before an
// open (initial or reconnect) is acknowledged to the caller (spec.md §3
// invariant).
func (h *stateHandler) installSubscriptions(ctx context.Context) error {
	h.mu.Lock()
	incoming, method, twin := h.incomingFn, h.methodFn, h.twinFn
	inputs := make(map[string]transport.InputMessageFunc, len(h.inputFns))
	for k, v := range h.inputFns {
		inputs[k] = v
	}
	h.mu.Unlock()

	for _, flag := range h.subs.list() {
		switch flag {
		case SubscriptionIncomingMessages:
			if err := h.inner.EnableIncomingMessages(ctx, incoming); err != nil {
				return err
			}
		case SubscriptionDirectMethods:
			if err := h.inner.EnableDirectMethods(ctx, method); err != nil {
				return err
			}
		case SubscriptionDesiredProperties:
			if err := h.inner.EnableTwinUpdates(ctx, twin); err != nil {
				return err
			}
		case SubscriptionInputEvents:
			for name, fn := range inputs {
				if err := h.inner.EnableInputEvents(ctx, name, fn); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// spawnWatcher starts the long-lived background task that awaits the
// transport-closed signal for the connection just opened, grounded on
// the teacher's runWatcher goroutine reading NotifyCloseChan.
func (h *stateHandler) spawnWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.watcherCancel = cancel
	h.mu.Unlock()
	go h.watch(ctx)
}

func (h *stateHandler) cancelWatcherLocked() {
	if h.watcherCancel != nil {
		h.watcherCancel()
		h.watcherCancel = nil
	}
}

func (h *stateHandler) watch(ctx context.Context) {
	reason, err := h.inner.WaitForTransportClosed(ctx)
	if err != nil {
		// cancelled by Close/dispose tearing down the watcher.
		return
	}
	if reason == transport.ClosedGraceful {
		return
	}
	h.handleUnexpectedDisconnect()
}

// emitOpenFailureStatus reports the outward status for an open that failed
// and left the state machine in Closed, whether that open was the initial
// one or a reconnect attempt (spec.md §4.2 item 4). Unauthorized and
// DeviceDisabled are already reported by retryHandler.do.
func (h *stateHandler) emitOpenFailureStatus(err error) {
	ue, _ := AsUnifiedError(err)
	switch {
	case ue != nil && ue.Code == ErrUnauthorized:
	case ue != nil && ue.DeviceDisabled:
	case ue != nil && ue.IsTransient:
		h.status.emit(StatusDisconnected, ReasonRetryExpired)
	default:
		h.status.emit(StatusDisconnected, ReasonCommunicationError)
	}
}

// handleUnexpectedDisconnect implements the reconnect loop of spec.md
// §4.2.
func (h *stateHandler) handleUnexpectedDisconnect() {
	if next, err := h.sm.moveNext(ActionConnectionLost); err != nil || next != StateOpening {
		// Closing beat us to it (ConnectionLost is a no-op there), or some
		// other race; nothing to do.
		return
	}
	h.mu.Lock()
	h.notifyTransitionLocked()
	h.mu.Unlock()

	h.status.emit(StatusDisconnectedRetrying, ReasonCommunicationError)

	ctx := context.Background()
	err := h.inner.Open(ctx, h.creds)
	if err != nil {
		h.sm.moveNext(ActionOpenFailure)
		h.mu.Lock()
		h.notifyTransitionLocked()
		h.mu.Unlock()

		h.emitOpenFailureStatus(err)
		return
	}

	if _, err := h.sm.moveNext(ActionOpenSuccess); err != nil {
		return
	}
	h.mu.Lock()
	h.notifyTransitionLocked()
	h.mu.Unlock()

	if err := h.installSubscriptions(ctx); err != nil {
		h.teardownAfterFailedInstall(ctx)
		h.status.emit(StatusDisconnected, ReasonCommunicationError)
		return
	}

	h.status.emit(StatusConnected, ReasonConnectionOk)
	h.spawnWatcher()
}

// Close transitions to Closing, cancels every pending operation, closes
// the inner handler, and settles in Closed. A subsequent Open must
// succeed: Close never poisons the instance (spec.md §4.2).
func (h *stateHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.disposed || h.sm.current() == StateClosed {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if _, err := h.sm.moveNext(ActionCloseStart); err != nil {
		if h.sm.current() == StateClosed {
			return nil
		}
		return err
	}
	h.mu.Lock()
	h.notifyTransitionLocked()
	h.cancelWatcherLocked()
	h.mu.Unlock()

	h.pending.cancelAll()

	err := h.inner.Close(ctx)

	h.sm.moveNext(ActionCloseComplete)
	h.mu.Lock()
	h.notifyTransitionLocked()
	h.mu.Unlock()

	h.status.emit(StatusDisabled, ReasonClientClose)
	return err
}

// Dispose releases all resources and makes every future operation fail
// with ErrDisposed. Idempotent.
func (h *stateHandler) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	h.cancelWatcherLocked()
	h.mu.Unlock()

	h.pending.cancelAll()
	_ = h.inner // leaf Dispose below
	h.inner.Dispose()
	h.status.emit(StatusDisabled, ReasonClientClose)
}

func (h *stateHandler) withPending(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := h.ready(ctx, op); err != nil {
		return err
	}
	opCtx, release := h.pending.register(ctx)
	defer release()
	return fn(opCtx)
}

func (h *stateHandler) SendTelemetry(ctx context.Context, msg *transport.Message) error {
	return h.withPending(ctx, "send_telemetry", func(ctx context.Context) error {
		return h.inner.SendTelemetry(ctx, msg)
	})
}

func (h *stateHandler) SendTelemetryBatch(ctx context.Context, msgs []*transport.Message) error {
	return h.withPending(ctx, "send_telemetry_batch", func(ctx context.Context) error {
		return h.inner.SendTelemetryBatch(ctx, msgs)
	})
}

func (h *stateHandler) ReceiveMessage(ctx context.Context) (*transport.Message, error) {
	var msg *transport.Message
	err := h.withPending(ctx, "receive_message", func(ctx context.Context) error {
		var innerErr error
		msg, innerErr = h.inner.ReceiveMessage(ctx)
		return innerErr
	})
	return msg, err
}

func (h *stateHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return h.withPending(ctx, "complete_message", func(ctx context.Context) error {
		return h.inner.CompleteMessage(ctx, lockToken)
	})
}

func (h *stateHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return h.withPending(ctx, "abandon_message", func(ctx context.Context) error {
		return h.inner.AbandonMessage(ctx, lockToken)
	})
}

func (h *stateHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return h.withPending(ctx, "reject_message", func(ctx context.Context) error {
		return h.inner.RejectMessage(ctx, lockToken)
	})
}

func (h *stateHandler) GetTwin(ctx context.Context) (*transport.TwinDocument, error) {
	var twin *transport.TwinDocument
	err := h.withPending(ctx, "get_twin", func(ctx context.Context) error {
		var innerErr error
		twin, innerErr = h.inner.GetTwin(ctx)
		return innerErr
	})
	return twin, err
}

func (h *stateHandler) UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*transport.UpdateResponse, error) {
	var resp *transport.UpdateResponse
	err := h.withPending(ctx, "update_reported_properties", func(ctx context.Context) error {
		var innerErr error
		resp, innerErr = h.inner.UpdateReportedProperties(ctx, patch)
		return innerErr
	})
	return resp, err
}

func (h *stateHandler) SendMethodResponse(ctx context.Context, resp *transport.MethodResponse) error {
	return h.withPending(ctx, "send_method_response", func(ctx context.Context) error {
		return h.inner.SendMethodResponse(ctx, resp)
	})
}

func (h *stateHandler) RefreshSASToken(ctx context.Context) (time.Time, error) {
	var expiry time.Time
	err := h.withPending(ctx, "refresh_sas_token", func(ctx context.Context) error {
		var innerErr error
		expiry, innerErr = h.inner.RefreshSASToken(ctx)
		return innerErr
	})
	return expiry, err
}

// stateHandler.Open takes no credentials (it opens with the ones given to
// newStateHandler), so stateHandler does not implement transport.Handler.
// The four set*Callback methods below back Client's SetXCallback methods
// and are not called directly by applications.

func (h *stateHandler) setIncomingMessageCallback(ctx context.Context, fn transport.IncomingMessageFunc) error {
	h.mu.Lock()
	h.incomingFn = fn
	h.mu.Unlock()
	return h.enableIfNeeded(ctx, SubscriptionIncomingMessages, func(ctx context.Context) error {
		return h.inner.EnableIncomingMessages(ctx, fn)
	})
}

func (h *stateHandler) setDirectMethodCallback(ctx context.Context, fn transport.DirectMethodFunc) error {
	h.mu.Lock()
	h.methodFn = fn
	h.mu.Unlock()
	return h.enableIfNeeded(ctx, SubscriptionDirectMethods, func(ctx context.Context) error {
		return h.inner.EnableDirectMethods(ctx, fn)
	})
}

func (h *stateHandler) setTwinUpdateCallback(ctx context.Context, fn transport.TwinPropertyFunc) error {
	h.mu.Lock()
	h.twinFn = fn
	h.mu.Unlock()
	return h.enableIfNeeded(ctx, SubscriptionDesiredProperties, func(ctx context.Context) error {
		return h.inner.EnableTwinUpdates(ctx, fn)
	})
}

func (h *stateHandler) setInputMessageCallback(ctx context.Context, name string, fn transport.InputMessageFunc) error {
	h.mu.Lock()
	h.inputFns[name] = fn
	h.mu.Unlock()
	return h.enableIfNeeded(ctx, SubscriptionInputEvents, func(ctx context.Context) error {
		return h.inner.EnableInputEvents(ctx, name, fn)
	})
}

// enableIfNeeded marks flag as subscribed and, when already Open,
// installs it on the live transport immediately; otherwise it will be
// installed by the next (re)open per the monotonic SubscriptionSet
// invariant.
func (h *stateHandler) enableIfNeeded(ctx context.Context, flag SubscriptionSet, install func(ctx context.Context) error) error {
	h.subs.add(flag)
	if h.sm.current() != StateOpen {
		return nil
	}
	return install(ctx)
}

func (h *stateHandler) IsUsable() bool {
	return !h.disposed
}

func (h *stateHandler) WaitForTransportClosed(ctx context.Context) (transport.ClosedReason, error) {
	return h.inner.WaitForTransportClosed(ctx)
}

func (h *stateHandler) EnableIncomingMessages(ctx context.Context, fn transport.IncomingMessageFunc) error {
	return h.setIncomingMessageCallback(ctx, fn)
}
func (h *stateHandler) DisableIncomingMessages(ctx context.Context) error {
	return h.inner.DisableIncomingMessages(ctx)
}
func (h *stateHandler) EnableDirectMethods(ctx context.Context, fn transport.DirectMethodFunc) error {
	return h.setDirectMethodCallback(ctx, fn)
}
func (h *stateHandler) DisableDirectMethods(ctx context.Context) error {
	return h.inner.DisableDirectMethods(ctx)
}
func (h *stateHandler) EnableTwinUpdates(ctx context.Context, fn transport.TwinPropertyFunc) error {
	return h.setTwinUpdateCallback(ctx, fn)
}
func (h *stateHandler) DisableTwinUpdates(ctx context.Context) error {
	return h.inner.DisableTwinUpdates(ctx)
}
func (h *stateHandler) EnableInputEvents(ctx context.Context, name string, fn transport.InputMessageFunc) error {
	return h.setInputMessageCallback(ctx, name, fn)
}
func (h *stateHandler) DisableInputEvents(ctx context.Context) error {
	return h.inner.DisableInputEvents(ctx)
}
