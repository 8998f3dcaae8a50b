package iotdevice

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dihedron/iotdevice/transport"
)

// routingHandler selects the first transport candidate that opens
// successfully and pins it for the client's lifetime, grounded on the
// teacher's Rabbit.New/Rabbit.reconnect "loop over Options.URLs, stop at
// first success" algorithm (spec.md §4.5).
type routingHandler struct {
	candidates []Factory

	mu            sync.Mutex
	pinnedIndex   int
	pinned        bool
	selected      Handler
}

func newRoutingHandler(candidates []Factory) *routingHandler {
	return &routingHandler{candidates: candidates, pinnedIndex: -1}
}

func (h *routingHandler) Open(ctx context.Context, creds transport.Credentials) error {
	h.mu.Lock()
	if h.pinned && h.selected != nil && h.selected.IsUsable() {
		selected := h.selected
		h.mu.Unlock()
		return selected.Open(ctx, creds)
	}
	if h.pinned {
		// Previously selected transport is no longer usable: dispose and
		// rebuild from the same candidate only; once pinned, the client
		// never falls back to a different protocol.
		stale := h.selected
		h.selected = nil
		factory := h.candidates[h.pinnedIndex]
		h.mu.Unlock()

		if stale != nil {
			stale.Dispose()
		}
		fresh, err := factory(creds)
		if err != nil {
			return errors.Wrap(err, "constructing pinned transport")
		}
		if err := fresh.Open(ctx, creds); err != nil {
			fresh.Dispose()
			return errors.Wrap(err, "opening pinned transport")
		}
		h.mu.Lock()
		h.selected = fresh
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	return h.selectFirst(ctx, creds)
}

// selectFirst runs the first-open candidate iteration of spec.md §4.5.
func (h *routingHandler) selectFirst(ctx context.Context, creds transport.Credentials) error {
	var lastErr error
	for i, factory := range h.candidates {
		select {
		case <-ctx.Done():
			return newCancelledError(ctx.Err())
		default:
		}

		candidate, err := factory(creds)
		if err != nil {
			lastErr = err
			continue
		}

		err = candidate.Open(ctx, creds)
		if err == nil {
			h.mu.Lock()
			h.selected = candidate
			h.pinnedIndex = i
			h.pinned = true
			h.mu.Unlock()
			return nil
		}

		candidate.Dispose()

		if isFatalOpenError(classify(err)) {
			return errors.Wrap(err, "transport candidate rejected")
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("no transport candidates configured")
	}
	return errors.Wrap(lastErr, "all transport candidates failed to open")
}

func (h *routingHandler) current() (Handler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.selected == nil {
		return nil, newNotOpenError("transport not selected")
	}
	return h.selected, nil
}

func (h *routingHandler) Close(ctx context.Context) error {
	sel, err := h.current()
	if err != nil {
		return nil // nothing to close
	}
	return sel.Close(ctx)
}

func (h *routingHandler) SendTelemetry(ctx context.Context, msg *transport.Message) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.SendTelemetry(ctx, msg)
}

func (h *routingHandler) SendTelemetryBatch(ctx context.Context, msgs []*transport.Message) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.SendTelemetryBatch(ctx, msgs)
}

func (h *routingHandler) ReceiveMessage(ctx context.Context) (*transport.Message, error) {
	sel, err := h.current()
	if err != nil {
		return nil, err
	}
	return sel.ReceiveMessage(ctx)
}

func (h *routingHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.CompleteMessage(ctx, lockToken)
}

func (h *routingHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.AbandonMessage(ctx, lockToken)
}

func (h *routingHandler) RejectMessage(ctx context.Context, lockToken string) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.RejectMessage(ctx, lockToken)
}

func (h *routingHandler) GetTwin(ctx context.Context) (*transport.TwinDocument, error) {
	sel, err := h.current()
	if err != nil {
		return nil, err
	}
	return sel.GetTwin(ctx)
}

func (h *routingHandler) UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*transport.UpdateResponse, error) {
	sel, err := h.current()
	if err != nil {
		return nil, err
	}
	return sel.UpdateReportedProperties(ctx, patch)
}

func (h *routingHandler) SendMethodResponse(ctx context.Context, resp *transport.MethodResponse) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.SendMethodResponse(ctx, resp)
}

func (h *routingHandler) RefreshSASToken(ctx context.Context) (time.Time, error) {
	sel, err := h.current()
	if err != nil {
		return time.Time{}, err
	}
	return sel.RefreshSASToken(ctx)
}

func (h *routingHandler) EnableIncomingMessages(ctx context.Context, fn transport.IncomingMessageFunc) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.EnableIncomingMessages(ctx, fn)
}

func (h *routingHandler) DisableIncomingMessages(ctx context.Context) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.DisableIncomingMessages(ctx)
}

func (h *routingHandler) EnableDirectMethods(ctx context.Context, fn transport.DirectMethodFunc) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.EnableDirectMethods(ctx, fn)
}

func (h *routingHandler) DisableDirectMethods(ctx context.Context) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.DisableDirectMethods(ctx)
}

func (h *routingHandler) EnableTwinUpdates(ctx context.Context, fn transport.TwinPropertyFunc) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.EnableTwinUpdates(ctx, fn)
}

func (h *routingHandler) DisableTwinUpdates(ctx context.Context) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.DisableTwinUpdates(ctx)
}

func (h *routingHandler) EnableInputEvents(ctx context.Context, name string, fn transport.InputMessageFunc) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.EnableInputEvents(ctx, name, fn)
}

func (h *routingHandler) DisableInputEvents(ctx context.Context) error {
	sel, err := h.current()
	if err != nil {
		return err
	}
	return sel.DisableInputEvents(ctx)
}

func (h *routingHandler) WaitForTransportClosed(ctx context.Context) (transport.ClosedReason, error) {
	sel, err := h.current()
	if err != nil {
		return transport.ClosedUnexpected, err
	}
	return sel.WaitForTransportClosed(ctx)
}

func (h *routingHandler) IsUsable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selected != nil && h.selected.IsUsable()
}

func (h *routingHandler) Dispose() {
	h.mu.Lock()
	sel := h.selected
	h.selected = nil
	h.mu.Unlock()
	if sel != nil {
		sel.Dispose()
	}
}
