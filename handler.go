package iotdevice

import (
	"context"
	"time"

	"github.com/dihedron/iotdevice/transport"
)

// Handler is the pipeline stage contract: RetryHandler,
// ErrorRemappingHandler and ProtocolRoutingHandler implement it and each
// wraps an inner Handler, terminating at a concrete transport adapter.
// StateHandler wraps a Handler but does not implement it (its Open takes
// no credentials). It is transport.Handler by another name so every layer
// below StateHandler, up to and including the leaf transport, is
// interchangeable.
type Handler = transport.Handler

// Factory constructs a fresh leaf Handler for one transport candidate.
type Factory = transport.Factory

// withTimeout bounds ctx by timeout when timeout is positive, matching
// the operation_timeout configuration knob (spec.md §6). A non-positive
// timeout means "no additional bound".
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
