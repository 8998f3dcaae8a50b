package iotdevice

import (
	"context"
	"sync"
)

// pendingOperation tracks a single in-flight call so Close/dispose can
// cancel every outstanding operation atomically, grounded on the
// teacher's cancel func()/ConsumerWG pairing in Rabbit.Stop.
type pendingOperation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// pendingRegistry is the mutex-guarded set of pendingOperation values for
// one Client. Its mutex is its own; the state machine and the
// subscription tracker are each guarded by separate mutexes.
type pendingRegistry struct {
	mu   sync.Mutex
	next uint64
	ops  map[uint64]*pendingOperation
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{ops: make(map[uint64]*pendingOperation)}
}

// register derives a cancellable context from parent and tracks it. The
// returned release func must be called (typically deferred) once the
// operation completes, successfully or not.
func (r *pendingRegistry) register(parent context.Context) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	id := r.next
	r.next++
	op := &pendingOperation{cancel: cancel, done: make(chan struct{})}
	r.ops[id] = op
	r.mu.Unlock()

	release = func() {
		close(op.done)
		r.mu.Lock()
		delete(r.ops, id)
		r.mu.Unlock()
	}
	return ctx, release
}

// cancelAll cancels every currently-tracked operation's context. It does
// not wait for them to observe the cancellation; callers that need that
// guarantee should poll or rely on the operations' own done channels.
func (r *pendingRegistry) cancelAll() {
	r.mu.Lock()
	ops := make([]*pendingOperation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.mu.Unlock()

	for _, op := range ops {
		op.cancel()
	}
}
