package iotdevice

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dihedron/iotdevice/transport"
)

// scriptedFactory returns a transport.Factory that hands out a fresh
// fakeTransport on every call and never fails itself; the n-th
// fakeTransport's Open fails with errs[n] (the last entry repeats once
// exhausted) and succeeds when errs is empty or the entry is nil. Every constructed fakeTransport is appended to the
// returned slice for later inspection.
func scriptedFactory(errs []error) (transport.Factory, *[]*fakeTransport) {
	var mu sync.Mutex
	var n int
	created := &[]*fakeTransport{}

	factory := func(creds transport.Credentials) (transport.Handler, error) {
		mu.Lock()
		idx := n
		n++
		mu.Unlock()

		var err error
		if len(errs) > 0 {
			if idx < len(errs) {
				err = errs[idx]
			} else {
				err = errs[len(errs)-1]
			}
		}
		ft := newFakeTransport()
		ft.openErr = err
		if err != nil {
			ft.usable = false
		}

		mu.Lock()
		*created = append(*created, ft)
		mu.Unlock()
		return ft, nil
	}
	return factory, created
}

// countingPolicy retries exactly maxRetries times (maxRetries+1 total
// attempts) on transient errors, and never retries fatal ones.
type countingPolicy struct{ maxRetries int }

func (p countingPolicy) ShouldRetry(attempt int, lastError *UnifiedError) (time.Duration, bool) {
	if lastError != nil && !lastError.IsTransient {
		return 0, false
	}
	if attempt >= p.maxRetries {
		return 0, false
	}
	return time.Millisecond, true
}

type statusRecorder struct {
	mu      sync.Mutex
	entries []statusEntry
}

type statusEntry struct {
	status ConnectionStatus
	reason ConnectionStatusChangeReason
}

func (r *statusRecorder) callback(status ConnectionStatus, reason ConnectionStatusChangeReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, statusEntry{status, reason})
}

func (r *statusRecorder) snapshot() []statusEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]statusEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// buildPipeline assembles the full StateHandler -> RetryHandler ->
// ErrorRemappingHandler -> ProtocolRoutingHandler chain against a single
// scripted factory, mirroring client.go's wiring without going through
// Client so the test can reach into the state handler directly.
func buildPipeline(factory transport.Factory, policy RetryPolicy) (*stateHandler, *statusRecorder) {
	rec := &statusRecorder{}
	status := &statusDispatcher{callback: rec.callback}
	routing := newRoutingHandler([]Factory{factory})
	remap := newErrorRemappingHandler(routing)
	retry := newRetryHandler(remap, policy, status)
	state := newStateHandler(retry, fakeCredentials{}, status)
	return state, rec
}

var _ = Describe("connection lifecycle pipeline", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("S1: initial open succeeds on first candidate", func() {
		factory, created := scriptedFactory(nil)
		state, rec := buildPipeline(factory, &countingPolicy{maxRetries: 3})

		Expect(state.Open(ctx)).To(Succeed())
		Expect(state.sm.current()).To(Equal(StateOpen))
		Expect(*created).To(HaveLen(1))

		Eventually(rec.snapshot).Should(ContainElement(statusEntry{StatusConnected, ReasonConnectionOk}))
		Expect(rec.snapshot()).To(HaveLen(1))
	})

	It("S2: transient open failures followed by success", func() {
		factory, created := scriptedFactory([]error{transport.ErrNetworkError, transport.ErrNetworkError, nil})
		state, rec := buildPipeline(factory, &countingPolicy{maxRetries: 5})

		Expect(state.Open(ctx)).To(Succeed())
		Expect(*created).To(HaveLen(3))
		Eventually(rec.snapshot).Should(ContainElement(statusEntry{StatusConnected, ReasonConnectionOk}))
		// the initial open retries silently; only the eventual success is reported.
		Expect(rec.snapshot()).To(Equal([]statusEntry{{StatusConnected, ReasonConnectionOk}}))
	})

	It("S3: fatal open failure surfaces Unauthorized and never retries", func() {
		factory, created := scriptedFactory([]error{transport.ErrUnauthorized})
		state, rec := buildPipeline(factory, &countingPolicy{maxRetries: 5})

		err := state.Open(ctx)
		Expect(err).To(HaveOccurred())
		ue, ok := AsUnifiedError(err)
		Expect(ok).To(BeTrue())
		Expect(ue.Code).To(Equal(ErrUnauthorized))
		Expect(ue.IsTransient).To(BeFalse())
		Expect(*created).To(HaveLen(1))

		Eventually(rec.snapshot).Should(ContainElement(statusEntry{StatusDisconnected, ReasonBadCredential}))
	})

	It("S4: unexpected disconnect followed by a successful reconnect", func() {
		factory, created := scriptedFactory(nil) // every Open succeeds
		state, rec := buildPipeline(factory, &countingPolicy{maxRetries: 3})

		Expect(state.Open(ctx)).To(Succeed())
		Expect(*created).To(HaveLen(1))

		(*created)[0].signalDisconnect()

		Eventually(func() []statusEntry { return rec.snapshot() }, time.Second).Should(ContainElement(
			statusEntry{StatusDisconnectedRetrying, ReasonCommunicationError},
		))
		Eventually(func() ClientTransportState { return state.sm.current() }, time.Second).Should(Equal(StateOpen))
		Eventually(func() []statusEntry { return rec.snapshot() }, time.Second).Should(ContainElement(
			statusEntry{StatusConnected, ReasonConnectionOk},
		))
		Expect(*created).To(HaveLen(2))
	})

	It("S5: close cancels a pending telemetry send", func() {
		factory, created := scriptedFactory(nil)
		state, rec := buildPipeline(factory, &countingPolicy{maxRetries: 0})
		Expect(state.Open(ctx)).To(Succeed())

		block := make(chan struct{})
		(*created)[0].sendFunc = func(ctx context.Context) error {
			close(block)
			<-ctx.Done()
			return ctx.Err()
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- state.SendTelemetry(ctx, &transport.Message{})
		}()

		<-block
		Expect(state.Close(ctx)).To(Succeed())

		var sendErr error
		Eventually(errCh, time.Second).Should(Receive(&sendErr))
		ue, ok := AsUnifiedError(sendErr)
		Expect(ok).To(BeTrue())
		Expect(ue.Code).To(Equal(ErrCancelled))

		Eventually(rec.snapshot).Should(ContainElement(statusEntry{StatusDisabled, ReasonClientClose}))
	})

	It("S6: reconnect retry stops at policy exhaustion", func() {
		factory, created := scriptedFactory([]error{nil, transport.ErrNetworkError, transport.ErrNetworkError})
		state, rec := buildPipeline(factory, &countingPolicy{maxRetries: 1})

		Expect(state.Open(ctx)).To(Succeed())
		(*created)[0].signalDisconnect()

		// the one allowed retry waits out the 1s retryFloor first.
		Eventually(func() []statusEntry { return rec.snapshot() }, 3*time.Second).Should(ContainElement(
			statusEntry{StatusDisconnected, ReasonRetryExpired},
		))
		// initial open + exactly 2 reconnect attempts (maxRetries=1 -> 2 calls)
		Expect(*created).To(HaveLen(3))
	})

	It("S6b: initial open stops at policy exhaustion and reports RetryExpired", func() {
		factory, created := scriptedFactory([]error{transport.ErrNetworkError, transport.ErrNetworkError})
		state, rec := buildPipeline(factory, &countingPolicy{maxRetries: 1})

		err := state.Open(ctx)
		Expect(err).To(HaveOccurred())
		ue, ok := AsUnifiedError(err)
		Expect(ok).To(BeTrue())
		Expect(ue.IsTransient).To(BeTrue())
		Expect(state.sm.current()).To(Equal(StateClosed))
		// exactly 2 inner calls: the initial attempt plus the one retry maxRetries allows.
		Expect(*created).To(HaveLen(2))

		Eventually(rec.snapshot).Should(ContainElement(statusEntry{StatusDisconnected, ReasonRetryExpired}))
	})
})
