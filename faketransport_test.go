package iotdevice

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/dihedron/iotdevice/transport"
)

// fakeTransport is a test double implementing transport.Handler, used to
// drive the pipeline scenarios without a real MQTT/AMQP broker.
type fakeTransport struct {
	mu sync.Mutex

	openFunc func(ctx context.Context, creds transport.Credentials) error
	openErr  error
	openErrs []error // if set, consumed in order across successive Open calls
	openCalls int

	closed  chan transport.ClosedReason
	usable  bool
	disposed bool

	sendErr   error
	sendCalls int
	sendFunc  func(ctx context.Context) error

	enabledIncoming bool
	enabledMethods  bool
	enabledTwin     bool
	enabledInputs   map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		closed:        make(chan transport.ClosedReason, 1),
		usable:        true,
		enabledInputs: map[string]bool{},
	}
}

func (f *fakeTransport) Open(ctx context.Context, creds transport.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err == nil {
			f.usable = true
		}
		return err
	}
	if f.openFunc != nil {
		return f.openFunc(ctx, creds)
	}
	f.usable = true
	return f.openErr
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	f.usable = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendTelemetry(ctx context.Context, msg *transport.Message) error {
	f.mu.Lock()
	f.sendCalls++
	fn := f.sendFunc
	err := f.sendErr
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return err
}

func (f *fakeTransport) SendTelemetryBatch(ctx context.Context, msgs []*transport.Message) error {
	for _, m := range msgs {
		if err := f.SendTelemetry(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) ReceiveMessage(ctx context.Context) (*transport.Message, error) {
	return nil, newNotOpenError("receive_message")
}
func (f *fakeTransport) CompleteMessage(ctx context.Context, lockToken string) error { return nil }
func (f *fakeTransport) AbandonMessage(ctx context.Context, lockToken string) error  { return nil }
func (f *fakeTransport) RejectMessage(ctx context.Context, lockToken string) error   { return nil }

func (f *fakeTransport) GetTwin(ctx context.Context) (*transport.TwinDocument, error) {
	return &transport.TwinDocument{}, nil
}
func (f *fakeTransport) UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*transport.UpdateResponse, error) {
	return &transport.UpdateResponse{}, nil
}
func (f *fakeTransport) SendMethodResponse(ctx context.Context, resp *transport.MethodResponse) error {
	return nil
}
func (f *fakeTransport) RefreshSASToken(ctx context.Context) (time.Time, error) {
	return time.Now().Add(time.Hour), nil
}

func (f *fakeTransport) EnableIncomingMessages(ctx context.Context, fn transport.IncomingMessageFunc) error {
	f.mu.Lock()
	f.enabledIncoming = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) DisableIncomingMessages(ctx context.Context) error {
	f.mu.Lock()
	f.enabledIncoming = false
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) EnableDirectMethods(ctx context.Context, fn transport.DirectMethodFunc) error {
	f.mu.Lock()
	f.enabledMethods = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) DisableDirectMethods(ctx context.Context) error {
	f.mu.Lock()
	f.enabledMethods = false
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) EnableTwinUpdates(ctx context.Context, fn transport.TwinPropertyFunc) error {
	f.mu.Lock()
	f.enabledTwin = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) DisableTwinUpdates(ctx context.Context) error {
	f.mu.Lock()
	f.enabledTwin = false
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) EnableInputEvents(ctx context.Context, name string, fn transport.InputMessageFunc) error {
	f.mu.Lock()
	f.enabledInputs[name] = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTransport) DisableInputEvents(ctx context.Context) error {
	f.mu.Lock()
	f.enabledInputs = map[string]bool{}
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) WaitForTransportClosed(ctx context.Context) (transport.ClosedReason, error) {
	select {
	case reason := <-f.closed:
		return reason, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeTransport) IsUsable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usable
}

func (f *fakeTransport) Dispose() {
	f.mu.Lock()
	f.disposed = true
	f.usable = false
	f.mu.Unlock()
}

// signalDisconnect simulates the underlying connection dropping
// unexpectedly, the way mqtt.Transport's ConnectionLostHandler or
// amqp.Transport.watch does.
func (f *fakeTransport) signalDisconnect() {
	f.mu.Lock()
	f.usable = false
	f.mu.Unlock()
	f.closed <- transport.ClosedUnexpected
}

type fakeCredentials struct{}

func (fakeCredentials) Hostname() string { return "fake-hub.example.net" }
func (fakeCredentials) DeviceID() string { return "fake-device" }
func (fakeCredentials) ModuleID() string { return "" }
func (fakeCredentials) IsSAS() bool      { return true }
func (fakeCredentials) Token(ctx context.Context, audience string, ttl time.Duration) (string, error) {
	return "fake-token", nil
}
func (fakeCredentials) TLSConfig() *tls.Config { return nil }
