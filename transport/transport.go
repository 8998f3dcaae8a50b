// Package transport declares the leaf contract the pipeline in package
// iotdevice depends on: a stateless, replaceable adapter to a concrete
// protocol library (MQTT or AMQP). Concrete adapters live in the mqtt and
// amqp subpackages; this package only holds the interface and the data
// shapes that cross it.
package transport

import (
	"context"
	"crypto/tls"
	"time"
)

// ClosedReason tags the one-shot future a Handler completes when its
// underlying connection terminates.
type ClosedReason int

const (
	// ClosedUnexpected means the connection dropped without a matching
	// Close call; the owner should reconnect.
	ClosedUnexpected ClosedReason = iota
	// ClosedGraceful means Close was called and the transport shut down
	// cleanly.
	ClosedGraceful
)

func (r ClosedReason) String() string {
	if r == ClosedGraceful {
		return "graceful"
	}
	return "unexpected"
}

// Credentials abstracts SAS or X.509 identity, grounded on the
// golang-iothub transport.Credentials shape this package's adapters are
// modeled on. Issuance itself is out of scope (spec.md §1); this package
// only consumes a resolved Credentials value.
type Credentials interface {
	Hostname() string
	DeviceID() string
	ModuleID() string
	IsSAS() bool
	Token(ctx context.Context, audience string, ttl time.Duration) (string, error)
	TLSConfig() *tls.Config
}

// Message is an opaque application payload carried to or from the hub.
type Message struct {
	MessageID         string
	CorrelationID     string
	UserID            string
	To                string
	ExpiryTime        *time.Time
	Properties        map[string]string
	Payload           []byte
	PayloadConvention string
	LockToken         string
}

// TwinDocument is the opaque twin document returned by GetTwin.
type TwinDocument struct {
	DesiredProperties  map[string]interface{}
	ReportedProperties map[string]interface{}
	Version            int
}

// UpdateResponse is returned by UpdateReportedProperties.
type UpdateResponse struct {
	Version int
}

// MethodResponse is the application's answer to a server-invoked direct
// method.
type MethodResponse struct {
	RequestID string
	Status    int
	Payload   []byte
}

// DirectMethodRequest is delivered to the registered direct-method
// callback.
type DirectMethodRequest struct {
	RequestID string
	Name      string
	Payload   []byte
}

// TwinPropertyUpdate is delivered to the registered desired-property
// callback.
type TwinPropertyUpdate struct {
	Properties map[string]interface{}
	Version    int
}

// IncomingMessageFunc receives cloud-to-device messages.
type IncomingMessageFunc func(msg *Message)

// DirectMethodFunc receives a server-invoked direct method call. The
// application answers asynchronously via Handler.SendMethodResponse,
// correlated by DirectMethodRequest.RequestID.
type DirectMethodFunc func(req *DirectMethodRequest)

// TwinPropertyFunc receives desired-property patches.
type TwinPropertyFunc func(update *TwinPropertyUpdate)

// InputMessageFunc receives module input events for a named input.
type InputMessageFunc func(inputName string, msg *Message)

// Handler is the contract every pipeline stage implements and consumes:
// each stage performs its own concern and forwards to an inner Handler.
// The leaf implementation is a concrete protocol adapter (mqtt, amqp).
type Handler interface {
	Open(ctx context.Context, creds Credentials) error
	Close(ctx context.Context) error

	SendTelemetry(ctx context.Context, msg *Message) error
	SendTelemetryBatch(ctx context.Context, msgs []*Message) error
	ReceiveMessage(ctx context.Context) (*Message, error)
	CompleteMessage(ctx context.Context, lockToken string) error
	AbandonMessage(ctx context.Context, lockToken string) error
	RejectMessage(ctx context.Context, lockToken string) error

	GetTwin(ctx context.Context) (*TwinDocument, error)
	UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*UpdateResponse, error)
	SendMethodResponse(ctx context.Context, resp *MethodResponse) error
	RefreshSASToken(ctx context.Context) (time.Time, error)

	EnableIncomingMessages(ctx context.Context, fn IncomingMessageFunc) error
	DisableIncomingMessages(ctx context.Context) error
	EnableDirectMethods(ctx context.Context, fn DirectMethodFunc) error
	DisableDirectMethods(ctx context.Context) error
	EnableTwinUpdates(ctx context.Context, fn TwinPropertyFunc) error
	DisableTwinUpdates(ctx context.Context) error
	EnableInputEvents(ctx context.Context, name string, fn InputMessageFunc) error
	DisableInputEvents(ctx context.Context) error

	// WaitForTransportClosed blocks until the underlying connection
	// terminates, returning why. It is one-shot: once it returns, the
	// Handler must be disposed and replaced.
	WaitForTransportClosed(ctx context.Context) (ClosedReason, error)

	// IsUsable reports whether the Handler may still be used for
	// operations. Once false, it must be disposed and replaced.
	IsUsable() bool

	Dispose()
}

// Factory constructs a fresh Handler bound to creds. ProtocolRoutingHandler
// calls it once per candidate at open time (spec.md §4.5); a successful
// candidate is pinned for the client's lifetime.
type Factory func(creds Credentials) (Handler, error)
