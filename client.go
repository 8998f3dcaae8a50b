package iotdevice

import (
	"context"
	"time"

	"github.com/dihedron/iotdevice/transport"
)

// Client is the application-facing assembly of the full pipeline:
// StateHandler -> RetryHandler -> ErrorRemappingHandler ->
// ProtocolRoutingHandler -> transport. It is built by New, mirroring the
// teacher's rabbit.New(opts *Options) (*Rabbit, error) factory shape.
type Client struct {
	cfg    *clientConfig
	status *statusDispatcher
	rh     *retryHandler
	sh     *stateHandler
}

// New assembles a Client for creds using the given options. The pipeline
// is wired bottom-up: routing over the candidates, error remapping over
// routing, retry over remapping, state over retry.
func New(creds transport.Credentials, opts ...ClientOption) (*Client, error) {
	cfg := newClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.candidates) == 0 {
		return nil, NewUnifiedError(ErrInvalidOperation, "at least one transport candidate is required", nil)
	}

	status := &statusDispatcher{}
	routing := newRoutingHandler(cfg.candidates)
	remap := newErrorRemappingHandler(routing)
	retry := newRetryHandler(remap, cfg.retryPolicy, status)
	state := newStateHandler(retry, creds, status)

	return &Client{cfg: cfg, status: status, rh: retry, sh: state}, nil
}

// bound applies the configured operation_timeout to ctx, unless the
// caller already supplied a tighter deadline.
func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, c.cfg.operationTimeout)
}

// Open opens the client, selecting a transport candidate on first call.
func (c *Client) Open(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.Open(ctx)
}

// Close gracefully closes the client. A subsequent Open succeeds.
func (c *Client) Close(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.Close(ctx)
}

// Dispose releases all resources and rejects every future operation.
// Idempotent.
func (c *Client) Dispose() {
	c.sh.Dispose()
}

func (c *Client) SendTelemetry(ctx context.Context, msg *Message) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	if msg.PayloadConvention == "" {
		msg.PayloadConvention = c.cfg.payloadConvention
	}
	return c.sh.SendTelemetry(ctx, msg)
}

func (c *Client) SendTelemetryBatch(ctx context.Context, msgs []*Message) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	for _, msg := range msgs {
		if msg.PayloadConvention == "" {
			msg.PayloadConvention = c.cfg.payloadConvention
		}
	}
	return c.sh.SendTelemetryBatch(ctx, msgs)
}

func (c *Client) ReceiveMessage(ctx context.Context) (*Message, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.ReceiveMessage(ctx)
}

func (c *Client) CompleteMessage(ctx context.Context, lockToken string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.CompleteMessage(ctx, lockToken)
}

func (c *Client) AbandonMessage(ctx context.Context, lockToken string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.AbandonMessage(ctx, lockToken)
}

func (c *Client) RejectMessage(ctx context.Context, lockToken string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.RejectMessage(ctx, lockToken)
}

func (c *Client) GetTwin(ctx context.Context) (*TwinDocument, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.GetTwin(ctx)
}

func (c *Client) UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*UpdateResponse, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.UpdateReportedProperties(ctx, patch)
}

func (c *Client) SendMethodResponse(ctx context.Context, resp *MethodResponse) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.SendMethodResponse(ctx, resp)
}

func (c *Client) RefreshSASToken(ctx context.Context) (time.Time, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.RefreshSASToken(ctx)
}

// SetRetryPolicy replaces the current RetryPolicy. Safe to call at any
// time; affects subsequent operations only.
func (c *Client) SetRetryPolicy(policy RetryPolicy) {
	c.rh.setRetryPolicy(policy)
}

// SetConnectionStatusCallback registers fn to be invoked on every
// ConnectionStatus transition. fn must not block.
func (c *Client) SetConnectionStatusCallback(fn ConnectionStatusCallback) {
	c.status.callback = fn
}

// SetIncomingMessageCallback registers fn for cloud-to-device messages
// and enables the corresponding subscription.
func (c *Client) SetIncomingMessageCallback(ctx context.Context, fn IncomingMessageFunc) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.setIncomingMessageCallback(ctx, fn)
}

// SetDirectMethodCallback registers fn for server-invoked direct methods
// and enables the corresponding subscription.
func (c *Client) SetDirectMethodCallback(ctx context.Context, fn DirectMethodFunc) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.setDirectMethodCallback(ctx, fn)
}

// SetDesiredPropertyUpdateCallback registers fn for twin desired-property
// patches and enables the corresponding subscription.
func (c *Client) SetDesiredPropertyUpdateCallback(ctx context.Context, fn TwinPropertyFunc) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.setTwinUpdateCallback(ctx, fn)
}

// SetInputMessageCallback registers fn for module input events on the
// named input and enables the corresponding subscription.
func (c *Client) SetInputMessageCallback(ctx context.Context, name string, fn InputMessageFunc) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.sh.setInputMessageCallback(ctx, name, fn)
}
