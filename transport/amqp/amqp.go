// Package amqp is a transport.Handler leaf adapter over
// github.com/rabbitmq/amqp091-go, grounded directly on the dial,
// reconnect-notification and channel setup sequence of the rabbit
// library this module started from, generalized from a pub/sub client
// into a device-to-hub transport candidate.
package amqp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/pkg/errors"

	"github.com/dihedron/iotdevice/transport"
)

// DefaultConnectionTimeout mirrors the rabbit library's
// DefaultConnectionTimeout: how long Dial waits before giving up.
const DefaultConnectionTimeout = 30 * time.Second

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithBrokerURLs overrides the broker addresses derived from the
// credentials' hostname (defaults to a single "amqps://<hostname>:5671").
// Each is tried in order until one dials successfully, mirroring the
// rabbit library's Options.URLs loop.
func WithBrokerURLs(urls ...string) Option {
	return func(t *Transport) { t.brokerURLs = urls }
}

// WithTelemetryExchange overrides the topic exchange telemetry is
// published to (default "device.telemetry").
func WithTelemetryExchange(name string) Option {
	return func(t *Transport) { t.exchange = name }
}

// WithConnectionTimeout overrides DefaultConnectionTimeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(t *Transport) { t.connTimeout = d }
}

type pendingMethod struct {
	replyTo       string
	correlationID string
}

// Transport is a transport.Handler backed by a single amqp091-go
// connection and channel. A fresh instance is constructed per open
// attempt by Factory.
type Transport struct {
	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel
	did  string

	brokerURLs  []string
	exchange    string
	connTimeout time.Duration

	notifyClose chan *amqp.Error
	closed      chan transport.ClosedReason
	once        sync.Once
	usable      int32

	commandsQueue string
	methodsQueue  string
	twinDesiredQ  string

	incomingFn transport.IncomingMessageFunc
	incoming   chan *transport.Message
	deliveries sync.Map // lockToken (string) -> amqp.Delivery

	methodFn      transport.DirectMethodFunc
	pendingMethod sync.Map // requestID -> pendingMethod

	twinFn transport.TwinPropertyFunc
}

// New constructs an unopened Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		exchange:    "device.telemetry",
		connTimeout: DefaultConnectionTimeout,
		closed:      make(chan transport.ClosedReason, 1),
		incoming:    make(chan *transport.Message, 64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Factory adapts New into a transport.Factory for
// WithTransportCandidates.
func Factory(opts ...Option) transport.Factory {
	return func(creds transport.Credentials) (transport.Handler, error) {
		return New(opts...), nil
	}
}

func (t *Transport) signalClosed(reason transport.ClosedReason) {
	t.once.Do(func() { t.closed <- reason })
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return transport.Wrap(transport.ErrUnauthorized, err)
		case amqp.NotFound:
			return transport.Wrap(transport.ErrDeviceNotFound, err)
		case amqp.ContentTooLarge:
			return transport.Wrap(transport.ErrMessageTooLarge, err)
		case amqp.ConnectionForced, amqp.FrameError:
			return transport.Wrap(transport.ErrNetworkError, err)
		case amqp.ResourceError:
			return transport.Wrap(transport.ErrThrottled, err)
		}
		return transport.Wrap(transport.ErrFormatError, err)
	}
	return transport.Wrap(transport.ErrNetworkError, err)
}

func (t *Transport) Open(ctx context.Context, creds transport.Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return errors.New("amqp transport: already open")
	}

	urls := t.brokerURLs
	if len(urls) == 0 {
		urls = []string{fmt.Sprintf("amqps://%s:5671", creds.Hostname())}
	}

	var password string
	if creds.IsSAS() {
		token, err := creds.Token(ctx, creds.Hostname(), time.Hour)
		if err != nil {
			return errors.Wrap(err, "amqp transport: fetching sas token")
		}
		password = token
	}
	identity := creds.DeviceID()
	if mod := creds.ModuleID(); mod != "" {
		identity = creds.DeviceID() + "/" + mod
	}

	var conn *amqp.Connection
	var dialErr error
	for _, url := range urls {
		cfg := amqp.Config{
			TLSClientConfig: creds.TLSConfig(),
			SASL:            []amqp.Authentication{&amqp.PlainAuth{Username: identity, Password: password}},
			Dial: func(network, addr string) (net.Conn, error) {
				c, err := net.DialTimeout(network, addr, t.connTimeout)
				if err != nil {
					return nil, err
				}
				if err := c.SetDeadline(time.Now().Add(t.connTimeout)); err != nil {
					return nil, err
				}
				return c, nil
			},
		}
		conn, dialErr = amqp.DialConfig(url, cfg)
		if dialErr == nil {
			break
		}
	}
	if dialErr != nil {
		return classify(dialErr)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return classify(err)
	}

	did := creds.DeviceID()
	if err := ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return classify(err)
	}
	commandsQueue := fmt.Sprintf("device.%s.commands", did)
	if _, err := ch.QueueDeclare(commandsQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return classify(err)
	}
	methodsQueue := fmt.Sprintf("device.%s.methods", did)
	if _, err := ch.QueueDeclare(methodsQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return classify(err)
	}
	twinDesiredQ := fmt.Sprintf("device.%s.twin.desired", did)
	if _, err := ch.QueueDeclare(twinDesiredQ, true, false, false, false, nil); err != nil {
		conn.Close()
		return classify(err)
	}

	t.conn = conn
	t.ch = ch
	t.did = did
	t.commandsQueue = commandsQueue
	t.methodsQueue = methodsQueue
	t.twinDesiredQ = twinDesiredQ
	t.notifyClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(t.notifyClose)
	atomic.StoreInt32(&t.usable, 1)

	go t.watch()
	return nil
}

// watch mirrors rabbit.runWatcher's NotifyCloseChan arm: once the
// connection reports close, this Transport is exhausted and the
// pipeline's StateHandler must replace it.
func (t *Transport) watch() {
	<-t.notifyClose
	atomic.StoreInt32(&t.usable, 0)
	t.signalClosed(transport.ClosedUnexpected)
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	atomic.StoreInt32(&t.usable, 0)
	// signal before closing: conn.Close closes notifyClose, and watch
	// would otherwise report ClosedUnexpected first.
	t.signalClosed(transport.ClosedGraceful)
	if t.ch != nil {
		t.ch.Close()
	}
	err := t.conn.Close()
	t.conn = nil
	t.ch = nil
	if err != nil {
		return errors.Wrap(err, "amqp transport: closing connection")
	}
	return nil
}

func (t *Transport) channel() (*amqp.Channel, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ch == nil {
		return nil, errors.New("amqp transport: not open")
	}
	return t.ch, nil
}

func (t *Transport) SendTelemetry(ctx context.Context, msg *transport.Message) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	for k, v := range msg.Properties {
		headers[k] = v
	}
	pub := amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		Body:          msg.Payload,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Headers:       headers,
	}
	routingKey := fmt.Sprintf("device.%s.telemetry", t.did)
	if err := ch.PublishWithContext(ctx, t.exchange, routingKey, false, false, pub); err != nil {
		return classify(err)
	}
	return nil
}

func (t *Transport) SendTelemetryBatch(ctx context.Context, msgs []*transport.Message) error {
	for _, msg := range msgs {
		if err := t.SendTelemetry(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) ReceiveMessage(ctx context.Context) (*transport.Message, error) {
	ch, err := t.channel()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	cb := t.incomingFn
	t.mu.Unlock()
	if cb != nil {
		return nil, errors.New("amqp transport: ReceiveMessage unavailable while an incoming-message callback is registered")
	}

	deliveries, err := ch.Consume(t.commandsQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, classify(err)
	}
	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, errors.New("amqp transport: commands queue consumer closed")
		}
		lockToken := fmt.Sprintf("%d", d.DeliveryTag)
		t.deliveries.Store(lockToken, d)
		return deliveryToMessage(d, lockToken), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func deliveryToMessage(d amqp.Delivery, lockToken string) *transport.Message {
	props := map[string]string{}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			props[k] = s
		}
	}
	return &transport.Message{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Payload:       d.Body,
		Properties:    props,
		LockToken:     lockToken,
	}
}

func (t *Transport) takeDelivery(lockToken string) (amqp.Delivery, bool) {
	v, ok := t.deliveries.LoadAndDelete(lockToken)
	if !ok {
		return amqp.Delivery{}, false
	}
	return v.(amqp.Delivery), true
}

func (t *Transport) CompleteMessage(ctx context.Context, lockToken string) error {
	d, ok := t.takeDelivery(lockToken)
	if !ok {
		return errors.New("amqp transport: unknown lock token")
	}
	return classify(d.Ack(false))
}

func (t *Transport) AbandonMessage(ctx context.Context, lockToken string) error {
	d, ok := t.takeDelivery(lockToken)
	if !ok {
		return errors.New("amqp transport: unknown lock token")
	}
	return classify(d.Nack(false, true))
}

func (t *Transport) RejectMessage(ctx context.Context, lockToken string) error {
	d, ok := t.takeDelivery(lockToken)
	if !ok {
		return errors.New("amqp transport: unknown lock token")
	}
	return classify(d.Reject(false))
}

func (t *Transport) GetTwin(ctx context.Context) (*transport.TwinDocument, error) {
	ch, err := t.channel()
	if err != nil {
		return nil, err
	}
	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, classify(err)
	}
	replies, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, classify(err)
	}

	corrID := replyQueue.Name
	twinQueue := fmt.Sprintf("device.%s.twin", t.did)
	if err := ch.PublishWithContext(ctx, "", twinQueue, false, false, amqp.Publishing{
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          []byte("GET"),
	}); err != nil {
		return nil, classify(err)
	}

	select {
	case d := <-replies:
		doc := &transport.TwinDocument{}
		if err := unmarshalTwin(d.Body, doc); err != nil {
			return nil, transport.Wrap(transport.ErrFormatError, err)
		}
		return doc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*transport.UpdateResponse, error) {
	ch, err := t.channel()
	if err != nil {
		return nil, err
	}
	body, err := marshalTwinPatch(patch)
	if err != nil {
		return nil, transport.Wrap(transport.ErrFormatError, err)
	}
	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, classify(err)
	}
	replies, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, classify(err)
	}

	twinQueue := fmt.Sprintf("device.%s.twin", t.did)
	if err := ch.PublishWithContext(ctx, "", twinQueue, false, false, amqp.Publishing{
		ReplyTo: replyQueue.Name,
		Body:    body,
	}); err != nil {
		return nil, classify(err)
	}

	select {
	case d := <-replies:
		resp := &transport.UpdateResponse{}
		if err := unmarshalUpdateResponse(d.Body, resp); err != nil {
			return nil, transport.Wrap(transport.ErrFormatError, err)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) SendMethodResponse(ctx context.Context, resp *transport.MethodResponse) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	v, ok := t.pendingMethod.LoadAndDelete(resp.RequestID)
	if !ok {
		return errors.New("amqp transport: unknown method request id")
	}
	pm := v.(pendingMethod)
	pub := amqp.Publishing{
		CorrelationId: pm.correlationID,
		Headers:       amqp.Table{"status": resp.Status},
		Body:          resp.Payload,
	}
	return classify(ch.PublishWithContext(ctx, "", pm.replyTo, false, false, pub))
}

func (t *Transport) RefreshSASToken(ctx context.Context) (time.Time, error) {
	return time.Time{}, errors.New("amqp transport: token refresh requires reopen")
}

func (t *Transport) EnableIncomingMessages(ctx context.Context, fn transport.IncomingMessageFunc) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.incomingFn = fn
	t.mu.Unlock()

	deliveries, err := ch.Consume(t.commandsQueue, "", false, false, false, false, nil)
	if err != nil {
		return classify(err)
	}
	go func() {
		for d := range deliveries {
			t.mu.RLock()
			cb := t.incomingFn
			t.mu.RUnlock()
			if cb == nil {
				d.Nack(false, true)
				continue
			}
			lockToken := fmt.Sprintf("%d", d.DeliveryTag)
			t.deliveries.Store(lockToken, d)
			cb(deliveryToMessage(d, lockToken))
		}
	}()
	return nil
}

func (t *Transport) DisableIncomingMessages(ctx context.Context) error {
	t.mu.Lock()
	t.incomingFn = nil
	t.mu.Unlock()
	return nil
}

func (t *Transport) EnableDirectMethods(ctx context.Context, fn transport.DirectMethodFunc) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.methodFn = fn
	t.mu.Unlock()

	deliveries, err := ch.Consume(t.methodsQueue, "", true, false, false, false, nil)
	if err != nil {
		return classify(err)
	}
	go func() {
		for d := range deliveries {
			t.mu.RLock()
			cb := t.methodFn
			t.mu.RUnlock()
			if cb == nil {
				continue
			}
			requestID := d.CorrelationId
			t.pendingMethod.Store(requestID, pendingMethod{replyTo: d.ReplyTo, correlationID: d.CorrelationId})
			cb(&transport.DirectMethodRequest{RequestID: requestID, Name: d.RoutingKey, Payload: d.Body})
		}
	}()
	return nil
}

func (t *Transport) DisableDirectMethods(ctx context.Context) error {
	t.mu.Lock()
	t.methodFn = nil
	t.mu.Unlock()
	return nil
}

func (t *Transport) EnableTwinUpdates(ctx context.Context, fn transport.TwinPropertyFunc) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.twinFn = fn
	t.mu.Unlock()

	deliveries, err := ch.Consume(t.twinDesiredQ, "", true, false, false, false, nil)
	if err != nil {
		return classify(err)
	}
	go func() {
		for d := range deliveries {
			update := &transport.TwinPropertyUpdate{}
			if err := unmarshalTwinUpdate(d.Body, update); err != nil {
				continue
			}
			t.mu.RLock()
			cb := t.twinFn
			t.mu.RUnlock()
			if cb != nil {
				cb(update)
			}
		}
	}()
	return nil
}

func (t *Transport) DisableTwinUpdates(ctx context.Context) error {
	t.mu.Lock()
	t.twinFn = nil
	t.mu.Unlock()
	return nil
}

// EnableInputEvents is an Edge/MQTT module-routing concept with no
// counterpart in this plain exchange/queue topology.
func (t *Transport) EnableInputEvents(ctx context.Context, name string, fn transport.InputMessageFunc) error {
	return errors.New("amqp transport: input events are not supported over amqp")
}

func (t *Transport) DisableInputEvents(ctx context.Context) error {
	return errors.New("amqp transport: input events are not supported over amqp")
}

func (t *Transport) WaitForTransportClosed(ctx context.Context) (transport.ClosedReason, error) {
	select {
	case reason := <-t.closed:
		return reason, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *Transport) IsUsable() bool {
	return atomic.LoadInt32(&t.usable) == 1
}

func (t *Transport) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	atomic.StoreInt32(&t.usable, 0)
	t.signalClosed(transport.ClosedGraceful)
	if t.ch != nil {
		t.ch.Close()
		t.ch = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
