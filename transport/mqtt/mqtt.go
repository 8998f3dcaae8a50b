// Package mqtt is a transport.Handler leaf adapter over
// github.com/eclipse/paho.mqtt.golang, grounded on the golang-iothub MQTT
// transport's topic layout and its contextToken helper for making paho's
// blocking Token type context-aware.
package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/dihedron/iotdevice/transport"
)

const (
	qosAtLeastOnce byte = 1

	topicC2D           = "devices/%s/messages/devicebound/#"
	topicD2C           = "devices/%s/messages/events/"
	topicTwinGet       = "$iothub/twin/GET/?$rid=%d"
	topicTwinGetResp   = "$iothub/twin/res/#"
	topicTwinPatch     = "$iothub/twin/PATCH/properties/reported/?$rid=%d"
	topicTwinDesired   = "$iothub/twin/PATCH/properties/desired/#"
	topicMethodSub     = "$iothub/methods/POST/#"
	topicMethodRespFmt = "$iothub/methods/res/%d/?$rid=%s"
	topicInputFmt      = "devices/%s/modules/%s/inputs/%s"
	topicInputSub      = "devices/%s/modules/%s/inputs/#"
)

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithBrokerURL overrides the broker address derived from the
// credentials' hostname (defaults to "tls://<hostname>:8883").
func WithBrokerURL(url string) Option {
	return func(t *Transport) { t.brokerURL = url }
}

// WithIncomingQueueSize overrides the buffer depth of the channel that
// ReceiveMessage drains when no EnableIncomingMessages callback is set.
func WithIncomingQueueSize(n int) Option {
	return func(t *Transport) { t.incomingQueueSize = n }
}

// Transport is a transport.Handler backed by a single paho MQTT client.
// It is constructed fresh per open attempt by Factory, mirroring
// ProtocolRoutingHandler's one-shot-per-candidate contract.
type Transport struct {
	mu     sync.RWMutex
	conn   paho.Client
	did    string
	module string

	brokerURL         string
	incomingQueueSize int

	rid     uint32
	usable  int32
	closed  chan transport.ClosedReason
	once    sync.Once

	incomingFn transport.IncomingMessageFunc
	incoming   chan *transport.Message

	methodFn transport.DirectMethodFunc
	twinFn   transport.TwinPropertyFunc
	inputFn  transport.InputMessageFunc

	twinReplies sync.Map // rid (string) -> chan twinReply
}

type twinReply struct {
	payload []byte
	code    int
}

// New constructs an unopened Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		incomingQueueSize: 64,
		closed:            make(chan transport.ClosedReason, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.incoming = make(chan *transport.Message, t.incomingQueueSize)
	return t
}

// Factory adapts New into a transport.Factory for
// WithTransportCandidates.
func Factory(opts ...Option) transport.Factory {
	return func(creds transport.Credentials) (transport.Handler, error) {
		return New(opts...), nil
	}
}

func (t *Transport) nextRID() uint32 {
	return atomic.AddUint32(&t.rid, 1)
}

func (t *Transport) signalClosed(reason transport.ClosedReason) {
	t.once.Do(func() { t.closed <- reason })
}

// contextToken blocks on tok until it completes or ctx is done, adapting
// paho's blocking Token to context cancellation.
func contextToken(ctx context.Context, tok paho.Token) error {
	done := make(chan struct{})
	go func() {
		tok.Wait()
		close(done)
	}()
	select {
	case <-done:
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps a raw paho/network error onto a transport sentinel so
// the pipeline's ErrorRemappingHandler can use errors.Is instead of
// string matching. Unrecognized errors are returned unchanged and are
// left to the remap handler's own fallback classification.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not authorized"), strings.Contains(msg, "bad user name or password"), strings.Contains(msg, "unauthorized"):
		return transport.Wrap(transport.ErrUnauthorized, err)
	case strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"), strings.Contains(msg, "tls"):
		return transport.Wrap(transport.ErrTLSAuthFailure, err)
	case strings.Contains(msg, "too large") || strings.Contains(msg, "packet too big"):
		return transport.Wrap(transport.ErrMessageTooLarge, err)
	case strings.Contains(msg, "identifier rejected"), strings.Contains(msg, "server unavailable"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "network error"), strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "eof"):
		return transport.Wrap(transport.ErrNetworkError, err)
	default:
		return err
	}
}

func (t *Transport) Open(ctx context.Context, creds transport.Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return errors.New("mqtt transport: already open")
	}

	opts := paho.NewClientOptions()
	opts.SetTLSConfig(creds.TLSConfig())
	opts.SetAutoReconnect(false) // the pipeline's StateHandler owns reconnection
	opts.SetCleanSession(false)
	opts.SetConnectTimeout(0) // bounded by ctx below, not paho's own timer

	broker := t.brokerURL
	if broker == "" {
		broker = "tls://" + creds.Hostname() + ":8883"
	}
	opts.AddBroker(broker)

	clientID := creds.DeviceID()
	username := creds.Hostname() + "/" + creds.DeviceID()
	if mod := creds.ModuleID(); mod != "" {
		clientID = creds.DeviceID() + "/" + mod
		username = creds.Hostname() + "/" + creds.DeviceID() + "/" + mod
	}
	opts.SetClientID(clientID)
	opts.SetUsername(username)

	if creds.IsSAS() {
		token, err := creds.Token(ctx, creds.Hostname(), time.Hour)
		if err != nil {
			return errors.Wrap(err, "mqtt transport: fetching sas token")
		}
		opts.SetPassword(token)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, _ error) {
		atomic.StoreInt32(&t.usable, 0)
		t.signalClosed(transport.ClosedUnexpected)
	})
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		// Any message arriving without a topic-specific handler below is
		// acknowledged and dropped.
		msg.Ack()
	})

	conn := paho.NewClient(opts)
	if err := contextToken(ctx, conn.Connect()); err != nil {
		return classify(err)
	}

	t.did = creds.DeviceID()
	t.module = creds.ModuleID()
	t.conn = conn
	atomic.StoreInt32(&t.usable, 1)
	return nil
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	t.conn.Disconnect(250)
	t.conn = nil
	atomic.StoreInt32(&t.usable, 0)
	t.signalClosed(transport.ClosedGraceful)
	return nil
}

func (t *Transport) client() (paho.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, errors.New("mqtt transport: not open")
	}
	return t.conn, nil
}

func (t *Transport) SendTelemetry(ctx context.Context, msg *transport.Message) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	topic := fmt.Sprintf(topicD2C, t.did) + encodeProperties(msg)
	return classify(contextToken(ctx, conn.Publish(topic, qosAtLeastOnce, false, msg.Payload)))
}

func (t *Transport) SendTelemetryBatch(ctx context.Context, msgs []*transport.Message) error {
	for _, msg := range msgs {
		if err := t.SendTelemetry(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// encodeProperties appends msg's application properties as MQTT topic
// system properties, the way IoT Hub's MQTT endpoint expects them.
func encodeProperties(msg *transport.Message) string {
	if len(msg.Properties) == 0 && msg.MessageID == "" {
		return ""
	}
	var b strings.Builder
	first := true
	write := func(k, v string) {
		if v == "" {
			return
		}
		if first {
			b.WriteByte('?')
			first = false
		} else {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	write("$.mid", msg.MessageID)
	write("$.cid", msg.CorrelationID)
	for k, v := range msg.Properties {
		write(k, v)
	}
	return b.String()
}

func (t *Transport) ReceiveMessage(ctx context.Context) (*transport.Message, error) {
	select {
	case msg := <-t.incoming:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CompleteMessage, AbandonMessage and RejectMessage are no-ops on MQTT:
// IoT Hub's MQTT endpoint auto-completes at QoS 1 delivery and has no
// AMQP-style message disposition.
func (t *Transport) CompleteMessage(ctx context.Context, lockToken string) error { return nil }
func (t *Transport) AbandonMessage(ctx context.Context, lockToken string) error  { return nil }
func (t *Transport) RejectMessage(ctx context.Context, lockToken string) error   { return nil }

func (t *Transport) GetTwin(ctx context.Context) (*transport.TwinDocument, error) {
	conn, err := t.client()
	if err != nil {
		return nil, err
	}
	rid := t.nextRID()
	replyCh := make(chan twinReply, 1)
	key := strconv.FormatUint(uint64(rid), 10)
	t.twinReplies.Store(key, replyCh)
	defer t.twinReplies.Delete(key)

	if err := classify(contextToken(ctx, conn.Subscribe(topicTwinGetResp, qosAtLeastOnce, t.onTwinResponse))); err != nil {
		return nil, err
	}
	topic := fmt.Sprintf(topicTwinGet, rid)
	if err := classify(contextToken(ctx, conn.Publish(topic, qosAtLeastOnce, false, nil))); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.code >= 300 {
			return nil, errors.Errorf("mqtt transport: twin GET returned status %d", reply.code)
		}
		doc := &transport.TwinDocument{}
		if err := unmarshalTwin(reply.payload, doc); err != nil {
			return nil, transport.Wrap(transport.ErrFormatError, err)
		}
		return doc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) UpdateReportedProperties(ctx context.Context, patch map[string]interface{}) (*transport.UpdateResponse, error) {
	conn, err := t.client()
	if err != nil {
		return nil, err
	}
	rid := t.nextRID()
	replyCh := make(chan twinReply, 1)
	key := strconv.FormatUint(uint64(rid), 10)
	t.twinReplies.Store(key, replyCh)
	defer t.twinReplies.Delete(key)

	if err := classify(contextToken(ctx, conn.Subscribe(topicTwinGetResp, qosAtLeastOnce, t.onTwinResponse))); err != nil {
		return nil, err
	}
	body, err := marshalTwinPatch(patch)
	if err != nil {
		return nil, transport.Wrap(transport.ErrFormatError, err)
	}
	topic := fmt.Sprintf(topicTwinPatch, rid)
	if err := classify(contextToken(ctx, conn.Publish(topic, qosAtLeastOnce, false, body))); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.code >= 300 {
			return nil, errors.Errorf("mqtt transport: twin PATCH returned status %d", reply.code)
		}
		return &transport.UpdateResponse{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onTwinResponse is paho's MessageHandler for $iothub/twin/res/#; it
// demultiplexes replies by the $rid query parameter back to the waiting
// GetTwin/UpdateReportedProperties caller.
func (t *Transport) onTwinResponse(_ paho.Client, m paho.Message) {
	topic := m.Topic()
	// topic: $iothub/twin/res/{status}/?$rid={request id}
	parts := strings.SplitN(topic, "/", 5)
	if len(parts) < 4 {
		return
	}
	code, _ := strconv.Atoi(parts[3])
	rid := ridFromTopic(topic)
	if rid == "" {
		return
	}
	if ch, ok := t.twinReplies.Load(rid); ok {
		ch.(chan twinReply) <- twinReply{payload: m.Payload(), code: code}
	}
}

func ridFromTopic(topic string) string {
	idx := strings.Index(topic, "$rid=")
	if idx < 0 {
		return ""
	}
	rid := topic[idx+len("$rid="):]
	if amp := strings.IndexByte(rid, '&'); amp >= 0 {
		rid = rid[:amp]
	}
	return rid
}

func (t *Transport) SendMethodResponse(ctx context.Context, resp *transport.MethodResponse) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	topic := fmt.Sprintf(topicMethodRespFmt, resp.Status, resp.RequestID)
	return classify(contextToken(ctx, conn.Publish(topic, qosAtLeastOnce, false, resp.Payload)))
}

func (t *Transport) RefreshSASToken(ctx context.Context) (time.Time, error) {
	// paho has no way to push a new password onto a live connection, so
	// this always returns an error; a new token is only fetched when the
	// transport is opened again.
	return time.Time{}, errors.New("mqtt transport: token refresh requires reopen")
}

func (t *Transport) EnableIncomingMessages(ctx context.Context, fn transport.IncomingMessageFunc) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.incomingFn = fn
	t.mu.Unlock()

	topic := fmt.Sprintf(topicC2D, t.did)
	handler := func(_ paho.Client, m paho.Message) {
		msg := &transport.Message{Payload: m.Payload()}
		t.mu.RLock()
		cb := t.incomingFn
		t.mu.RUnlock()
		if cb != nil {
			cb(msg)
			return
		}
		select {
		case t.incoming <- msg:
		default:
		}
	}
	return classify(contextToken(ctx, conn.Subscribe(topic, qosAtLeastOnce, handler)))
}

func (t *Transport) DisableIncomingMessages(ctx context.Context) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.incomingFn = nil
	t.mu.Unlock()
	topic := fmt.Sprintf(topicC2D, t.did)
	return classify(contextToken(ctx, conn.Unsubscribe(topic)))
}

func (t *Transport) EnableDirectMethods(ctx context.Context, fn transport.DirectMethodFunc) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.methodFn = fn
	t.mu.Unlock()

	handler := func(_ paho.Client, m paho.Message) {
		// topic: $iothub/methods/POST/{method name}/?$rid={request id}
		parts := strings.SplitN(strings.TrimPrefix(m.Topic(), "$iothub/methods/POST/"), "/", 2)
		if len(parts) == 0 {
			return
		}
		name := parts[0]
		rid := ridFromTopic(m.Topic())
		t.mu.RLock()
		cb := t.methodFn
		t.mu.RUnlock()
		if cb != nil {
			cb(&transport.DirectMethodRequest{RequestID: rid, Name: name, Payload: m.Payload()})
		}
	}
	return classify(contextToken(ctx, conn.Subscribe(topicMethodSub, qosAtLeastOnce, handler)))
}

func (t *Transport) DisableDirectMethods(ctx context.Context) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.methodFn = nil
	t.mu.Unlock()
	return classify(contextToken(ctx, conn.Unsubscribe(topicMethodSub)))
}

func (t *Transport) EnableTwinUpdates(ctx context.Context, fn transport.TwinPropertyFunc) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.twinFn = fn
	t.mu.Unlock()

	handler := func(_ paho.Client, m paho.Message) {
		update := &transport.TwinPropertyUpdate{}
		if err := unmarshalTwinUpdate(m.Payload(), update); err != nil {
			return
		}
		t.mu.RLock()
		cb := t.twinFn
		t.mu.RUnlock()
		if cb != nil {
			cb(update)
		}
	}
	return classify(contextToken(ctx, conn.Subscribe(topicTwinDesired, qosAtLeastOnce, handler)))
}

func (t *Transport) DisableTwinUpdates(ctx context.Context) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.twinFn = nil
	t.mu.Unlock()
	return classify(contextToken(ctx, conn.Unsubscribe(topicTwinDesired)))
}

func (t *Transport) EnableInputEvents(ctx context.Context, name string, fn transport.InputMessageFunc) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	if t.module == "" {
		return errors.New("mqtt transport: input events require a module identity")
	}
	t.mu.Lock()
	t.inputFn = fn
	t.mu.Unlock()

	sub := fmt.Sprintf(topicInputSub, t.did, t.module)
	handler := func(_ paho.Client, m paho.Message) {
		parts := strings.Split(m.Topic(), "/")
		inputName := parts[len(parts)-1]
		t.mu.RLock()
		cb := t.inputFn
		t.mu.RUnlock()
		if cb != nil {
			cb(inputName, &transport.Message{Payload: m.Payload()})
		}
	}
	return classify(contextToken(ctx, conn.Subscribe(sub, qosAtLeastOnce, handler)))
}

func (t *Transport) DisableInputEvents(ctx context.Context) error {
	conn, err := t.client()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.inputFn = nil
	t.mu.Unlock()
	sub := fmt.Sprintf(topicInputSub, t.did, t.module)
	return classify(contextToken(ctx, conn.Unsubscribe(sub)))
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
	if t.conn != nil {
		t.conn.Disconnect(0)
		t.conn = nil
	}
	atomic.StoreInt32(&t.usable, 0)
	t.signalClosed(transport.ClosedGraceful)
}
