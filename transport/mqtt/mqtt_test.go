package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/dihedron/iotdevice/transport"
)

func TestEncodePropertiesEmpty(t *testing.T) {
	if got := encodeProperties(&transport.Message{}); got != "" {
		t.Fatalf("encodeProperties(empty) = %q, want empty", got)
	}
}

func TestEncodePropertiesMessageIDAndCorrelationID(t *testing.T) {
	msg := &transport.Message{MessageID: "m1", CorrelationID: "c1"}
	got := encodeProperties(msg)
	if got != "?$.mid=m1&$.cid=c1" {
		t.Fatalf("encodeProperties = %q", got)
	}
}

func TestEncodePropertiesApplicationProperty(t *testing.T) {
	msg := &transport.Message{Properties: map[string]string{"batch": "7"}}
	got := encodeProperties(msg)
	if got != "?batch=7" {
		t.Fatalf("encodeProperties = %q", got)
	}
}

func TestRidFromTopic(t *testing.T) {
	cases := map[string]string{
		"$iothub/twin/res/204/?$rid=3":        "3",
		"$iothub/twin/res/200/?$rid=5&extra=1": "5",
		"$iothub/twin/res/200/":                "",
	}
	for topic, want := range cases {
		if got := ridFromTopic(topic); got != want {
			t.Fatalf("ridFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestClassifyMapsKnownPahoErrors(t *testing.T) {
	cases := []struct {
		raw  error
		want error
	}{
		{errors.New("Not Authorized"), transport.ErrUnauthorized},
		{errors.New("x509: certificate signed by unknown authority"), transport.ErrTLSAuthFailure},
		{errors.New("packet too big"), transport.ErrMessageTooLarge},
		{errors.New("connection refused"), transport.ErrNetworkError},
	}
	for _, tc := range cases {
		got := classify(tc.raw)
		if !errors.Is(got, tc.want) {
			t.Fatalf("classify(%v) = %v, want wrapping %v", tc.raw, got, tc.want)
		}
	}
}

func TestClassifyUnknownErrorPassesThrough(t *testing.T) {
	raw := errors.New("some unrelated paho failure")
	if got := classify(raw); got != raw {
		t.Fatalf("classify should pass through unrecognized errors unchanged, got %v", got)
	}
}

func TestMarshalTwinPatchProducesValidJSON(t *testing.T) {
	body, err := marshalTwinPatch(map[string]interface{}{"fanSpeed": 42})
	if err != nil {
		t.Fatalf("marshalTwinPatch failed: %v", err)
	}
	if string(body) != `{"fanSpeed":42}` {
		t.Fatalf("marshalTwinPatch = %s", body)
	}
}

func TestUnmarshalTwinSplitsDesiredAndReported(t *testing.T) {
	doc := &transport.TwinDocument{}
	if err := unmarshalTwin([]byte(`{"desired":{"fanSpeed":42},"reported":{}}`), doc); err != nil {
		t.Fatalf("unmarshalTwin failed: %v", err)
	}
	if doc.DesiredProperties["fanSpeed"] != float64(42) {
		t.Fatalf("DesiredProperties = %v", doc.DesiredProperties)
	}
}

func TestUnmarshalTwinUpdateExtractsVersion(t *testing.T) {
	update := &transport.TwinPropertyUpdate{}
	payload := []byte(`{"fanSpeed":42,"$version":3}`)
	if err := unmarshalTwinUpdate(payload, update); err != nil {
		t.Fatalf("unmarshalTwinUpdate failed: %v", err)
	}
	if update.Version != 3 {
		t.Fatalf("Version = %d, want 3", update.Version)
	}
	if _, ok := update.Properties["$version"]; ok {
		t.Fatal("$version should be stripped from Properties")
	}
	if update.Properties["fanSpeed"] != float64(42) {
		t.Fatalf("Properties[fanSpeed] = %v", update.Properties["fanSpeed"])
	}
}

func TestTransportNotOpenErrors(t *testing.T) {
	tr := New()
	if tr.IsUsable() {
		t.Fatal("a freshly constructed transport should not be usable")
	}
	if _, err := tr.client(); err == nil {
		t.Fatal("client() on an unopened transport should fail")
	}
	if err := tr.SendTelemetry(context.Background(), &transport.Message{}); err == nil {
		t.Fatal("SendTelemetry before Open should fail")
	}
}

func TestTransportDisposeSignalsClosed(t *testing.T) {
	tr := New()
	tr.Dispose()

	reason, err := tr.WaitForTransportClosed(context.Background())
	if err != nil {
		t.Fatalf("WaitForTransportClosed after Dispose should return immediately, got err %v", err)
	}
	if reason != transport.ClosedGraceful {
		t.Fatalf("reason = %v, want ClosedGraceful", reason)
	}
}

func TestFactoryProducesDistinctTransports(t *testing.T) {
	factory := Factory()
	a, err := factory(nil)
	if err != nil {
		t.Fatalf("factory() failed: %v", err)
	}
	b, err := factory(nil)
	if err != nil {
		t.Fatalf("factory() failed: %v", err)
	}
	if a == b {
		t.Fatal("Factory should mint a fresh Transport per call")
	}
}
