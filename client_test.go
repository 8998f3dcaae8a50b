package iotdevice

import (
	"context"
	"testing"
	"time"
)

func TestNewRejectsZeroCandidates(t *testing.T) {
	_, err := New(fakeCredentials{})
	if err == nil {
		t.Fatal("New with no transport candidates should fail")
	}
	if AsUnifiedErrorCode(err) != ErrInvalidOperation {
		t.Fatalf("code = %v, want ErrInvalidOperation", AsUnifiedErrorCode(err))
	}
}

func TestClientOpenSendClose(t *testing.T) {
	factory, created := scriptedFactory(nil)
	client, err := New(fakeCredentials{},
		WithTransportCandidates(factory),
		WithOperationTimeout(5*time.Second),
		WithPayloadConvention("dtdl-v2"),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var statuses []ConnectionStatus
	client.SetConnectionStatusCallback(func(status ConnectionStatus, reason ConnectionStatusChangeReason) {
		statuses = append(statuses, status)
	})

	ctx := context.Background()
	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(*created) != 1 {
		t.Fatalf("expected exactly one transport instance, got %d", len(*created))
	}

	msg := &Message{}
	if err := client.SendTelemetry(ctx, msg); err != nil {
		t.Fatalf("SendTelemetry failed: %v", err)
	}
	if msg.PayloadConvention != "dtdl-v2" {
		t.Fatalf("PayloadConvention = %q, want dtdl-v2", msg.PayloadConvention)
	}

	if err := client.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// a client closed gracefully must still accept a fresh Open.
	if err := client.Open(ctx); err != nil {
		t.Fatalf("reopen after Close failed: %v", err)
	}
	client.Dispose()

	if err := client.Open(ctx); AsUnifiedErrorCode(err) != ErrDisposed {
		t.Fatalf("Open after Dispose code = %v, want ErrDisposed", AsUnifiedErrorCode(err))
	}
}

func TestClientSetIncomingMessageCallbackEnablesSubscription(t *testing.T) {
	factory, created := scriptedFactory(nil)
	client, err := New(fakeCredentials{}, WithTransportCandidates(factory))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := client.SetIncomingMessageCallback(ctx, func(msg *Message) {}); err != nil {
		t.Fatalf("SetIncomingMessageCallback failed: %v", err)
	}

	ft := (*created)[0]
	if !ft.enabledIncoming {
		t.Fatal("expected the live transport to have incoming messages enabled immediately")
	}
}
