package iotdevice

import (
	"errors"
	"testing"
)

func TestUnifiedErrorUnwrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	ue := NewUnifiedError(ErrNetworkErrors, "network down", cause)

	if !errors.Is(ue, cause) {
		t.Fatal("errors.Is should walk through UnifiedError.Unwrap to the cause")
	}
	var got *UnifiedError
	if !errors.As(ue, &got) {
		t.Fatal("errors.As should find the UnifiedError itself")
	}
}

func TestUnifiedErrorTransientDerivedFromTaxonomy(t *testing.T) {
	if !NewUnifiedError(ErrNetworkErrors, "x", nil).IsTransient {
		t.Fatal("NetworkErrors must be transient")
	}
	if NewUnifiedError(ErrUnauthorized, "x", nil).IsTransient {
		t.Fatal("Unauthorized must not be transient")
	}
}

func TestAsUnifiedErrorIgnoresFormattedCopyAndReturnsSameInstance(t *testing.T) {
	ue := NewUnifiedError(ErrTimeout, "too slow", nil)
	formatted := errors.New("outer: " + ue.Error())

	if _, ok := AsUnifiedError(formatted); ok {
		t.Fatal("a freshly formatted string error must not be mistaken for a UnifiedError")
	}
	if got, ok := AsUnifiedError(ue); !ok || got != ue {
		t.Fatal("AsUnifiedError should return the same UnifiedError instance")
	}
}

func TestIsFatalOpenError(t *testing.T) {
	fatal := []ErrorCode{ErrIotHubFormatError, ErrTlsAuthenticationError, ErrUnauthorized}
	for _, code := range fatal {
		if !isFatalOpenError(NewUnifiedError(code, "x", nil)) {
			t.Fatalf("%s should be a fatal open error", code)
		}
	}
	if isFatalOpenError(NewUnifiedError(ErrNetworkErrors, "x", nil)) {
		t.Fatal("NetworkErrors should not be a fatal open error")
	}
}

func TestIsFatalRetryError(t *testing.T) {
	fatal := []ErrorCode{ErrUnauthorized, ErrDeviceNotFound, ErrIotHubFormatError, ErrIotHubQuotaExceeded}
	for _, code := range fatal {
		if !isFatalRetryError(NewUnifiedError(code, "x", nil)) {
			t.Fatalf("%s should be a fatal retry error", code)
		}
	}
	if isFatalRetryError(NewUnifiedError(ErrNetworkErrors, "x", nil)) {
		t.Fatal("NetworkErrors should not be a fatal retry error")
	}
}

func TestErrorCodeString(t *testing.T) {
	if ErrDeviceNotFound.String() != "DeviceNotFound" {
		t.Fatalf("String() = %q", ErrDeviceNotFound.String())
	}
	if ErrorCode(999).String() != "Unknown" {
		t.Fatal("unrecognized code should stringify to Unknown")
	}
}
