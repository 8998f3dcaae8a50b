package iotdevice

import (
	"reflect"
	"testing"
)

func TestSubscriptionTrackerAddIsMonotonic(t *testing.T) {
	tr := &subscriptionTracker{}

	if !tr.add(SubscriptionDirectMethods) {
		t.Fatal("first add should report newly enabled")
	}
	if tr.add(SubscriptionDirectMethods) {
		t.Fatal("second add of the same flag should report already enabled")
	}
	if !tr.has(SubscriptionDirectMethods) {
		t.Fatal("has should report the flag is set")
	}
	if tr.has(SubscriptionIncomingMessages) {
		t.Fatal("has should not report an unset flag")
	}
}

func TestSubscriptionTrackerListIsDeterministic(t *testing.T) {
	tr := &subscriptionTracker{}
	// Add out of declared order; list() must still come back ordered.
	tr.add(SubscriptionInputEvents)
	tr.add(SubscriptionIncomingMessages)
	tr.add(SubscriptionDesiredProperties)

	got := tr.list()
	want := []SubscriptionSet{
		SubscriptionIncomingMessages,
		SubscriptionDesiredProperties,
		SubscriptionInputEvents,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("list() = %v, want %v", got, want)
	}
}

func TestSubscriptionSetString(t *testing.T) {
	if SubscriptionDirectMethods.String() != "direct-methods" {
		t.Fatalf("String() = %q", SubscriptionDirectMethods.String())
	}
	if SubscriptionSet(0).String() != "unknown" {
		t.Fatalf("zero value should stringify to unknown")
	}
}
