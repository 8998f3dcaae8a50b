package iotdevice

import "sync"

// SubscriptionSet records which categories of server-initiated events the
// application has requested. Subscriptions are monotonic within a
// Client's lifecycle: once enabled, they remain enabled so that a
// reconnect knows exactly what to re-install.
type SubscriptionSet uint32

const (
	SubscriptionIncomingMessages SubscriptionSet = 1 << iota
	SubscriptionDirectMethods
	SubscriptionDesiredProperties
	SubscriptionInputEvents
)

// orderedSubscriptions fixes the deterministic order subscriptions are
// installed and re-installed in. The source spec leaves this order
// unspecified (see DESIGN.md); this is the resolution.
var orderedSubscriptions = []SubscriptionSet{
	SubscriptionIncomingMessages,
	SubscriptionDirectMethods,
	SubscriptionDesiredProperties,
	SubscriptionInputEvents,
}

func (s SubscriptionSet) String() string {
	switch s {
	case SubscriptionIncomingMessages:
		return "incoming-messages"
	case SubscriptionDirectMethods:
		return "direct-methods"
	case SubscriptionDesiredProperties:
		return "desired-property-updates"
	case SubscriptionInputEvents:
		return "input-events"
	default:
		return "unknown"
	}
}

// subscriptionTracker is a mutex-guarded, monotonic SubscriptionSet.
type subscriptionTracker struct {
	mu  sync.Mutex
	set SubscriptionSet
}

// add enables flag and reports whether it was newly enabled.
func (t *subscriptionTracker) add(flag SubscriptionSet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.set&flag != 0 {
		return false
	}
	t.set |= flag
	return true
}

func (t *subscriptionTracker) has(flag SubscriptionSet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set&flag != 0
}

// list returns every currently-enabled flag in the fixed deterministic
// order used for (re-)installation.
func (t *subscriptionTracker) list() []SubscriptionSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []SubscriptionSet
	for _, flag := range orderedSubscriptions {
		if t.set&flag != 0 {
			out = append(out, flag)
		}
	}
	return out
}
