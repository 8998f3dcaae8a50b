package iotdevice

import (
	"time"
)

// defaultOperationTimeout bounds the cumulative time a single logical
// operation, including its retries, may take (spec.md §6).
const defaultOperationTimeout = 4 * time.Minute

// clientConfig is the configuration enumerated at construction time in
// spec.md §6.
type clientConfig struct {
	candidates        []Factory
	retryPolicy       RetryPolicy
	operationTimeout  time.Duration
	idleTimeout       time.Duration
	keepAlive         time.Duration
	payloadConvention string
}

func newClientConfig() *clientConfig {
	return &clientConfig{
		retryPolicy:      NewExponentialBackoff(),
		operationTimeout: defaultOperationTimeout,
	}
}

// ClientOption configures a Client at construction time, grounded on the
// golang-iothub TransportOption/WithLogger functional-options pattern.
type ClientOption func(*clientConfig)

// WithTransportCandidates sets the ordered list of transport factories
// tried at first open; the first to open successfully is pinned for the
// client's lifetime (spec.md §4.5, §6).
func WithTransportCandidates(candidates ...Factory) ClientOption {
	return func(c *clientConfig) { c.candidates = candidates }
}

// WithRetryPolicy overrides the default exponential backoff policy.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *clientConfig) { c.retryPolicy = policy }
}

// WithOperationTimeout overrides the default 4-minute cumulative
// operation timeout. A non-positive value disables the bound.
func WithOperationTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.operationTimeout = d }
}

// WithIdleTimeout records an idle-timeout hint in the client
// configuration. The value is not forwarded to transports.
func WithIdleTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.idleTimeout = d }
}

// WithKeepAlive records a keep-alive hint in the client configuration.
// The value is not forwarded to transports.
func WithKeepAlive(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.keepAlive = d }
}

// WithPayloadConvention flags outgoing telemetry messages that carry no
// convention of their own with an opaque convention identifier; the
// pipeline never interprets it. Reported-property patches are not
// flagged.
func WithPayloadConvention(convention string) ClientOption {
	return func(c *clientConfig) { c.payloadConvention = convention }
}

// TransportOptions collects the pass-through knobs a transport.Factory
// may need (idle timeout, keep alive). Client does not build one from
// clientConfig or hand one to its transports.
type TransportOptions struct {
	IdleTimeout time.Duration
	KeepAlive   time.Duration
}
