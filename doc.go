// Package iotdevice implements the connection-lifecycle and
// request-handling pipeline of an IoT device client.
//
// A Client is assembled as an ordered chain of handlers: StateHandler,
// RetryHandler, ErrorRemappingHandler and ProtocolRoutingHandler, each
// forwarding to an inner handler and finally to a concrete transport
// adapter (see the transport/mqtt and transport/amqp packages). The
// wire protocol itself is treated as a replaceable, stateless leaf;
// the hard part this package owns is the state machine, the
// transparent reconnect loop, the retry policy and the unified error
// taxonomy that sits above it.
package iotdevice
