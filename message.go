package iotdevice

import "github.com/dihedron/iotdevice/transport"

// These are aliases of the transport package's data shapes: the pipeline
// never transforms a Message, TwinDocument, etc. on its way to or from
// the wire, so the application-facing and transport-facing types are one
// and the same.
type (
	Message              = transport.Message
	TwinDocument         = transport.TwinDocument
	UpdateResponse       = transport.UpdateResponse
	MethodResponse       = transport.MethodResponse
	DirectMethodRequest  = transport.DirectMethodRequest
	TwinPropertyUpdate   = transport.TwinPropertyUpdate
	IncomingMessageFunc  = transport.IncomingMessageFunc
	DirectMethodFunc     = transport.DirectMethodFunc
	TwinPropertyFunc     = transport.TwinPropertyFunc
	InputMessageFunc     = transport.InputMessageFunc
	Credentials          = transport.Credentials
	ClosedReason         = transport.ClosedReason
)

const (
	ClosedUnexpected = transport.ClosedUnexpected
	ClosedGraceful   = transport.ClosedGraceful
)
