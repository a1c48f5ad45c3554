package broadcast

import "errors"

// RPC argument-validation errors. These exact strings are part of the
// wire contract (spec §6) and are asserted on verbatim by tests — do
// not reword them.
var (
	ErrMessagesArgCount  = errors.New(`"messages" RPC expects one argument`)
	ErrMessagesNotObject = errors.New(`"messages" RPC expects an options object`)
	ErrMessagesClientID  = errors.New(`clients must provide their "client_id"`)

	ErrPingArgCount  = errors.New(`"ping" RPC expects one argument`)
	ErrPingNotObject = errors.New(`"ping" RPC expects an options object`)
	ErrPingReqID     = errors.New(`"req_id" must be a string if provided`)
)

// ErrStreamNotConnected is returned to a Client.Ping callback when the
// RPC client handle does not yet exist (the FSM hasn't reached
// "connected" or later).
var ErrStreamNotConnected = errors.New("stream not connected")
