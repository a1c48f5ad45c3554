// Package fast is a minimal Go-native stand-in for the "Fast" JSON-framed
// RPC transport: a connection carries any number of concurrent calls,
// each identified by a request sequence number, each either a single
// request/response (unary) or a server-to-client stream terminated by
// an end or error frame.
//
// It is intentionally small: the wire contract this repository
// implements only ever uses two RPC methods, so there is no service
// descriptor machinery, no reflection-based marshalling, and no
// generic multi-language IDL — just the envelope needed to multiplex
// a long-lived stream and an interleaved one-shot call over one
// connection.
package fast

import (
	"encoding/json"
	"fmt"
)

// frameKind discriminates the frames on the wire.
type frameKind string

const (
	frameCall  frameKind = "call"  // client -> server: invoke a method
	frameData  frameKind = "data"  // server -> client: one stream item
	frameEnd   frameKind = "end"   // server -> client: call completed normally
	frameError frameKind = "error" // server -> client: call failed
)

// frame is the single wire envelope used in both directions. Unused
// fields are omitted so a ping's end frame, say, carries nothing but
// its kind and sequence number.
type frame struct {
	Kind   frameKind       `json:"kind"`
	ReqSeq uint64          `json:"req_seq"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// DecodeArgs unpacks a call's raw argument array. Handlers use this to
// implement Fast's variadic-argument validation: most RPCs in this
// repository require exactly one argument.
func DecodeArgs(raw json.RawMessage) ([]json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("fast: malformed argument list: %w", err)
	}
	return args, nil
}
