package fast

import (
	"context"
)

// Conn abstracts the underlying socket so the dispatch logic in Server
// and Client can be tested without a real network connection. Mirrors
// the shape of a JSON-framed duplex connection: read one frame, write
// one frame, close with a reason, cap inbound message size.
type Conn interface {
	ReadFrame(ctx context.Context) (frame, error)
	WriteFrame(ctx context.Context, f frame) error
	Close(reason string) error
	SetReadLimit(n int64)
}
