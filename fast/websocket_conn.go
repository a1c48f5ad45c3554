package fast

import (
	"context"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// defaultReadLimitBytes bounds a single inbound frame. Generous enough
// for any realistic event payload while still refusing to let a
// misbehaving peer exhaust memory one frame at a time.
const defaultReadLimitBytes = 1 << 20

// websocketConn adapts a *websocket.Conn to Conn. Grounded on
// CapTen101-pub-sub-go's nhooyrConn: the same library, the same
// Read/Write/Close/SetReadLimit shape, generalized from its
// ClientToServer/ServerToClient structs to this package's frame
// envelope.
type websocketConn struct {
	c *websocket.Conn
}

func newWebsocketConn(c *websocket.Conn) *websocketConn {
	c.SetReadLimit(defaultReadLimitBytes)
	return &websocketConn{c: c}
}

func (w *websocketConn) ReadFrame(ctx context.Context) (frame, error) {
	var f frame
	if err := wsjson.Read(ctx, w.c, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func (w *websocketConn) WriteFrame(ctx context.Context, f frame) error {
	return wsjson.Write(ctx, w.c, f)
}

func (w *websocketConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

func (w *websocketConn) SetReadLimit(n int64) {
	w.c.SetReadLimit(n)
}
