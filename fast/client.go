package fast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
)

// Stream is a handle to an in-flight streaming call. Data delivers
// each item as it arrives; Done fires exactly once, with nil for a
// clean end or the failure otherwise (including a read error on the
// underlying connection).
type Stream struct {
	data chan json.RawMessage
	done chan error
}

// Data returns the channel of stream items. Closed when the call ends.
func (s *Stream) Data() <-chan json.RawMessage { return s.data }

// Done returns the channel that receives the call's terminal error (nil
// on a clean end). Fires exactly once.
func (s *Stream) Done() <-chan error { return s.done }

type pendingUnary struct {
	done chan error
}

type pendingStream struct {
	stream *Stream
}

// Client is a Fast RPC client multiplexing any number of concurrent
// calls — typically one long-lived stream call plus occasional unary
// calls — over a single connection.
type Client struct {
	conn   Conn
	nextID atomic.Uint64

	mu             sync.Mutex
	writeMu        sync.Mutex
	pendingUnary   map[uint64]pendingUnary
	pendingStreams map[uint64]pendingStream
	readErr        error
	closed         chan struct{}
	closeOnce      sync.Once
}

// Dial opens a Fast connection to a server listening at addr (host:port,
// no scheme) and starts the client's read-dispatch loop.
func Dial(ctx context.Context, addr string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/"}
	wsConn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: dialerWithKeepAlive(),
	})
	if err != nil {
		return nil, fmt.Errorf("fast: dial %s: %w", addr, err)
	}
	return newClient(newWebsocketConn(wsConn)), nil
}

func newClient(conn Conn) *Client {
	c := &Client{
		conn:           conn,
		pendingUnary:   make(map[uint64]pendingUnary),
		pendingStreams: make(map[uint64]pendingStream),
		closed:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close ends the connection and fails every in-flight call.
func (c *Client) Close() error {
	err := c.conn.Close("client closed")
	c.closeOnce.Do(func() { close(c.closed) })
	return err
}

// Closed returns a channel that's closed once the connection has ended
// for any reason (explicit Close, or a read/write failure).
func (c *Client) Closed() <-chan struct{} { return c.closed }

func (c *Client) writeFrame(ctx context.Context, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteFrame(ctx, f)
}

// Call issues a unary RPC and blocks until it completes or ctx is done.
// args is marshaled as a JSON array, mirroring Fast's variadic-argument
// call shape (argument-count validation on the server side depends on
// this: "messages"/"ping" both require exactly one array element).
func (c *Client) Call(ctx context.Context, method string, args ...any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	seq := c.nextID.Add(1)
	done := make(chan error, 1)

	c.mu.Lock()
	c.pendingUnary[seq] = pendingUnary{done: done}
	c.mu.Unlock()

	if err := c.writeFrame(ctx, frame{Kind: frameCall, ReqSeq: seq, Method: method, Args: raw}); err != nil {
		c.mu.Lock()
		delete(c.pendingUnary, seq)
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("fast: connection closed")
	}
}

// CallStream issues a streaming RPC and returns immediately with a
// handle to the in-flight stream. args is marshaled as a JSON array,
// same convention as Call.
func (c *Client) CallStream(ctx context.Context, method string, args ...any) (*Stream, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	seq := c.nextID.Add(1)
	stream := &Stream{
		data: make(chan json.RawMessage, 16),
		done: make(chan error, 1),
	}

	c.mu.Lock()
	c.pendingStreams[seq] = pendingStream{stream: stream}
	c.mu.Unlock()

	if err := c.writeFrame(ctx, frame{Kind: frameCall, ReqSeq: seq, Method: method, Args: raw}); err != nil {
		c.mu.Lock()
		delete(c.pendingStreams, seq)
		c.mu.Unlock()
		return nil, err
	}
	return stream, nil
}

// readLoop dispatches inbound frames to the pending call they belong
// to, until the connection errors. On exit it fails every still-
// pending call so no caller blocks forever.
func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		f, err := c.conn.ReadFrame(ctx)
		if err != nil {
			c.failAll(err)
			c.closeOnce.Do(func() { close(c.closed) })
			return
		}

		c.mu.Lock()
		u, isUnary := c.pendingUnary[f.ReqSeq]
		s, isStream := c.pendingStreams[f.ReqSeq]
		if (isUnary && f.Kind != frameData) || (isStream && f.Kind != frameData) {
			delete(c.pendingUnary, f.ReqSeq)
			delete(c.pendingStreams, f.ReqSeq)
		}
		c.mu.Unlock()

		switch {
		case isUnary:
			switch f.Kind {
			case frameEnd:
				u.done <- nil
			case frameError:
				u.done <- fmt.Errorf("%s", f.Error)
			}
		case isStream:
			switch f.Kind {
			case frameData:
				// Blocking send preserves per-subscription ordering:
				// a slow consumer stalls this connection's delivery
				// rather than dropping frames.
				s.stream.data <- f.Data
			case frameEnd:
				close(s.stream.data)
				s.stream.done <- nil
			case frameError:
				close(s.stream.data)
				s.stream.done <- fmt.Errorf("%s", f.Error)
			}
		}
	}
}

func (c *Client) failAll(readErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = readErr
	for seq, u := range c.pendingUnary {
		u.done <- readErr
		delete(c.pendingUnary, seq)
	}
	for seq, s := range c.pendingStreams {
		close(s.stream.data)
		s.stream.done <- readErr
		delete(c.pendingStreams, seq)
	}
}

// ReadErr returns the error that ended the connection's read loop, if
// any (nil while the connection is healthy or before it ever starts).
func (c *Client) ReadErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}
