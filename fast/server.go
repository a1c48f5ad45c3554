package fast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// UnaryHandler handles a one-shot call. Returning nil completes the
// call with an end frame and no data (the "ping" shape: completion is
// the acknowledgement). Returning an error fails the call with that
// error's message.
type UnaryHandler func(ctx context.Context, args json.RawMessage) error

// Sender writes one stream item to the calling peer. Safe to call from
// any goroutine; writes across all calls on a connection are
// serialized internally.
type Sender func(data any) error

// StreamHandler handles a long-lived server-to-client stream (the
// "messages" shape). It runs for as long as the call is open — return
// when the subscription ends (context cancelled, or the handler
// chooses to stop). A nil return writes an end frame; a non-nil error
// writes an error frame with that error's message, UNLESS the call's
// context is already done, in which case no frame is written (the
// connection is already gone).
type StreamHandler func(ctx context.Context, args json.RawMessage, send Sender) error

type extraRoute struct {
	pattern string
	handler http.HandlerFunc
}

// Server accepts Fast connections over HTTP/WebSocket and dispatches
// calls to registered handlers. Method registration happens once
// before Listen is called; handler lookup is read-only after that so no
// locking is needed for dispatch.
type Server struct {
	log     *slog.Logger
	unary   map[string]UnaryHandler
	stream  map[string]StreamHandler
	extra   []extraRoute
	httpSrv *http.Server

	mu       sync.Mutex
	done     bool
	closedCh chan struct{}
}

// NewServer creates a Server. log may be nil, in which case
// slog.Default() is used.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log,
		unary:    make(map[string]UnaryHandler),
		stream:   make(map[string]StreamHandler),
		closedCh: make(chan struct{}),
	}
}

// RegisterUnary registers a one-shot RPC method. Must be called before
// Listen.
func (s *Server) RegisterUnary(method string, handler UnaryHandler) {
	s.unary[method] = handler
}

// RegisterStream registers a streaming RPC method. Must be called
// before Listen.
func (s *Server) RegisterStream(method string, handler StreamHandler) {
	s.stream[method] = handler
}

// Handle mounts an additional plain HTTP handler alongside the RPC
// upgrade endpoint — for introspection routes ("/health", "/stats")
// that sit next to the protocol but aren't part of it. Must be called
// before Listen.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.extra = append(s.extra, extraRoute{pattern: pattern, handler: handler})
}

// Listen binds addr and begins accepting connections. It returns once
// the listener is bound; serving happens in a background goroutine.
// Call Close to stop.
func (s *Server) Listen(addr string) (string, error) {
	ln, err := listenKeepAlive(addr)
	if err != nil {
		return "", fmt.Errorf("fast: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	for _, route := range s.extra {
		mux.HandleFunc(route.pattern, route.handler)
	}
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("fast: serve failed", "error", err)
		}
	}()

	return ln.Addr().String(), nil
}

// Close stops accepting new connections and shuts down the HTTP
// server. Already-accepted connections are ended too: each one's
// serveConn sees the close and cancels its context, which ends the
// connection and every call on it. Callers that want their streams to
// end cleanly first do so through their own registry before calling
// Close (see broadcast.Server.Close).
func (s *Server) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	close(s.closedCh)
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("fast: websocket accept failed", "error", err)
		return
	}
	conn := newWebsocketConn(wsConn)
	s.serveConn(r.Context(), conn)
}

// serveConn reads call frames from conn until it errors or the server
// is closed, dispatching each to its registered handler in its own
// goroutine so a long-lived stream call and an interleaved unary call
// can run concurrently on one connection.
func (s *Server) serveConn(parent context.Context, conn Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer conn.Close("connection ended")

	// http.Server.Close does not reach hijacked (upgraded) connections,
	// so end this one here when the server closes.
	go func() {
		select {
		case <-s.closedCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var writeMu sync.Mutex
	writeFrame := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteFrame(ctx, f)
	}

	var wg sync.WaitGroup

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			break
		}
		if f.Kind != frameCall {
			continue
		}

		wg.Add(1)
		go func(call frame) {
			defer wg.Done()
			s.dispatch(ctx, call, writeFrame)
		}(f)
	}

	// Cancel before waiting: every in-flight handler (in particular a
	// long-lived "messages" stream blocked on <-ctx.Done()) is waiting
	// on this context to learn the connection ended.
	cancel()
	wg.Wait()
}

func (s *Server) dispatch(ctx context.Context, call frame, writeFrame func(frame) error) {
	if handler, ok := s.stream[call.Method]; ok {
		send := func(data any) error {
			raw, err := json.Marshal(data)
			if err != nil {
				return err
			}
			return writeFrame(frame{Kind: frameData, ReqSeq: call.ReqSeq, Data: raw})
		}
		err := handler(ctx, call.Args, send)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			_ = writeFrame(frame{Kind: frameError, ReqSeq: call.ReqSeq, Error: err.Error()})
			return
		}
		_ = writeFrame(frame{Kind: frameEnd, ReqSeq: call.ReqSeq})
		return
	}

	if handler, ok := s.unary[call.Method]; ok {
		if err := handler(ctx, call.Args); err != nil {
			_ = writeFrame(frame{Kind: frameError, ReqSeq: call.ReqSeq, Error: err.Error()})
			return
		}
		_ = writeFrame(frame{Kind: frameEnd, ReqSeq: call.ReqSeq})
		return
	}

	_ = writeFrame(frame{Kind: frameError, ReqSeq: call.ReqSeq, Error: fmt.Sprintf("unknown method %q", call.Method)})
}
