package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TritonDataCenter/node-fast-messages/fast"
)

// defaultCloseGraceWindow bounds how long Close waits for in-flight
// Send writes to finish before forcing every subscription closed.
const defaultCloseGraceWindow = 2 * time.Second

// ServerConfig configures a Server: its identity and logger.
type ServerConfig struct {
	// ServerID is this server's identity, stamped on every outbound
	// event. If empty, a fresh UUID is generated.
	ServerID string
	// Log receives structured logs. If nil, slog.Default() is used.
	Log *slog.Logger
	// CloseGraceWindow bounds how long Close waits for an in-flight
	// Send to finish writing to every subscriber before evicting them
	// outright. Defaults to defaultCloseGraceWindow if zero.
	CloseGraceWindow time.Duration
}

// Server fans out Events to every connected, identified subscriber.
// Grounded on CapTen101-pub-sub-go/topics.go's TopicsManager and
// ws.go's publishToTopic, generalized from a per-topic broadcast to
// this protocol's single global stream.
type Server struct {
	serverID   string
	log        *slog.Logger
	rpc        *fast.Server
	reg        *registry
	startedAt  time.Time
	closeGrace time.Duration

	sendCount atomic.Int64
	sendWG    sync.WaitGroup

	mu        sync.Mutex
	lastReqID *string
	lastID    *int64
}

// NewServer creates a Server. Handlers are registered immediately;
// call Listen to start accepting connections.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	serverID := cfg.ServerID
	if serverID == "" {
		serverID = newServerID()
	}
	closeGrace := cfg.CloseGraceWindow
	if closeGrace <= 0 {
		closeGrace = defaultCloseGraceWindow
	}

	s := &Server{
		serverID:   serverID,
		log:        log,
		rpc:        fast.NewServer(log),
		reg:        newRegistry(),
		startedAt:  time.Now(),
		closeGrace: closeGrace,
	}
	s.rpc.RegisterStream("messages", s.handleMessages)
	s.rpc.RegisterUnary("ping", s.handlePing)
	s.rpc.Handle("/health", s.handleHealth)
	s.rpc.Handle("/stats", s.handleStats)
	return s
}

// ServerID returns this server's identity.
func (s *Server) ServerID() string { return s.serverID }

// Listen binds addr and begins accepting connections. Returns the
// actual bound address (useful when addr's port is 0).
func (s *Server) Listen(addr string) (string, error) {
	bound, err := s.rpc.Listen(addr)
	if err != nil {
		return "", err
	}
	s.log.Info("broadcast: listening", "addr", bound, "server_id", s.serverID)
	return bound, nil
}

// Send validates and broadcasts an event to every live subscription.
// Writes are made one subscription at a time and each blocks until the
// transport accepts it, so Send returns only after every write has
// completed or failed. A per-subscription write failure is logged and
// does not affect other subscriptions or the caller.
func (s *Server) Send(e Event) error {
	if e.Name == "" {
		return fmt.Errorf("broadcast: event name must be a non-empty string")
	}
	if e.Value == nil {
		return fmt.Errorf("broadcast: event value is required")
	}
	if e.ReqID == "" {
		e.ReqID = newReqID()
	}
	e.ServerID = s.serverID

	s.sendWG.Add(1)
	defer s.sendWG.Done()

	s.mu.Lock()
	reqID := e.ReqID
	s.lastReqID = &reqID
	if e.ID != nil {
		id := *e.ID
		s.lastID = &id
	}
	s.mu.Unlock()

	for _, sub := range s.reg.snapshot() {
		if err := sub.send(e); err != nil {
			s.log.Warn("broadcast: write failed, dropping subscriber",
				"client_id", sub.clientID, "error", err)
			sub.cancel()
		}
	}
	s.sendCount.Add(1)
	return nil
}

// Close ends every subscription, stops accepting new connections, and
// shuts down the transport. If cb is non-nil it runs after the
// listening socket has closed. Grounded on CapTen101-pub-sub-go's
// TopicsManager.CloseAllGracefully/Subscriber.CloseGracefully: any Send
// already iterating the subscriber snapshot gets up to CloseGraceWindow
// to finish its writes before subscriptions are forced closed.
func (s *Server) Close(cb func()) error {
	drained := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.closeGrace):
		s.log.Warn("broadcast: close grace window elapsed with a send still in flight")
	}

	s.reg.evictAll()
	err := s.rpc.Close()
	if cb != nil {
		cb()
	}
	return err
}

// ClientIDs returns the current subscription registry's client_id
// list, in registration order.
func (s *Server) ClientIDs() []string {
	return s.reg.clientIDs()
}

// Health reports liveness and subscriber count. Grounded on
// CapTen101-pub-sub-go/topics.go's TopicsManager.Health, mounted at
// "/health" alongside the RPC upgrade endpoint.
func (s *Server) Health() map[string]any {
	return map[string]any{
		"status":      "ok",
		"server_id":   s.serverID,
		"uptime_sec":  int(time.Since(s.startedAt).Seconds()),
		"subscribers": len(s.reg.clientIDs()),
	}
}

// Stats reports send-side counters and the live client_id list.
// Grounded on CapTen101-pub-sub-go/topics.go's TopicsManager.Stats,
// mounted at "/stats" alongside the RPC upgrade endpoint.
func (s *Server) Stats() map[string]any {
	return map[string]any{
		"server_id": s.serverID,
		"sends":     s.sendCount.Load(),
		"clients":   s.ClientIDs(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Health())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleMessages(ctx context.Context, rawArgs json.RawMessage, send fast.Sender) error {
	args, err := decodeMessagesArgs(rawArgs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	version := 0
	if args.Version != nil {
		version = *args.Version
	}
	sub := &subscription{
		clientID: args.ClientID,
		version:  version,
		send:     send,
		cancel:   cancel,
	}

	// Write the sync frame before this subscription becomes visible to
	// Server.Send's snapshot — otherwise a broadcast racing register
	// could land an event frame ahead of the sync frame, and the client
	// always treats the first frame as the sync record.
	if version >= 1 {
		if err := send(s.syncRecord(version)); err != nil {
			return nil
		}
	}

	if evicted := s.reg.register(sub); evicted != nil {
		s.log.Warn("broadcast: duplicate client_id, evicting previous subscription",
			"client_id", args.ClientID)
		evicted.cancel()
	}
	defer s.reg.unregister(sub)

	<-ctx.Done()
	return nil
}

func (s *Server) syncRecord(version int) SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncRecord{
		Name:      "sync",
		LastReqID: s.lastReqID,
		LastID:    s.lastID,
		ServerID:  s.serverID,
		Version:   version,
	}
}

func (s *Server) handlePing(ctx context.Context, rawArgs json.RawMessage) error {
	args, err := decodePingArgs(rawArgs)
	if err != nil {
		return err
	}
	reqID := args.ReqID
	if reqID == "" {
		reqID = newReqID()
	}
	s.log.Info("broadcast: ping", "req_id", reqID, "time", time.Now().UTC())
	return nil
}
