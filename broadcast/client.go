package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TritonDataCenter/node-fast-messages/fast"
)

// EventKind tags a ClientEvent.
type EventKind string

const (
	KindConnect      EventKind = "connect"
	KindStart        EventKind = "start"
	KindMessage      EventKind = "message"
	KindClose        EventKind = "close"
	KindStateChanged EventKind = "stateChanged"
)

// ClientEvent is one notification delivered to a Client's consumer.
// Only the field matching Kind is meaningful.
type ClientEvent struct {
	Kind    EventKind
	State   State
	Message Event
}

// ClientConfig configures a Client: identity, dial target, and logger.
type ClientConfig struct {
	ClientID string
	Host     string
	Port     int
	Log      *slog.Logger
}

// Client maintains a durable, auto-reconnecting subscription against a
// Server, driven by an explicit finite state machine (see fsm.go).
// Grounded on CapTen101-pub-sub-go's WSConn read/reconnect loop and
// e7canasta-orion-care-sensor's reconnect.go attempt-counter shape,
// generalized into a full connect/start/stream/restart state table. All FSM
// state is owned by the single goroutine run by Client.loop; every
// public method funnels in through the events channel (or, for pure
// reads, the mu-protected state field) rather than mutating FSM state
// directly, so no two transitions ever run concurrently.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	events chan any
	out    chan ClientEvent

	mu    sync.Mutex
	state State

	// loop-owned; touched only inside loop() (serverState is written
	// under mu because ServerState also reads it).
	attempt        int
	emittedConnect bool
	emittedStart   bool
	rpc            *fast.Client
	stream         *fast.Stream
	serverState    *SyncRecord
	backoffTimer   *time.Timer
	backoffGen     uint64
	connectCancel  context.CancelFunc
	emittedClose   bool
}

// NewClient creates a Client in the stopped state. Call Connect to
// begin. Events is the channel to range over for connect/start/
// message/close/stateChanged notifications; it must be drained
// promptly — an undrained consumer stalls the FSM, the same backpressure
// contract as any Go channel-based API.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		log:    log,
		events: make(chan any, 16),
		out:    make(chan ClientEvent, 64),
		state:  StateStopped,
	}
	go c.loop()
	return c
}

// Events returns the channel of consumer-facing notifications.
func (c *Client) Events() <-chan ClientEvent { return c.out }

// State returns the FSM's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerState returns the most recent sync record received from the
// server, or nil if none has arrived yet (before the first successful
// "messages" call). The record is kept across a reconnect until the
// new subscription's sync frame replaces it.
func (c *Client) ServerState() *SyncRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverState
}

func (c *Client) assertState(want State, method string) {
	c.mu.Lock()
	got := c.state
	c.mu.Unlock()
	if got != want {
		panic(fmt.Sprintf("broadcast: %s called while state=%s (want %s)", method, got, want))
	}
}

// Connect starts the FSM. Permitted only in stopped.
func (c *Client) Connect() {
	c.assertState(StateStopped, "Connect")
	c.events <- evConnect{}
}

// Start begins streaming. Permitted only in connected.
func (c *Client) Start() {
	c.assertState(StateConnected, "Start")
	c.events <- evStart{}
}

// Close tears the client down. Permitted in any state except stopped.
func (c *Client) Close() {
	c.mu.Lock()
	got := c.state
	c.mu.Unlock()
	if got == StateStopped {
		panic("broadcast: Close called while already stopped")
	}
	c.events <- evClose{}
}

// Ping issues a one-shot liveness probe. cb is invoked exactly once,
// asynchronously. Permitted whenever the FSM is not stopped.
func (c *Client) Ping(cb func(error)) {
	c.mu.Lock()
	got := c.state
	c.mu.Unlock()
	if got == StateStopped {
		panic("broadcast: Ping called while stopped")
	}
	c.events <- evPing{cb: cb}
}

// --- internal FSM events ---

type evConnect struct{}
type evStart struct{}
type evClose struct{}
type evPing struct{ cb func(error) }
type evTCPResult struct {
	rpc *fast.Client
	err error
}
type evBackoffFired struct{ gen uint64 }
type evStreamIssued struct {
	stream *fast.Stream
	err    error
}
type evStreamData struct{ data json.RawMessage }
type evStreamDone struct{ err error }
type evConnLost struct{ rpc *fast.Client }

func (c *Client) setState(s State) {
	c.mu.Lock()
	old := c.state
	if !isValidTransition(old, s) {
		c.mu.Unlock()
		panic(fmt.Sprintf("broadcast: invalid transition %s -> %s", old, s))
	}
	c.state = s
	c.mu.Unlock()
	c.out <- ClientEvent{Kind: KindStateChanged, State: s}
}

func (c *Client) loop() {
	for ev := range c.events {
		switch e := ev.(type) {
		case evConnect:
			c.enterConnecting()
		case evStart:
			c.handleStart()
		case evClose:
			c.handleClose()
		case evPing:
			c.handlePing(e.cb)
		case evTCPResult:
			c.handleTCPResult(e)
		case evBackoffFired:
			if e.gen == c.backoffGen {
				c.enterConnecting()
			}
		case evStreamIssued:
			c.handleStreamIssued(e)
		case evStreamData:
			c.handleStreamData(e.data)
		case evStreamDone:
			c.handleStreamDone(e.err)
		case evConnLost:
			c.handleConnLost(e.rpc)
		}
	}
}

func (c *Client) enterConnecting() {
	c.attempt++
	c.setState(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	c.connectCancel = cancel
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	go func() {
		rpc, err := fast.Dial(ctx, addr)
		c.events <- evTCPResult{rpc: rpc, err: err}
	}()
}

func (c *Client) handleTCPResult(e evTCPResult) {
	if c.state != StateConnecting {
		// A close() or a stale dial from an earlier attempt raced us
		// here; the connection, if any, is unwanted.
		if e.rpc != nil {
			e.rpc.Close()
		}
		return
	}

	if e.err != nil {
		c.setState(StateConnectingErr)
		step := backoffFor(c.attempt)
		c.log.Log(context.Background(), step.level, "broadcast: connect failed, retrying",
			"attempt", c.attempt, "delay", step.delay, "error", e.err)
		c.backoffGen++
		gen := c.backoffGen
		c.backoffTimer = time.AfterFunc(step.delay, func() {
			c.events <- evBackoffFired{gen: gen}
		})
		return
	}

	c.rpc = e.rpc
	c.setState(StateConnected)

	// Watch for the connection dying before Start is called — once
	// streaming begins, a dead connection is already detected via the
	// stream's Done channel, but nothing else is listening while the
	// FSM sits in connected.
	rpc := e.rpc
	go func() {
		<-rpc.Closed()
		c.events <- evConnLost{rpc: rpc}
	}()

	// emittedStart, not emittedConnect, gates the auto-resume: only a
	// connection that has actually reached started before should skip
	// waiting for an explicit Start() call after a reconnect.
	if c.emittedStart {
		c.handleStart()
		return
	}
	if !c.emittedConnect {
		c.emittedConnect = true
		c.out <- ClientEvent{Kind: KindConnect}
	}
}

func (c *Client) handleConnLost(rpc *fast.Client) {
	if c.rpc != rpc || c.state != StateConnected {
		// Stale watcher (superseded connection) or already handled via
		// the stream's own Done channel.
		return
	}
	c.log.Warn("broadcast: connection lost while waiting for Start", "error", rpc.ReadErr())
	c.enterRestart()
}

func (c *Client) handleStart() {
	if c.state != StateConnected {
		return
	}
	c.setState(StateStarted)

	version := ProtocolVersion
	ctx := context.Background()
	go func() {
		stream, err := c.rpc.CallStream(ctx, "messages", MessagesArgs{ClientID: c.cfg.ClientID, Version: &version})
		c.events <- evStreamIssued{stream: stream, err: err}
	}()
}

func (c *Client) handleStreamIssued(e evStreamIssued) {
	if c.state != StateStarted {
		return
	}
	if e.err != nil {
		c.log.Error("broadcast: failed to issue messages call", "error", e.err)
		c.enterRestart()
		return
	}
	c.stream = e.stream
	c.setState(StateStartedWaiting)

	stream := e.stream
	go func() {
		for data := range stream.Data() {
			c.events <- evStreamData{data: data}
		}
		c.events <- evStreamDone{err: <-stream.Done()}
	}()
}

func (c *Client) handleStreamData(data json.RawMessage) {
	switch c.state {
	case StateStartedWaiting:
		var sync SyncRecord
		if err := json.Unmarshal(data, &sync); err != nil {
			c.log.Error("broadcast: malformed sync frame", "error", err)
			c.enterRestart()
			return
		}
		c.mu.Lock()
		c.serverState = &sync
		c.mu.Unlock()
		c.setState(StateStartedReady)
		if !c.emittedStart {
			c.emittedStart = true
			c.out <- ClientEvent{Kind: KindStart}
		}
	case StateStartedReady:
		var msg Event
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error("broadcast: malformed message frame", "error", err)
			return
		}
		c.out <- ClientEvent{Kind: KindMessage, Message: msg}
	}
}

func (c *Client) handleStreamDone(err error) {
	switch c.state {
	case StateStartedWaiting, StateStartedReady:
		if err != nil {
			c.log.Warn("broadcast: stream ended", "error", err)
		}
		c.enterRestart()
	}
}

func (c *Client) enterRestart() {
	c.setState(StateRestart)
	c.stream = nil
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	c.attempt = 0
	c.enterConnecting()
}

func (c *Client) handlePing(cb func(error)) {
	if c.state == StateStopped {
		panic("broadcast: Ping called while stopped")
	}
	rpc := c.rpc
	if rpc == nil {
		go cb(ErrStreamNotConnected)
		return
	}
	go func() {
		err := rpc.Call(context.Background(), "ping", PingArgs{})
		cb(err)
	}()
}

func (c *Client) handleClose() {
	if c.state == StateStopped {
		return
	}
	c.setState(StateClosing)

	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffGen++ // orphan any in-flight fire
	}
	if c.connectCancel != nil {
		c.connectCancel()
	}
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	c.stream = nil

	c.setState(StateStopped)
	if !c.emittedClose {
		c.emittedClose = true
		c.out <- ClientEvent{Kind: KindClose}
	}
}
