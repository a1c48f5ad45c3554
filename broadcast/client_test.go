package broadcast

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 8}))
}

// eventRecorder drains a Client's event channel into a slice a test can
// inspect, guarding against the data race of reading it from the test
// goroutine while the client's loop is still delivering.
type eventRecorder struct {
	mu     sync.Mutex
	events []ClientEvent
}

func newEventRecorder(c *Client) *eventRecorder {
	r := &eventRecorder{}
	go func() {
		for ev := range c.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) messages() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == KindMessage {
			out = append(out, ev.Message)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startTestServer(t *testing.T, port int) *Server {
	t.Helper()
	srv := NewServer(ServerConfig{ServerID: "S", Log: quietLog()})
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if _, err := srv.Listen(addr); err != nil {
		t.Fatalf("listen: %v", err)
	}
	return srv
}

func newTestClient(id string, port int) (*Client, *eventRecorder) {
	c := NewClient(ClientConfig{ClientID: id, Host: "127.0.0.1", Port: port, Log: quietLog()})
	return c, newEventRecorder(c)
}

// TestSendReceive covers two clients connecting and starting against a
// server; a single send is delivered to both with server_id stamped.
func TestSendReceive(t *testing.T) {
	port := freePort(t)
	srv := startTestServer(t, port)
	defer srv.Close(nil)

	c1, r1 := newTestClient("c1", port)
	c2, r2 := newTestClient("c2", port)
	defer c1.Close()
	defer c2.Close()

	c1.Connect()
	c2.Connect()
	waitFor(t, 2*time.Second, func() bool { return r1.count(KindConnect) == 1 })
	waitFor(t, 2*time.Second, func() bool { return r2.count(KindConnect) == 1 })
	c1.Start()
	c2.Start()
	waitFor(t, 2*time.Second, func() bool { return r1.count(KindStart) == 1 })
	waitFor(t, 2*time.Second, func() bool { return r2.count(KindStart) == 1 })

	id := int64(4)
	if err := srv.Send(Event{ID: &id, ReqID: "R", Name: "update_name", Value: "foo"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(r1.messages()) == 1 })
	waitFor(t, 2*time.Second, func() bool { return len(r2.messages()) == 1 })

	for _, r := range []*eventRecorder{r1, r2} {
		msg := r.messages()[0]
		if msg.Name != "update_name" || msg.Value != "foo" || msg.ReqID != "R" || msg.ServerID != "S" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if msg.ID == nil || *msg.ID != 4 {
			t.Fatalf("unexpected id: %+v", msg)
		}
	}
}

// TestServerStateSyncedOnStart covers a client populating ServerState
// from the sync frame once streaming reaches started.ready.
func TestServerStateSyncedOnStart(t *testing.T) {
	port := freePort(t)
	srv := startTestServer(t, port)
	defer srv.Close(nil)

	c, r := newTestClient("c1", port)
	defer c.Close()
	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindConnect) == 1 })
	c.Start()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindStart) == 1 })

	waitFor(t, 2*time.Second, func() bool { return c.ServerState() != nil })
	if got := c.ServerState(); got.ServerID != "S" || got.Version != ProtocolVersion {
		t.Fatalf("unexpected server state: %+v", got)
	}
}

// TestPing covers a connected client's ping completing without error.
func TestPing(t *testing.T) {
	port := freePort(t)
	srv := startTestServer(t, port)
	defer srv.Close(nil)

	c, r := newTestClient("c1", port)
	defer c.Close()
	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindConnect) == 1 })

	result := make(chan error, 1)
	c.Ping(func(err error) { result <- err })
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("ping: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ping never completed")
	}
}

// TestPingNotConnected covers pinging a client that has never reached
// "connected": it yields "stream not connected", and a subsequent close
// still emits exactly once.
func TestPingNotConnected(t *testing.T) {
	unreachablePort := freePort(t) // nothing listening, freed immediately above
	c, r := newTestClient("c1", unreachablePort)
	c.Connect()

	result := make(chan error, 1)
	c.Ping(func(err error) { result <- err })
	select {
	case err := <-result:
		if err == nil || err.Error() != "stream not connected" {
			t.Fatalf("got %v, want %q", err, "stream not connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ping callback never invoked")
	}

	c.Close()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindClose) == 1 })
}

// TestDuplicateClientID covers a new client with a previously used
// client_id evicting the old subscription and receiving subsequent
// sends normally.
func TestDuplicateClientID(t *testing.T) {
	port := freePort(t)
	srv := startTestServer(t, port)
	defer srv.Close(nil)

	a, ra := newTestClient("C", port)
	a.Connect()
	waitFor(t, 2*time.Second, func() bool { return ra.count(KindConnect) == 1 })
	a.Start()
	waitFor(t, 2*time.Second, func() bool { return ra.count(KindStart) == 1 })
	a.Close()
	waitFor(t, 2*time.Second, func() bool { return ra.count(KindClose) == 1 })

	b, rb := newTestClient("C", port)
	defer b.Close()
	b.Connect()
	waitFor(t, 2*time.Second, func() bool { return rb.count(KindConnect) == 1 })
	b.Start()
	waitFor(t, 2*time.Second, func() bool { return rb.count(KindStart) == 1 })

	id := int64(5)
	if err := srv.Send(Event{ID: &id, ReqID: "R2", Name: "informational", Value: map[string]any{"a": 5, "b": "12"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(rb.messages()) == 1 })
	if msg := rb.messages()[0]; msg.ServerID != "S" {
		t.Fatalf("unexpected server_id: %+v", msg)
	}
}

// TestEmitOnceInvariants covers connect/start emitting at most once,
// and close emitting exactly once, across a normal lifecycle.
func TestEmitOnceInvariants(t *testing.T) {
	port := freePort(t)
	srv := startTestServer(t, port)
	defer srv.Close(nil)

	c, r := newTestClient("c1", port)
	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindConnect) == 1 })
	c.Start()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindStart) == 1 })
	c.Close()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindClose) == 1 })

	if n := r.count(KindConnect); n != 1 {
		t.Fatalf("connect emitted %d times", n)
	}
	if n := r.count(KindStart); n != 1 {
		t.Fatalf("start emitted %d times", n)
	}
	if n := r.count(KindClose); n != 1 {
		t.Fatalf("close emitted %d times", n)
	}
}

// TestReconnectResumesStreaming covers killing and restarting the
// server on the same address: it drives the client through restart and
// back to connected without a new Start() call, and it resumes
// receiving messages.
func TestReconnectResumesStreaming(t *testing.T) {
	port := freePort(t)
	srv := startTestServer(t, port)

	c, r := newTestClient("c1", port)
	defer c.Close()
	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindConnect) == 1 })
	c.Start()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindStart) == 1 })

	srv.Close(nil)
	waitFor(t, 5*time.Second, func() bool {
		for _, ev := range snapshotStates(r) {
			if ev == StateRestart {
				return true
			}
		}
		return false
	})

	srv2 := startTestServer(t, port)
	defer srv2.Close(nil)

	waitFor(t, 10*time.Second, func() bool { return c.State() == StateStartedReady })

	id := int64(9)
	if err := srv2.Send(Event{ID: &id, ReqID: "R3", Name: "resumed", Value: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(r.messages()) >= 1 })
}

// TestConnectionLostBeforeStart covers a connection dying while the FSM
// is waiting in connected for an explicit Start() call: it restarts and
// settles back in connected without auto-entering started.
func TestConnectionLostBeforeStart(t *testing.T) {
	port := freePort(t)
	srv := startTestServer(t, port)

	c, r := newTestClient("c1", port)
	defer c.Close()
	c.Connect()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindConnect) == 1 })

	srv.Close(nil)
	waitFor(t, 5*time.Second, func() bool {
		for _, ev := range snapshotStates(r) {
			if ev == StateRestart {
				return true
			}
		}
		return false
	})

	srv2 := startTestServer(t, port)
	defer srv2.Close(nil)
	waitFor(t, 10*time.Second, func() bool { return c.State() == StateConnected })

	time.Sleep(50 * time.Millisecond)
	if n := r.count(KindStart); n != 0 {
		t.Fatalf("start emitted %d times without an explicit Start() call", n)
	}
	if n := r.count(KindConnect); n != 1 {
		t.Fatalf("connect emitted %d times, want exactly 1", n)
	}

	c.Start()
	waitFor(t, 2*time.Second, func() bool { return r.count(KindStart) == 1 })
}

func snapshotStates(r *eventRecorder) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Kind == KindStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}
