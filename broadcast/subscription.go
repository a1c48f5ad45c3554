package broadcast

import (
	"context"
	"sync"

	"github.com/TritonDataCenter/node-fast-messages/fast"
)

// subscription is the server-side record of one live "messages" call.
// Grounded on CapTen101-pub-sub-go/topics.go's Subscriber, generalized
// from a per-topic registry to this protocol's single flat,
// client_id-keyed registry (there are no topics here — every
// subscriber receives every event).
type subscription struct {
	clientID string
	version  int
	send     fast.Sender
	cancel   context.CancelFunc
}

// registry is the server's subscription table: at most one
// subscription per client_id, with insertion order preserved for the
// "clients" field of the server state snapshot.
type registry struct {
	mu    sync.Mutex
	subs  map[string]*subscription
	order []string
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*subscription)}
}

// register adds sub, replacing any existing subscription for the same
// client_id. Returns the replaced subscription (nil if there was none)
// so the caller can log a duplicate-client warning and cancel it;
// register itself does not cancel it.
func (r *registry) register(sub *subscription) (evicted *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.subs[sub.clientID]; ok {
		evicted = old
	} else {
		r.order = append(r.order, sub.clientID)
	}
	r.subs[sub.clientID] = sub
	return evicted
}

// unregister removes sub, but only if it is still the current
// subscription for its client_id — a subscription that was itself
// evicted by a newer one must not remove the newer one's entry when
// its own handler goroutine unwinds.
func (r *registry) unregister(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.subs[sub.clientID]; !ok || current != sub {
		return
	}
	delete(r.subs, sub.clientID)
	for i, id := range r.order {
		if id == sub.clientID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// snapshot returns the live subscriptions in registration order. The
// caller writes to each outside of any lock — see broadcast.Server.Send.
func (r *registry) snapshot() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*subscription, len(r.order))
	for i, id := range r.order {
		out[i] = r.subs[id]
	}
	return out
}

// clientIDs returns the current client_id list in registration order,
// for the server state snapshot.
func (r *registry) clientIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// evictAll cancels every live subscription, used by Server.Close.
func (r *registry) evictAll() {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}
