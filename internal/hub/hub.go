// Package hub multiplexes per-server live updates out to dashboard
// subscribers. Each subscriber has its own bounded queue so one slow
// client can never stall a server's event pipeline.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/tmpanel/relay/internal/live"
	"github.com/tmpanel/relay/internal/registry"
)

// ErrUnauthorized means the caller's scope does not include the server.
// Checked before any connection is created or reused: an unauthorized
// request never causes load on a real game server.
var ErrUnauthorized = errors.New("hub: not authorized for server")

// Scope is the set of server IDs a caller may observe. "*" grants all.
type Scope []string

func (s Scope) Allows(serverID string) bool {
	for _, id := range s {
		if id == "*" || id == serverID {
			return true
		}
	}
	return false
}

// Subscription binds one transport client to one server. Events arrive on
// C in the order the aggregator applied them; C is closed when the
// subscription ends for any reason.
type Subscription struct {
	ID       string
	ServerID string
	C        <-chan live.Update

	ch     chan live.Update
	closed bool // guarded by the hub's mutex
}

// Registry is the subset of the connection registry the hub drives.
type Registry interface {
	GetOrCreate(ctx context.Context, serverID string) (*registry.Connection, error)
	Release(serverID string)
}

type Hub struct {
	reg    Registry
	buffer int

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // serverID → subscription ID
}

func New(reg Registry, subscriberBuffer int) *Hub {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Hub{
		reg:    reg,
		buffer: subscriberBuffer,
		subs:   make(map[string]map[string]*Subscription),
	}
}

// Subscribe authorizes the caller for serverID, acquires the server's
// connection, and registers a subscriber queue. It returns the current
// LiveInfo snapshot so a newly joined dashboard renders immediately.
func (h *Hub) Subscribe(ctx context.Context, serverID string, scope Scope) (*live.LiveInfo, *Subscription, error) {
	if !scope.Allows(serverID) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnauthorized, serverID)
	}

	conn, err := h.reg.GetOrCreate(ctx, serverID)
	if err != nil {
		return nil, nil, err
	}

	sub := &Subscription{
		ID:       uuid.NewString(),
		ServerID: serverID,
		ch:       make(chan live.Update, h.buffer),
	}
	sub.C = sub.ch

	// Register before snapshotting: an event landing in the gap is then
	// delivered on the queue as well as reflected in the snapshot, which
	// keeps the at-least-once guarantee (missing it entirely would not).
	h.mu.Lock()
	byID, ok := h.subs[serverID]
	if !ok {
		byID = make(map[string]*Subscription)
		h.subs[serverID] = byID
	}
	byID[sub.ID] = sub
	h.mu.Unlock()

	return conn.Snapshot(), sub, nil
}

// Unsubscribe deregisters a subscription and drops its connection
// reference. Idempotent and safe after the underlying connection is gone.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	release := h.closeLocked(sub, nil)
	h.mu.Unlock()

	if release {
		h.reg.Release(sub.ServerID)
	}
}

// closeLocked removes and closes one subscription, optionally delivering a
// final message first. Returns false if it was already closed. Caller
// holds h.mu.
func (h *Hub) closeLocked(sub *Subscription, final *live.Update) bool {
	if sub.closed {
		return false
	}
	sub.closed = true
	if byID, ok := h.subs[sub.ServerID]; ok {
		delete(byID, sub.ID)
		if len(byID) == 0 {
			delete(h.subs, sub.ServerID)
		}
	}
	if final != nil {
		select {
		case sub.ch <- *final:
		default:
		}
	}
	close(sub.ch)
	return true
}

// Publish fans an update out to every subscriber of the server, in
// aggregator order. A full queue never blocks: the laggard's queue is
// drained and replaced with a single resync marker telling that client to
// re-fetch a fresh snapshot. The read lock excludes teardown, so queues
// cannot close mid-send.
func (h *Hub) Publish(serverID string, u live.Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[serverID] {
		select {
		case sub.ch <- u:
		default:
			h.overflow(sub)
		}
	}
}

func (h *Hub) overflow(sub *Subscription) {
	// Drain whatever the slow client hasn't consumed; the resync marker
	// supersedes all of it.
	for {
		select {
		case <-sub.ch:
		default:
			select {
			case sub.ch <- live.Update{Type: live.MsgResync}:
			default:
				// The consumer raced us and freed space already filled
				// again; it will overflow once more and get its marker.
			}
			log.Printf("[%s] subscriber %s overflowed, resync requested", sub.ServerID, sub.ID)
			return
		}
	}
}

// CloseServer tears down every subscription bound to a server, delivering
// a terminal message with a distinguishable reason first. Called by the
// registry on administrative removal and on fatal auth failure; the
// connection's refcount dies with it, so no Release happens here.
func (h *Hub) CloseServer(serverID string, reason string) {
	final := live.Update{
		Type: live.MsgServerRemoved,
		Data: live.RemovedNotice{Reason: reason},
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[serverID] {
		h.closeLocked(sub, &final)
	}
}

// Shutdown closes every subscription across all servers. Process shutdown
// path: closing the queues ends each transport write pump, which sends its
// close frame before the listener goes away. No Release calls — the
// registry tears the connections down itself.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, byID := range h.subs {
		for _, sub := range byID {
			h.closeLocked(sub, nil)
		}
	}
}

// SubscriberCount reports active subscriptions for a server.
func (h *Hub) SubscriberCount(serverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[serverID])
}
