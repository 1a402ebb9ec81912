// Package registry owns the set of live game-server connections: at most
// one per server ID, created on first demand, reference-counted by
// subscribers, and supervised through degradation and reconnect.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tmpanel/relay/internal/config"
	"github.com/tmpanel/relay/internal/gbx"
	"github.com/tmpanel/relay/internal/live"
)

var (
	// ErrUnknownServer means no connection parameters exist for the ID.
	ErrUnknownServer = errors.New("registry: unknown server")

	// ErrShutdown means the registry is not running.
	ErrShutdown = errors.New("registry: not running")
)

// CloseReason distinguishes why a server's subscriptions were torn down.
const (
	ReasonServerRemoved = "serverRemoved"
	ReasonAuthFailed    = "authFailed"
)

// Resolver supplies connection parameters for a server ID. Backed by the
// console's relational store in production; config-backed standalone.
type Resolver interface {
	Resolve(serverID string) (gbx.ServerIdentity, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(serverID string) (gbx.ServerIdentity, error)

func (f ResolverFunc) Resolve(serverID string) (gbx.ServerIdentity, error) {
	return f(serverID)
}

// Notifier receives aggregator output and teardown notifications. The
// subscription hub implements it; SetNotifier must be called before Start.
type Notifier interface {
	Publish(serverID string, u live.Update)
	CloseServer(serverID string, reason string)
}

// pendingDial queues concurrent GetOrCreate callers behind the single
// in-flight handshake for a server, upholding the one-connection invariant.
type pendingDial struct {
	done chan struct{}
	conn *Connection
	err  error
}

type Registry struct {
	cfg      config.RelayConfig
	dialer   gbx.Dialer
	resolver Resolver
	notifier Notifier

	mu    sync.Mutex
	conns map[string]*Connection
	dials map[string]*pendingDial

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func New(cfg config.RelayConfig, resolver Resolver, dialer gbx.Dialer) *Registry {
	return &Registry{
		cfg:      cfg,
		dialer:   dialer,
		resolver: resolver,
		conns:    make(map[string]*Connection),
		dials:    make(map[string]*pendingDial),
	}
}

// SetNotifier wires the subscription hub in. Must be called before Start.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
}

// Shutdown stops every connection and rejects further GetOrCreate calls.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.started = false
	conns := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		c.stop()
	}
}

// GetOrCreate returns the live connection for serverID, establishing one if
// none exists. Callers own one reference and must pair the call with
// Release. Concurrent callers for the same ID queue behind a single
// handshake attempt; handshake failures are returned without retry — retry
// policy belongs to the caller.
func (r *Registry) GetOrCreate(ctx context.Context, serverID string) (*Connection, error) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	if c, ok := r.conns[serverID]; ok {
		r.addRefLocked(c)
		r.mu.Unlock()
		return c, nil
	}
	if pd, ok := r.dials[serverID]; ok {
		r.mu.Unlock()
		return r.awaitDial(ctx, pd)
	}
	pd := &pendingDial{done: make(chan struct{})}
	r.dials[serverID] = pd
	runCtx := r.ctx
	r.mu.Unlock()

	conn, err := r.dial(ctx, runCtx, serverID)

	r.mu.Lock()
	delete(r.dials, serverID)
	pd.conn, pd.err = conn, err
	if err == nil {
		r.conns[serverID] = conn
		r.addRefLocked(conn)
	}
	r.mu.Unlock()
	close(pd.done)

	return conn, err
}

func (r *Registry) awaitDial(ctx context.Context, pd *pendingDial) (*Connection, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for handshake: %v", gbx.ErrTimeout, ctx.Err())
	case <-pd.done:
	}
	if pd.err != nil {
		return nil, pd.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[pd.conn.identity.ID] != pd.conn {
		// Torn down between handshake completion and our wakeup.
		return nil, gbx.ErrClosed
	}
	r.addRefLocked(pd.conn)
	return pd.conn, nil
}

// dial performs the handshake and initial state query for a new
// connection. runCtx outlives the caller: the connection's callback loop is
// bound to the registry lifecycle, not to whichever subscriber got here
// first.
func (r *Registry) dial(ctx, runCtx context.Context, serverID string) (*Connection, error) {
	identity, err := r.resolver.Resolve(serverID)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()

	client, err := r.dialer.Dial(hctx, identity)
	if err != nil {
		if hctx.Err() != nil && !errors.Is(err, gbx.ErrTimeout) && !errors.Is(err, gbx.ErrAuthFailed) {
			err = fmt.Errorf("%w: %v", gbx.ErrTimeout, err)
		}
		return nil, err
	}

	conn := newConnection(r, identity, client)
	if err := conn.refreshLiveInfo(hctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("initial state query: %w", err)
	}
	conn.setState(StateReady)
	loopCtx, loopCancel := context.WithCancel(runCtx)
	conn.cancel = loopCancel
	go conn.run(loopCtx)

	log.Printf("[%s] connected to %s:%d", serverID, identity.Host, identity.Port)
	return conn, nil
}

// Release drops one subscriber reference. At zero the connection is not
// closed immediately: an idle timer absorbs rapid re-subscribes such as a
// dashboard page navigation.
func (r *Registry) Release(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[serverID]
	if !ok {
		return
	}
	if c.refs > 0 {
		c.refs--
	}
	if c.refs == 0 && c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(r.cfg.IdleTeardown, func() {
			r.idleExpired(serverID)
		})
	}
}

func (r *Registry) idleExpired(serverID string) {
	r.mu.Lock()
	c, ok := r.conns[serverID]
	if !ok || c.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.conns, serverID)
	r.mu.Unlock()

	log.Printf("[%s] idle timeout, closing connection", serverID)
	c.stop()
}

// ForceClose tears a connection down now: administrative removal or
// credential rotation. Every bound subscription is closed with a
// serverRemoved reason before the connection's resources are released.
func (r *Registry) ForceClose(serverID string) {
	r.mu.Lock()
	c, ok := r.conns[serverID]
	delete(r.conns, serverID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.notifier != nil {
		r.notifier.CloseServer(serverID, ReasonServerRemoved)
	}
	c.stop()
}

// removeFailed is the terminal path for unrecoverable AuthFailed during
// reconnect. Called from the connection's own goroutine; must not wait for
// it.
func (r *Registry) removeFailed(c *Connection, reason string) {
	r.mu.Lock()
	if r.conns[c.identity.ID] == c {
		delete(r.conns, c.identity.ID)
	}
	r.mu.Unlock()
	if r.notifier != nil {
		r.notifier.CloseServer(c.identity.ID, reason)
	}
}

// Call issues an administrative RPC through the server's single shared
// connection, creating one if needed. The reference is held only for the
// duration of the call.
func (r *Registry) Call(ctx context.Context, serverID, method string, args ...any) (any, error) {
	c, err := r.GetOrCreate(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer r.Release(serverID)
	return c.Call(ctx, method, args...)
}

// SubscriberCount reports the current reference count for a server, zero
// when no connection exists.
func (r *Registry) SubscriberCount(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[serverID]; ok {
		return c.refs
	}
	return 0
}

// Status is one connection's summary for the REST surface.
type Status struct {
	ServerID           string    `json:"serverId"`
	State              string    `json:"state"`
	Subscribers        int       `json:"subscribers"`
	LastTraffic        time.Time `json:"lastTraffic"`
	UnknownCallbacks   uint64    `json:"unknownCallbacks"`
	MalformedCallbacks uint64    `json:"malformedCallbacks"`
}

func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, Status{
			ServerID:           id,
			State:              c.State().String(),
			Subscribers:        c.refs,
			LastTraffic:        c.LastTraffic(),
			UnknownCallbacks:   c.norm.UnknownCount(),
			MalformedCallbacks: c.norm.MalformedCount(),
		})
	}
	return out
}

// addRefLocked increments the reference count and cancels any pending idle
// teardown. Caller holds r.mu.
func (r *Registry) addRefLocked(c *Connection) {
	c.refs++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}
