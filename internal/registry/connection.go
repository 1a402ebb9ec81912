package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/tmpanel/relay/internal/gbx"
	"github.com/tmpanel/relay/internal/live"
)

// State is the lifecycle state of one connection.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDegraded
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting: "connecting",
	StateReady:      "ready",
	StateDegraded:   "degraded",
	StateClosed:     "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Connection wraps one authenticated session to a dedicated server. The
// registry owns it exclusively; other components hold a reference no longer
// than a single call. Its callback loop normalizes events, applies them to
// the aggregator, and publishes the resulting deltas.
type Connection struct {
	reg      *Registry
	identity gbx.ServerIdentity

	agg  *live.Aggregator
	norm *live.Normalizer

	mu          sync.Mutex
	client      gbx.Client
	state       State
	lastTraffic time.Time

	// refs and idleTimer are guarded by the registry's mutex.
	refs      int
	idleTimer *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

func newConnection(r *Registry, identity gbx.ServerIdentity, client gbx.Client) *Connection {
	return &Connection{
		reg:         r,
		identity:    identity,
		agg:         live.NewAggregator(identity.ID, r.cfg.RoundHistory),
		norm:        live.NewNormalizer(),
		client:      client,
		state:       StateConnecting,
		lastTraffic: time.Now(),
		done:        make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.identity.ID }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) LastTraffic() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTraffic
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastTraffic = time.Now()
	c.mu.Unlock()
}

func (c *Connection) currentClient() gbx.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Snapshot returns a deep copy of the server's live state.
func (c *Connection) Snapshot() *live.LiveInfo {
	return c.agg.Snapshot()
}

// Call proxies a synchronous RPC to the server and counts it as traffic for
// the watchdog.
func (c *Connection) Call(ctx context.Context, method string, args ...any) (any, error) {
	res, err := c.currentClient().Call(ctx, method, args...)
	if err == nil {
		c.touch()
	}
	return res, err
}

// stop cancels the callback loop and waits for it to exit.
func (c *Connection) stop() {
	c.mu.Lock()
	c.state = StateClosed
	cancel := c.cancel
	client := c.client
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if cancel != nil {
		cancel()
		<-c.done
	}
}

// run is the connection's callback loop: one goroutine per live connection,
// independent of every other server's loop. A stall here never blocks
// another server's subscribers.
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	interval := c.reg.cfg.WatchdogInterval
	watchdog := time.NewTicker(interval / 2)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			c.currentClient().Close()
			return

		case cb, ok := <-c.currentClient().Callbacks():
			if !ok {
				// Session died under us.
				if !c.reconnect(ctx, "connection lost") {
					return
				}
				continue
			}
			c.touch()
			ev, ok := c.norm.Normalize(cb.Method, cb.Args)
			if !ok {
				continue
			}
			for _, u := range c.agg.Apply(ev) {
				c.reg.notifier.Publish(c.identity.ID, u)
			}

		case <-watchdog.C:
			if time.Since(c.LastTraffic()) > interval {
				if !c.reconnect(ctx, "no traffic past watchdog interval") {
					return
				}
			}
		}
	}
}

// reconnect marks the connection Degraded and retries the handshake with
// exponential backoff and jitter. The aggregator keeps its last known state
// while degraded — stale but available — and subscribers are told so. On
// success the live state is rebuilt from a fresh query and a new snapshot
// goes out. Returns false when the loop should exit (cancelled, or fatal
// auth failure).
func (c *Connection) reconnect(ctx context.Context, reason string) bool {
	if c.State() == StateClosed {
		return false
	}
	log.Printf("[%s] degraded: %s", c.identity.ID, reason)
	c.setState(StateDegraded)
	c.currentClient().Close()
	c.reg.notifier.Publish(c.identity.ID, live.Update{
		Type: live.MsgConnectionDegraded,
		Data: live.DegradedNotice{Reason: reason},
	})

	backoff := c.reg.cfg.ReconnectMin
	for {
		hctx, hcancel := context.WithTimeout(ctx, c.reg.cfg.HandshakeTimeout)
		client, err := c.reg.dialer.Dial(hctx, c.identity)
		hcancel()

		switch {
		case err == nil:
			refreshCtx, rcancel := context.WithTimeout(ctx, c.reg.cfg.HandshakeTimeout)
			c.mu.Lock()
			c.client = client
			c.mu.Unlock()
			rerr := c.refreshLiveInfo(refreshCtx)
			rcancel()
			if rerr != nil {
				log.Printf("[%s] reconnected but state query failed: %v", c.identity.ID, rerr)
				client.Close()
				break
			}
			c.touch()
			c.setState(StateReady)
			log.Printf("[%s] reconnected", c.identity.ID)
			c.reg.notifier.Publish(c.identity.ID, live.Update{
				Type: live.MsgSnapshot,
				Data: c.agg.Snapshot(),
			})
			return true

		case errors.Is(err, gbx.ErrAuthFailed):
			// Bad credentials don't fix themselves; retrying forever would
			// just hammer the server. Terminal for this connection.
			log.Printf("[%s] reconnect failed permanently: %v", c.identity.ID, err)
			c.setState(StateClosed)
			c.reg.removeFailed(c, ReasonAuthFailed)
			return false

		case ctx.Err() != nil:
			return false

		default:
			log.Printf("[%s] reconnect attempt failed: %v", c.identity.ID, err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > c.reg.cfg.ReconnectMax {
			backoff = c.reg.cfg.ReconnectMax
		}
	}
}

// jitter spreads a backoff interval by ±20% so reconnecting servers don't
// synchronize their attempts.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// refreshLiveInfo rebuilds the aggregator state from a fresh protocol
// query. LiveInfo has no history before the session existed, so this runs
// on every transition into Ready.
func (c *Connection) refreshLiveInfo(ctx context.Context) error {
	client := c.currentClient()

	mapRes, err := client.Call(ctx, "GetCurrentMapInfo")
	if err != nil {
		return fmt.Errorf("current map: %w", err)
	}
	var mapUID, mapName string
	if m, ok := mapRes.(map[string]any); ok {
		mapUID, _ = m["UId"].(string)
		mapName, _ = m["Name"].(string)
	}

	listRes, err := client.Call(ctx, "GetPlayerList", 200, 0)
	if err != nil {
		return fmt.Errorf("player list: %w", err)
	}
	var players []live.PlayerSession
	if list, ok := listRes.([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			login, _ := m["Login"].(string)
			if login == "" {
				continue
			}
			p := live.PlayerSession{Login: login}
			p.DisplayName, _ = m["NickName"].(string)
			if team, ok := m["TeamId"].(int); ok {
				p.TeamID = team
			}
			if spec, ok := m["SpectatorStatus"].(int); ok {
				p.Spectator = spec != 0
			}
			players = append(players, p)
		}
	}

	c.agg.Bootstrap(mapUID, mapName, players)
	return nil
}
