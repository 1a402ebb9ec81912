package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tmpanel/relay/internal/config"
	"github.com/tmpanel/relay/internal/gbx"
	"github.com/tmpanel/relay/internal/live"
	"github.com/tmpanel/relay/internal/registry"
)

type fakeClient struct {
	mu        sync.Mutex
	closed    bool
	callbacks chan gbx.Callback
}

func newFakeClient() *fakeClient {
	return &fakeClient{callbacks: make(chan gbx.Callback, 16)}
}

func (c *fakeClient) Call(ctx context.Context, method string, args ...any) (any, error) {
	switch method {
	case "GetCurrentMapInfo":
		return map[string]any{"UId": "m1", "Name": "Training A1"}, nil
	case "GetPlayerList":
		return []any{
			map[string]any{"Login": "p1", "NickName": "One", "TeamId": 0, "SpectatorStatus": 0},
		}, nil
	}
	return true, nil
}

func (c *fakeClient) Callbacks() <-chan gbx.Callback { return c.callbacks }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.callbacks)
	}
	return nil
}

func (c *fakeClient) push(method string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.callbacks <- gbx.Callback{Method: method, Args: args, At: time.Now()}
	}
}

type countingDialer struct {
	mu      sync.Mutex
	dials   int
	clients []*fakeClient
}

func (d *countingDialer) Dial(ctx context.Context, identity gbx.ServerIdentity) (gbx.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	c := newFakeClient()
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *countingDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *countingDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

// newTestHub builds a hub over a real registry backed by the counting
// dialer, wired together the way main does.
func newTestHub(t *testing.T, buffer int) (*Hub, *registry.Registry, *countingDialer) {
	t.Helper()
	cfg := config.RelayConfig{
		HandshakeTimeout: 2 * time.Second,
		IdleTeardown:     time.Minute,
		WatchdogInterval: time.Hour,
		ReconnectMin:     10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		RoundHistory:     8,
	}
	resolver := registry.ResolverFunc(func(serverID string) (gbx.ServerIdentity, error) {
		return gbx.ServerIdentity{ID: serverID, Host: "10.0.0.1", Port: 5000}, nil
	})
	dialer := &countingDialer{}
	reg := registry.New(cfg, resolver, dialer)
	h := New(reg, buffer)
	reg.SetNotifier(h)
	reg.Start(context.Background())
	t.Cleanup(reg.Shutdown)
	return h, reg, dialer
}

func recv(t *testing.T, c <-chan live.Update, timeout time.Duration) live.Update {
	t.Helper()
	select {
	case u, ok := <-c:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return u
	case <-time.After(timeout):
		t.Fatal("timed out waiting for update")
		return live.Update{}
	}
}

func TestScopeAllows(t *testing.T) {
	tests := []struct {
		name     string
		scope    Scope
		serverID string
		want     bool
	}{
		{"ExactMatch", Scope{"tm-eu-1"}, "tm-eu-1", true},
		{"NotListed", Scope{"tm-eu-1"}, "tm-eu-2", false},
		{"Wildcard", Scope{"*"}, "anything", true},
		{"Empty", Scope{}, "tm-eu-1", false},
		{"Nil", nil, "tm-eu-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.Allows(tt.serverID); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.serverID, got, tt.want)
			}
		})
	}
}

func TestUnauthorizedSubscribeNeverTouchesRegistry(t *testing.T) {
	h, _, dialer := newTestHub(t, 8)

	_, _, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"tm-eu-2"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error: got %v", err)
	}
	if got := dialer.dialCount(); got != 0 {
		t.Errorf("unauthorized subscribe dialed %d times", got)
	}
}

func TestSubscribeDeliversSnapshotThenEvents(t *testing.T) {
	h, _, dialer := newTestHub(t, 8)

	snap, sub, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"*"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(sub)

	if snap.MapUID != "m1" {
		t.Errorf("snapshot map: got %q", snap.MapUID)
	}
	if _, ok := snap.Players["p1"]; !ok {
		t.Errorf("snapshot roster: %v", snap.Players)
	}

	dialer.client(0).push("ManiaPlanet.PlayerConnect", "p2", false)
	u := recv(t, sub.C, 2*time.Second)
	if u.Type != live.MsgPlayerConnect {
		t.Fatalf("update type: got %s", u.Type)
	}
}

func TestSecondSubscriberSharesConnection(t *testing.T) {
	h, reg, dialer := newTestHub(t, 8)

	_, sub1, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"*"})
	if err != nil {
		t.Fatal(err)
	}
	_, sub2, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"tm-eu-1"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(sub1)
	defer h.Unsubscribe(sub2)

	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dial count: got %d, want 1", got)
	}
	if got := reg.SubscriberCount("tm-eu-1"); got != 2 {
		t.Errorf("registry refs: got %d, want 2", got)
	}

	// Both queues see the same event.
	dialer.client(0).push("ManiaPlanet.PlayerConnect", "p2", false)
	for _, sub := range []*Subscription{sub1, sub2} {
		if u := recv(t, sub.C, 2*time.Second); u.Type != live.MsgPlayerConnect {
			t.Fatalf("update type: got %s", u.Type)
		}
	}
}

func TestSlowSubscriberOverflowsToResync(t *testing.T) {
	h, _, _ := newTestHub(t, 2)

	_, slow, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"*"})
	if err != nil {
		t.Fatal(err)
	}
	_, fast, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"*"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Unsubscribe(slow)
	defer h.Unsubscribe(fast)

	// Publish more than the slow queue holds without draining it. The fast
	// subscriber consumes as it goes and must see every update in order.
	got := make([]live.Update, 0, 5)
	for i := 0; i < 5; i++ {
		h.Publish("tm-eu-1", live.Update{
			Type: live.MsgCheckpoint,
			Data: live.RoundDelta{Login: "p1", CheckpointIndex: i},
		})
		got = append(got, recv(t, fast.C, time.Second))
	}
	for i, u := range got {
		if u.Type != live.MsgCheckpoint {
			t.Fatalf("fast update %d: got %s", i, u.Type)
		}
		if d := u.Data.(live.RoundDelta); d.CheckpointIndex != i {
			t.Fatalf("fast update %d out of order: checkpoint %d", i, d.CheckpointIndex)
		}
	}

	// The slow queue was drained on overflow and now leads with the resync
	// marker telling the client to re-fetch a snapshot.
	if u := recv(t, slow.C, time.Second); u.Type != live.MsgResync {
		t.Fatalf("slow update: got %s, want %s", u.Type, live.MsgResync)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h, reg, _ := newTestHub(t, 8)

	_, sub, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"*"})
	if err != nil {
		t.Fatal(err)
	}

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	h.Unsubscribe(nil)

	if got := h.SubscriberCount("tm-eu-1"); got != 0 {
		t.Errorf("hub subscribers: got %d", got)
	}
	// The reference must be dropped exactly once.
	if got := reg.SubscriberCount("tm-eu-1"); got != 0 {
		t.Errorf("registry refs: got %d", got)
	}

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestCloseServerDeliversTerminalMessage(t *testing.T) {
	h, _, _ := newTestHub(t, 8)

	_, sub1, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"*"})
	if err != nil {
		t.Fatal(err)
	}
	_, sub2, err := h.Subscribe(context.Background(), "tm-eu-1", Scope{"*"})
	if err != nil {
		t.Fatal(err)
	}

	h.CloseServer("tm-eu-1", "serverRemoved")

	for _, sub := range []*Subscription{sub1, sub2} {
		u := recv(t, sub.C, time.Second)
		if u.Type != live.MsgServerRemoved {
			t.Fatalf("final message: got %s", u.Type)
		}
		if n := u.Data.(live.RemovedNotice); n.Reason != "serverRemoved" {
			t.Errorf("reason: got %q", n.Reason)
		}
		if _, ok := <-sub.C; ok {
			t.Error("channel should be closed after CloseServer")
		}
	}
	if got := h.SubscriberCount("tm-eu-1"); got != 0 {
		t.Errorf("hub subscribers: got %d", got)
	}
}

func TestShutdownClosesEverySubscription(t *testing.T) {
	h, _, _ := newTestHub(t, 8)

	subs := make([]*Subscription, 0, 3)
	for _, id := range []string{"tm-eu-1", "tm-eu-1", "tm-eu-2"} {
		_, sub, err := h.Subscribe(context.Background(), id, Scope{"*"})
		if err != nil {
			t.Fatal(err)
		}
		subs = append(subs, sub)
	}

	h.Shutdown()

	for _, sub := range subs {
		select {
		case _, ok := <-sub.C:
			if ok {
				t.Errorf("[%s] expected closed channel", sub.ServerID)
			}
		case <-time.After(time.Second):
			t.Fatalf("[%s] channel not closed by shutdown", sub.ServerID)
		}
	}
	for _, id := range []string{"tm-eu-1", "tm-eu-2"} {
		if got := h.SubscriberCount(id); got != 0 {
			t.Errorf("[%s] subscribers after shutdown: %d", id, got)
		}
	}

	// A straggler unsubscribing after shutdown must be a no-op.
	h.Unsubscribe(subs[0])
}

func TestPublishToServerWithoutSubscribers(t *testing.T) {
	h, _, _ := newTestHub(t, 8)
	// Must not panic or block.
	h.Publish("tm-eu-1", live.Update{Type: live.MsgBeginMatch})
}
