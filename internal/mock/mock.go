// Package mock provides scripted fake game servers for development: a
// Dialer whose sessions emit plausible callback sequences (warm-up, rounds,
// checkpoints, finishes, joins and leaves) without a real dedicated server.
package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/tmpanel/relay/internal/gbx"
)

type mockPlayer struct {
	login   string
	name    string
	team    int
	paceMs  int // base time to first checkpoint
	dnfOdds float64
}

var roster = []mockPlayer{
	{login: "speedfreak", name: "SpeedFreak", team: 0, paceMs: 9500, dnfOdds: 0.05},
	{login: "drifter", name: "Drifter", team: 0, paceMs: 10200, dnfOdds: 0.10},
	{login: "wallbanger", name: "WallBanger", team: 1, paceMs: 11000, dnfOdds: 0.25},
	{login: "rookie42", name: "Rookie42", team: 1, paceMs: 12500, dnfOdds: 0.15},
}

var maps = []struct{ uid, name string }{
	{"mock-map-stadium-a1", "Training A1"},
	{"mock-map-stadium-b3", "Midnight Loop"},
	{"mock-map-stadium-c7", "Full Speed Ahead"},
}

// Resolver accepts any server ID, so mock mode works without a servers
// section in the config.
func Resolver(serverID string) (gbx.ServerIdentity, error) {
	return gbx.ServerIdentity{ID: serverID, Host: "mock", Port: 5000}, nil
}

// Dialer creates scripted sessions.
type Dialer struct {
	// Tick is the delay between scripted callbacks. Defaults to one
	// second; tests shrink it.
	Tick time.Duration
}

func (d *Dialer) Dial(ctx context.Context, identity gbx.ServerIdentity) (gbx.Client, error) {
	tick := d.Tick
	if tick <= 0 {
		tick = time.Second
	}
	s := &session{
		identity:  identity,
		tick:      tick,
		callbacks: make(chan gbx.Callback, 32),
		done:      make(chan struct{}),
		mapIdx:    rand.Intn(len(maps)),
	}
	go s.script()
	return s, nil
}

// session implements gbx.Client with a scripted event loop.
type session struct {
	identity  gbx.ServerIdentity
	tick      time.Duration
	callbacks chan gbx.Callback

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	mapIdx int
}

func (s *session) Call(ctx context.Context, method string, args ...any) (any, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, gbx.ErrClosed
	}

	switch method {
	case "GetCurrentMapInfo":
		m := maps[s.mapIdx]
		return map[string]any{"UId": m.uid, "Name": m.name}, nil
	case "GetPlayerList":
		list := make([]any, 0, len(roster))
		for _, p := range roster {
			list = append(list, map[string]any{
				"Login":           p.login,
				"NickName":        p.name,
				"TeamId":          p.team,
				"SpectatorStatus": 0,
			})
		}
		return list, nil
	default:
		return true, nil
	}
}

func (s *session) Callbacks() <-chan gbx.Callback {
	return s.callbacks
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// emit pushes one callback, or reports false when the session is closed.
func (s *session) emit(method string, args ...any) bool {
	cb := gbx.Callback{Method: method, Args: args, At: time.Now()}
	select {
	case s.callbacks <- cb:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) sleep() bool {
	select {
	case <-time.After(s.tick):
		return true
	case <-s.done:
		return false
	}
}

// script drives an endless match: a short warm-up, then rounds of racing
// with a map rotation every few rounds.
func (s *session) script() {
	defer close(s.callbacks)

	if !s.emit("ManiaPlanet.BeginMatch") {
		return
	}

	for {
		// Warm-up bracket.
		if !s.emit("Trackmania.WarmUp.Start") || !s.sleep() {
			return
		}
		for wr := 0; wr < 2; wr++ {
			if !s.emit("Trackmania.WarmUp.StartRound") || !s.sleep() {
				return
			}
			if !s.round(true) {
				return
			}
		}
		if !s.emit("Trackmania.WarmUp.End") || !s.sleep() {
			return
		}

		// Racing rounds, then rotate the map.
		for r := 0; r < 4; r++ {
			if !s.emit("ManiaPlanet.BeginRound") || !s.sleep() {
				return
			}
			if !s.round(false) {
				return
			}
			if !s.emit("ManiaPlanet.EndRound") || !s.sleep() {
				return
			}
		}

		old := maps[s.mapIdx]
		if !s.emit("ManiaPlanet.EndMap", map[string]any{"UId": old.uid}) || !s.sleep() {
			return
		}
		s.mapIdx = (s.mapIdx + 1) % len(maps)
		next := maps[s.mapIdx]
		if !s.emit("ManiaPlanet.BeginMap", map[string]any{"UId": next.uid, "Name": next.name}) || !s.sleep() {
			return
		}
	}
}

// round plays every player through three checkpoints and a finish, with
// the occasional give-up and personal best.
func (s *session) round(warmUp bool) bool {
	gaveUp := make(map[string]bool, len(roster))
	for cp := 0; cp < 3; cp++ {
		for _, p := range roster {
			if gaveUp[p.login] {
				continue
			}
			if cp == 0 && rand.Float64() < p.dnfOdds {
				gaveUp[p.login] = true
				if !s.emit("Trackmania.Event.GiveUp", map[string]any{"login": p.login}) {
					return false
				}
				continue
			}
			racetime := p.paceMs*(cp+1) + rand.Intn(800)
			if !s.emit("Trackmania.Event.WayPoint", map[string]any{
				"login":            p.login,
				"racetime":         racetime,
				"checkpointinrace": cp,
				"isendrace":        false,
			}) {
				return false
			}
		}
		if !s.sleep() {
			return false
		}
	}

	for _, p := range roster {
		if gaveUp[p.login] {
			continue
		}
		finish := p.paceMs*4 + rand.Intn(1500)
		if !s.emit("Trackmania.Event.WayPoint", map[string]any{
			"login":            p.login,
			"racetime":         finish,
			"checkpointinrace": 3,
			"isendrace":        true,
		}) {
			return false
		}
		if !warmUp && rand.Float64() < 0.3 {
			if !s.emit("Trackmania.Event.Record", map[string]any{
				"login":    p.login,
				"racetime": finish,
			}) {
				return false
			}
		}
	}
	return s.sleep()
}
