package live

import (
	"log"
	"sync"
	"time"
)

// Aggregator maintains the authoritative LiveInfo for one server. Events
// are applied from the connection's callback loop only, which serializes
// them; the mutex exists so Snapshot can be taken from other goroutines.
//
// Phase transitions are advisory bookkeeping. The protocol does not order
// independent player actions against phase callbacks, so an event that
// arrives "out of phase" is applied best-effort and logged, never dropped —
// dropping would desynchronize dashboards from server reality.
type Aggregator struct {
	mu           sync.Mutex
	info         *LiveInfo
	historyLimit int
}

func NewAggregator(serverID string, historyLimit int) *Aggregator {
	if historyLimit <= 0 {
		historyLimit = 32
	}
	return &Aggregator{
		info: &LiveInfo{
			ServerID: serverID,
			Phase:    Idle,
			Players:  make(map[string]*PlayerSession),
		},
		historyLimit: historyLimit,
	}
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregator) Snapshot() *LiveInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info.Clone()
}

// Bootstrap replaces the state with the result of a fresh protocol query
// (current map + player list). Called whenever the connection transitions
// into Ready, since no event history exists before the connection did.
func (a *Aggregator) Bootstrap(mapUID, mapName string, players []PlayerSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := &LiveInfo{
		ServerID:  a.info.ServerID,
		MapUID:    mapUID,
		MapName:   mapName,
		Phase:     Idle,
		Players:   make(map[string]*PlayerSession, len(players)),
		UpdatedAt: time.Now(),
	}
	for i := range players {
		p := players[i]
		if p.ConnectedAt.IsZero() {
			p.ConnectedAt = info.UpdatedAt
		}
		info.Players[p.Login] = &p
	}
	a.info = info
}

// Apply folds one event into the state and returns the typed deltas to fan
// out. Data in the returned updates is always copied.
func (a *Aggregator) Apply(ev DomainEvent) []Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	info := a.info
	info.UpdatedAt = ev.At

	switch ev.Kind {
	case BeginMatch:
		info.Phase = Idle
		info.Round = nil
		info.RoundHistory = nil
		return []Update{{Type: MsgBeginMatch, Data: a.mapDelta()}}

	case EndMatch:
		info.Phase = Finished
		a.archiveRound()
		return []Update{{Type: MsgEndMatch, Data: a.mapDelta()}}

	case BeginMap:
		info.MapUID = ev.MapUID
		info.MapName = ev.MapName
		info.Phase = Idle
		info.Round = nil
		info.RoundHistory = nil
		return []Update{{Type: MsgBeginMap, Data: a.mapDelta()}}

	case EndMap:
		// Per-map state goes; the roster stays — players don't leave the
		// server just because the map changed.
		info.Phase = Idle
		info.Round = nil
		info.RoundHistory = nil
		for _, p := range info.Players {
			p.BestTimeMs = 0
		}
		return []Update{{Type: MsgEndMap, Data: a.mapDelta()}}

	case WarmUpStart:
		info.Phase = WarmUp
		info.Round = newActiveRound(ev.At, true)
		return []Update{{Type: MsgWarmUpStart, Data: a.mapDelta()}}

	case WarmUpStartRound:
		// Fresh per-round bookkeeping, roster untouched.
		if info.Phase != WarmUp {
			log.Printf("[%s] warmUpStartRound outside warm-up (phase=%s)", info.ServerID, info.Phase)
			info.Phase = WarmUp
		}
		info.Round = newActiveRound(ev.At, true)
		return []Update{{Type: MsgWarmUpStartRound, Data: info.Round.Clone()}}

	case WarmUpEnd:
		info.Phase = Idle
		info.Round = nil
		return []Update{{Type: MsgWarmUpEnd, Data: a.mapDelta()}}

	case BeginRound:
		// A missed EndRound must not discard the previous round's data;
		// archive it as if the bracket had closed.
		if info.Round != nil {
			log.Printf("[%s] beginRound with a round still active, archiving it", info.ServerID)
			a.archiveRound()
		}
		info.Phase = Racing
		info.Round = newActiveRound(ev.At, false)
		return []Update{{Type: MsgBeginRound, Data: info.Round.Clone()}}

	case EndRound:
		archived := a.archiveRound()
		if archived == nil {
			log.Printf("[%s] endRound with no active round", info.ServerID)
			return []Update{{Type: MsgEndRound}}
		}
		return []Update{{Type: MsgEndRound, Data: archived.Clone()}}

	case Checkpoint:
		entry := a.roundEntry(ev)
		entry.Checkpoints = append(entry.Checkpoints, CheckpointTime{
			Index:      ev.CheckpointIndex,
			RaceTimeMs: ev.RaceTimeMs,
		})
		return []Update{{Type: MsgCheckpoint, Data: RoundDelta{
			Login:           ev.Login,
			CheckpointIndex: ev.CheckpointIndex,
			RaceTimeMs:      ev.RaceTimeMs,
		}}}

	case Finish:
		entry := a.roundEntry(ev)
		entry.FinishMs = ev.RaceTimeMs
		return []Update{{Type: MsgFinish, Data: RoundDelta{
			Login:      ev.Login,
			RaceTimeMs: ev.RaceTimeMs,
		}}}

	case GiveUp:
		// Abandoned, but the entry stays in the round.
		entry := a.roundEntry(ev)
		entry.GaveUp = true
		return []Update{{Type: MsgGiveUp, Data: RoundDelta{Login: ev.Login}}}

	case PersonalBest:
		// Best-time record only; round state is untouched.
		p := a.playerSession(ev)
		if p.BestTimeMs == 0 || ev.RaceTimeMs < p.BestTimeMs {
			p.BestTimeMs = ev.RaceTimeMs
		}
		return []Update{{Type: MsgPersonalBest, Data: RoundDelta{
			Login:      ev.Login,
			BestTimeMs: p.BestTimeMs,
		}}}

	case Elimination:
		entry := a.roundEntry(ev)
		entry.Eliminated = true
		return []Update{{Type: MsgElimination, Data: RoundDelta{Login: ev.Login}}}

	case PlayerConnect:
		p := &PlayerSession{
			Login:       ev.Login,
			DisplayName: ev.DisplayName,
			Spectator:   ev.Spectator,
			ConnectedAt: ev.At,
		}
		info.Players[ev.Login] = p
		// A rejoining login starts clean; the previous session's round data
		// must not resurrect.
		if info.Round != nil {
			delete(info.Round.Entries, ev.Login)
		}
		pc := *p
		return []Update{{Type: MsgPlayerConnect, Data: &pc}}

	case PlayerDisconnect:
		delete(info.Players, ev.Login)
		// The round entry stays: rounds archive whatever was recorded.
		return []Update{{Type: MsgPlayerDisconnect, Data: PlayerLeft{Login: ev.Login}}}

	case PlayerInfoChanged:
		p := a.playerSession(ev)
		if ev.DisplayName != "" {
			p.DisplayName = ev.DisplayName
		}
		p.TeamID = ev.TeamID
		p.Spectator = ev.Spectator
		pc := *p
		return []Update{{Type: MsgPlayerInfoChanged, Data: &pc}}

	case SettingsUpdated:
		info.Settings = ev.Settings
		settings := make(map[string]any, len(ev.Settings))
		for k, v := range ev.Settings {
			settings[k] = v
		}
		return []Update{{Type: MsgUpdatedSettings, Data: settings}}
	}

	log.Printf("[%s] unhandled event kind %d", info.ServerID, ev.Kind)
	return nil
}

func (a *Aggregator) mapDelta() MapDelta {
	return MapDelta{
		MapUID:  a.info.MapUID,
		MapName: a.info.MapName,
		Phase:   a.info.Phase,
	}
}

// archiveRound moves the active round into history and clears the working
// copy. Returns the archived round, or nil when there was none.
func (a *Aggregator) archiveRound() *ActiveRound {
	info := a.info
	if info.Round == nil {
		return nil
	}
	archived := info.Round
	info.RoundHistory = append(info.RoundHistory, archived)
	if len(info.RoundHistory) > a.historyLimit {
		info.RoundHistory = info.RoundHistory[len(info.RoundHistory)-a.historyLimit:]
	}
	info.Round = nil
	return archived
}

// roundEntry returns the round entry for the event's login, creating the
// round and entry when the event arrived ahead of its phase bracket.
func (a *Aggregator) roundEntry(ev DomainEvent) *RoundEntry {
	info := a.info
	if info.Round == nil {
		log.Printf("[%s] %s for %s with no active round, starting one", info.ServerID, ev.Kind, ev.Login)
		info.Round = newActiveRound(ev.At, info.Phase == WarmUp)
		if info.Phase == Idle {
			info.Phase = Racing
		}
	}
	entry, ok := info.Round.Entries[ev.Login]
	if !ok {
		entry = &RoundEntry{Login: ev.Login}
		info.Round.Entries[ev.Login] = entry
	}
	return entry
}

// playerSession returns the session for the event's login, creating a
// placeholder when the roster hasn't seen the login yet.
func (a *Aggregator) playerSession(ev DomainEvent) *PlayerSession {
	info := a.info
	p, ok := info.Players[ev.Login]
	if !ok {
		log.Printf("[%s] %s for unknown player %s, creating session", info.ServerID, ev.Kind, ev.Login)
		p = &PlayerSession{Login: ev.Login, ConnectedAt: ev.At}
		info.Players[ev.Login] = p
	}
	return p
}
