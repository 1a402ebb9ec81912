package live

import (
	"log"
	"sync/atomic"
	"time"
)

// Normalizer converts raw callback payloads into DomainEvents. Unknown
// callback names and malformed payloads are counted and dropped; they never
// abort the callback loop and never reach subscribers as untyped data.
type Normalizer struct {
	unknown   atomic.Uint64
	malformed atomic.Uint64
}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// UnknownCount reports callbacks dropped because their name has no mapping.
func (n *Normalizer) UnknownCount() uint64 { return n.unknown.Load() }

// MalformedCount reports callbacks dropped because a required field was
// missing or the wrong shape.
func (n *Normalizer) MalformedCount() uint64 { return n.malformed.Load() }

// Normalize maps a protocol callback onto the closed DomainEvent set.
// The second return is false when the callback was dropped.
func (n *Normalizer) Normalize(method string, args []any) (DomainEvent, bool) {
	ev := DomainEvent{At: time.Now()}

	switch method {
	case "ManiaPlanet.BeginMatch":
		ev.Kind = BeginMatch
	case "ManiaPlanet.EndMatch":
		ev.Kind = EndMatch
	case "ManiaPlanet.BeginMap":
		ev.Kind = BeginMap
		m, ok := argStruct(args, 0)
		if !ok {
			return n.dropMalformed(method, "missing map struct")
		}
		ev.MapUID, _ = fieldString(m, "UId")
		ev.MapName, _ = fieldString(m, "Name")
		if ev.MapUID == "" {
			return n.dropMalformed(method, "missing UId")
		}
	case "ManiaPlanet.EndMap":
		ev.Kind = EndMap
		if m, ok := argStruct(args, 0); ok {
			ev.MapUID, _ = fieldString(m, "UId")
		}
	case "Trackmania.WarmUp.Start":
		ev.Kind = WarmUpStart
	case "Trackmania.WarmUp.End":
		ev.Kind = WarmUpEnd
	case "Trackmania.WarmUp.StartRound":
		ev.Kind = WarmUpStartRound
	case "ManiaPlanet.BeginRound":
		ev.Kind = BeginRound
	case "ManiaPlanet.EndRound":
		ev.Kind = EndRound
	case "Trackmania.Event.WayPoint":
		m, ok := argStruct(args, 0)
		if !ok {
			return n.dropMalformed(method, "missing waypoint struct")
		}
		login, ok := fieldString(m, "login")
		if !ok || login == "" {
			return n.dropMalformed(method, "missing login")
		}
		ev.Login = login
		ev.RaceTimeMs, _ = fieldInt(m, "racetime")
		ev.CheckpointIndex, _ = fieldInt(m, "checkpointinrace")
		if end, _ := fieldBool(m, "isendrace"); end {
			ev.Kind = Finish
		} else {
			ev.Kind = Checkpoint
		}
	case "Trackmania.Event.GiveUp":
		ev.Kind = GiveUp
		login, ok := loginArg(args)
		if !ok {
			return n.dropMalformed(method, "missing login")
		}
		ev.Login = login
	case "Trackmania.Event.Record":
		ev.Kind = PersonalBest
		m, ok := argStruct(args, 0)
		if !ok {
			return n.dropMalformed(method, "missing record struct")
		}
		login, ok := fieldString(m, "login")
		if !ok || login == "" {
			return n.dropMalformed(method, "missing login")
		}
		ev.Login = login
		ev.RaceTimeMs, _ = fieldInt(m, "racetime")
	case "Trackmania.Event.Eliminated":
		ev.Kind = Elimination
		login, ok := loginArg(args)
		if !ok {
			return n.dropMalformed(method, "missing login")
		}
		ev.Login = login
	case "ManiaPlanet.PlayerConnect":
		ev.Kind = PlayerConnect
		login, ok := argString(args, 0)
		if !ok || login == "" {
			return n.dropMalformed(method, "missing login")
		}
		ev.Login = login
		ev.Spectator, _ = argBool(args, 1)
	case "ManiaPlanet.PlayerDisconnect":
		ev.Kind = PlayerDisconnect
		login, ok := argString(args, 0)
		if !ok || login == "" {
			return n.dropMalformed(method, "missing login")
		}
		ev.Login = login
	case "ManiaPlanet.PlayerInfoChanged":
		ev.Kind = PlayerInfoChanged
		m, ok := argStruct(args, 0)
		if !ok {
			return n.dropMalformed(method, "missing player struct")
		}
		login, ok := fieldString(m, "Login")
		if !ok || login == "" {
			return n.dropMalformed(method, "missing Login")
		}
		ev.Login = login
		ev.DisplayName, _ = fieldString(m, "NickName")
		ev.TeamID, _ = fieldInt(m, "TeamId")
		spec, _ := fieldInt(m, "SpectatorStatus")
		ev.Spectator = spec != 0
	case "ManiaPlanet.ServerSettingsChanged":
		ev.Kind = SettingsUpdated
		if m, ok := argStruct(args, 0); ok {
			ev.Settings = m
		}
	default:
		n.unknown.Add(1)
		return DomainEvent{}, false
	}

	return ev, true
}

func (n *Normalizer) dropMalformed(method, reason string) (DomainEvent, bool) {
	n.malformed.Add(1)
	log.Printf("normalize: malformed %s: %s", method, reason)
	return DomainEvent{}, false
}

// loginArg extracts a login either from a bare string argument or from a
// struct with a "login" member; modes differ in which shape they send.
func loginArg(args []any) (string, bool) {
	if s, ok := argString(args, 0); ok && s != "" {
		return s, true
	}
	if m, ok := argStruct(args, 0); ok {
		if s, ok := fieldString(m, "login"); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func argStruct(args []any, i int) (map[string]any, bool) {
	if i >= len(args) {
		return nil, false
	}
	m, ok := args[i].(map[string]any)
	return m, ok
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argBool(args []any, i int) (bool, bool) {
	if i >= len(args) {
		return false, false
	}
	b, ok := args[i].(bool)
	return b, ok
}

func fieldString(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func fieldInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func fieldBool(m map[string]any, key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}
