package live

import (
	"encoding/json"
	"time"
)

// Phase is the match phase of one server.
type Phase int

const (
	Idle Phase = iota
	WarmUp
	Racing
	Finished
)

var phaseNames = map[Phase]string{
	Idle:     "idle",
	WarmUp:   "warmUp",
	Racing:   "racing",
	Finished: "finished",
}

var phaseFromName = map[string]Phase{
	"idle":     Idle,
	"warmUp":   WarmUp,
	"racing":   Racing,
	"finished": Finished,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

// PlayerSession is one player's presence on a server.
type PlayerSession struct {
	Login       string    `json:"login"`
	DisplayName string    `json:"displayName"`
	TeamID      int       `json:"teamId"`
	Spectator   bool      `json:"spectator"`
	BestTimeMs  int       `json:"bestTimeMs,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// CheckpointTime is one checkpoint crossing within a round.
type CheckpointTime struct {
	Index      int `json:"index"`
	RaceTimeMs int `json:"raceTimeMs"`
}

// RoundEntry is one player's progress through the active round.
type RoundEntry struct {
	Login       string           `json:"login"`
	Checkpoints []CheckpointTime `json:"checkpoints,omitempty"`
	FinishMs    int              `json:"finishMs,omitempty"`
	GaveUp      bool             `json:"gaveUp,omitempty"`
	Eliminated  bool             `json:"eliminated,omitempty"`
}

func (e *RoundEntry) clone() *RoundEntry {
	c := *e
	if len(e.Checkpoints) > 0 {
		c.Checkpoints = make([]CheckpointTime, len(e.Checkpoints))
		copy(c.Checkpoints, e.Checkpoints)
	}
	return &c
}

// ActiveRound is the working state of the round in progress. Entries from
// one round never carry over into the next.
type ActiveRound struct {
	StartedAt time.Time              `json:"startedAt"`
	WarmUp    bool                   `json:"warmUp,omitempty"`
	Entries   map[string]*RoundEntry `json:"entries"`
}

func newActiveRound(at time.Time, warmUp bool) *ActiveRound {
	return &ActiveRound{
		StartedAt: at,
		WarmUp:    warmUp,
		Entries:   make(map[string]*RoundEntry),
	}
}

// Clone returns a deep copy safe to hand to subscribers.
func (r *ActiveRound) Clone() *ActiveRound {
	if r == nil {
		return nil
	}
	c := &ActiveRound{
		StartedAt: r.StartedAt,
		WarmUp:    r.WarmUp,
		Entries:   make(map[string]*RoundEntry, len(r.Entries)),
	}
	for login, e := range r.Entries {
		c.Entries[login] = e.clone()
	}
	return c
}

// LiveInfo is the per-server live state snapshot. The aggregator owns the
// authoritative copy; everything published outward is a deep copy.
type LiveInfo struct {
	ServerID     string                    `json:"serverId"`
	MapUID       string                    `json:"mapUid"`
	MapName      string                    `json:"mapName,omitempty"`
	Phase        Phase                     `json:"phase"`
	Players      map[string]*PlayerSession `json:"players"`
	Round        *ActiveRound              `json:"round,omitempty"`
	RoundHistory []*ActiveRound            `json:"roundHistory,omitempty"`
	Settings     map[string]any            `json:"settings,omitempty"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (l *LiveInfo) Clone() *LiveInfo {
	c := *l
	c.Players = make(map[string]*PlayerSession, len(l.Players))
	for login, p := range l.Players {
		pc := *p
		c.Players[login] = &pc
	}
	c.Round = l.Round.Clone()
	if len(l.RoundHistory) > 0 {
		c.RoundHistory = make([]*ActiveRound, len(l.RoundHistory))
		for i, r := range l.RoundHistory {
			c.RoundHistory[i] = r.Clone()
		}
	}
	if len(l.Settings) > 0 {
		c.Settings = make(map[string]any, len(l.Settings))
		for k, v := range l.Settings {
			c.Settings[k] = v
		}
	}
	return &c
}
