package live

import "time"

// EventKind enumerates the closed set of domain events the relay
// understands. Everything else the protocol emits is dropped at the
// normalizer boundary.
type EventKind int

const (
	BeginMatch EventKind = iota
	EndMatch
	BeginMap
	EndMap
	WarmUpStart
	WarmUpEnd
	WarmUpStartRound
	BeginRound
	EndRound
	Checkpoint
	Finish
	GiveUp
	PersonalBest
	Elimination
	PlayerConnect
	PlayerDisconnect
	PlayerInfoChanged
	SettingsUpdated
)

var kindNames = map[EventKind]string{
	BeginMatch:        "beginMatch",
	EndMatch:          "endMatch",
	BeginMap:          "beginMap",
	EndMap:            "endMap",
	WarmUpStart:       "warmUpStart",
	WarmUpEnd:         "warmUpEnd",
	WarmUpStartRound:  "warmUpStartRound",
	BeginRound:        "beginRound",
	EndRound:          "endRound",
	Checkpoint:        "checkpoint",
	Finish:            "finish",
	GiveUp:            "giveUp",
	PersonalBest:      "personalBest",
	Elimination:       "elimination",
	PlayerConnect:     "playerConnect",
	PlayerDisconnect:  "playerDisconnect",
	PlayerInfoChanged: "playerInfoChanged",
	SettingsUpdated:   "updatedSettings",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// DomainEvent is one normalized server callback. Which fields are
// populated depends on Kind; Login is set for all player-scoped kinds.
type DomainEvent struct {
	Kind EventKind
	At   time.Time

	Login       string
	DisplayName string
	TeamID      int
	Spectator   bool

	MapUID  string
	MapName string

	// RaceTimeMs and CheckpointIndex are set for Checkpoint, Finish and
	// PersonalBest.
	RaceTimeMs      int
	CheckpointIndex int

	Settings map[string]any
}
