package live

// MessageType tags outgoing wire messages. The live-event values mirror
// EventKind; the remainder are relay-originated notifications.
type MessageType string

const (
	MsgBeginMatch        MessageType = "beginMatch"
	MsgEndMatch          MessageType = "endMatch"
	MsgBeginMap          MessageType = "beginMap"
	MsgEndMap            MessageType = "endMap"
	MsgWarmUpStart       MessageType = "warmUpStart"
	MsgWarmUpEnd         MessageType = "warmUpEnd"
	MsgWarmUpStartRound  MessageType = "warmUpStartRound"
	MsgBeginRound        MessageType = "beginRound"
	MsgEndRound          MessageType = "endRound"
	MsgCheckpoint        MessageType = "checkpoint"
	MsgFinish            MessageType = "finish"
	MsgGiveUp            MessageType = "giveUp"
	MsgPersonalBest      MessageType = "personalBest"
	MsgElimination       MessageType = "elimination"
	MsgPlayerConnect     MessageType = "playerConnect"
	MsgPlayerDisconnect  MessageType = "playerDisconnect"
	MsgPlayerInfoChanged MessageType = "playerInfoChanged"
	MsgUpdatedSettings   MessageType = "updatedSettings"

	MsgSnapshot           MessageType = "snapshot"
	MsgConnectionDegraded MessageType = "connectionDegraded"
	MsgResync             MessageType = "resync"
	MsgServerRemoved      MessageType = "serverRemoved"
)

// Update is one typed delta (or snapshot) emitted by the aggregator or the
// relay itself. Data is always an immutable copy; subscribers never see the
// aggregator's working state.
type Update struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// MapDelta accompanies beginMap/endMap and the phase bracket messages.
type MapDelta struct {
	MapUID  string `json:"mapUid"`
	MapName string `json:"mapName,omitempty"`
	Phase   Phase  `json:"phase"`
}

// RoundDelta carries one player's change within the active round.
type RoundDelta struct {
	Login           string `json:"login"`
	CheckpointIndex int    `json:"checkpointIndex,omitempty"`
	RaceTimeMs      int    `json:"raceTimeMs,omitempty"`
	BestTimeMs      int    `json:"bestTimeMs,omitempty"`
}

// PlayerLeft accompanies playerDisconnect.
type PlayerLeft struct {
	Login string `json:"login"`
}

// DegradedNotice accompanies connectionDegraded: the last known state stays
// visible but is stale until the connection recovers.
type DegradedNotice struct {
	Reason string `json:"reason"`
}

// RemovedNotice accompanies serverRemoved and is the terminal message of a
// subscription. Reason distinguishes administrative removal from fatal
// credential failure.
type RemovedNotice struct {
	Reason string `json:"reason"`
}
