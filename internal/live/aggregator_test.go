package live

import (
	"testing"
	"time"
)

func apply(t *testing.T, a *Aggregator, ev DomainEvent) []Update {
	t.Helper()
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	return a.Apply(ev)
}

// singleUpdate asserts exactly one update of the given type was emitted.
func singleUpdate(t *testing.T, updates []Update, want MessageType) Update {
	t.Helper()
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].Type != want {
		t.Fatalf("update type: got %s, want %s", updates[0].Type, want)
	}
	return updates[0]
}

func TestRoundBracketNoLeakage(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1"})
	apply(t, a, DomainEvent{Kind: BeginRound})
	apply(t, a, DomainEvent{Kind: Checkpoint, Login: "p1", CheckpointIndex: 0, RaceTimeMs: 10000})
	apply(t, a, DomainEvent{Kind: Checkpoint, Login: "p1", CheckpointIndex: 1, RaceTimeMs: 20000})
	apply(t, a, DomainEvent{Kind: Finish, Login: "p1", RaceTimeMs: 30000})

	updates := apply(t, a, DomainEvent{Kind: EndRound})
	archived, ok := singleUpdate(t, updates, MsgEndRound).Data.(*ActiveRound)
	if !ok {
		t.Fatalf("endRound data: got %T", updates[0].Data)
	}
	entry := archived.Entries["p1"]
	if entry == nil {
		t.Fatal("archived round missing p1")
	}
	if len(entry.Checkpoints) != 2 || entry.FinishMs != 30000 {
		t.Errorf("archived entry: %+v", entry)
	}

	// The next round starts empty: nothing from the previous bracket leaks.
	updates = apply(t, a, DomainEvent{Kind: BeginRound})
	round, ok := singleUpdate(t, updates, MsgBeginRound).Data.(*ActiveRound)
	if !ok {
		t.Fatalf("beginRound data: got %T", updates[0].Data)
	}
	if len(round.Entries) != 0 {
		t.Errorf("new round should be empty, has %d entries", len(round.Entries))
	}

	snap := a.Snapshot()
	if len(snap.RoundHistory) != 1 {
		t.Errorf("round history: got %d", len(snap.RoundHistory))
	}
}

func TestBeginRoundArchivesOrphanedRound(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1"})
	apply(t, a, DomainEvent{Kind: BeginRound})
	apply(t, a, DomainEvent{Kind: Checkpoint, Login: "p1", CheckpointIndex: 0, RaceTimeMs: 10000})

	// EndRound never arrived. The next BeginRound must not silently throw
	// the recorded data away.
	updates := apply(t, a, DomainEvent{Kind: BeginRound})
	round, ok := singleUpdate(t, updates, MsgBeginRound).Data.(*ActiveRound)
	if !ok {
		t.Fatalf("beginRound data: got %T", updates[0].Data)
	}
	if len(round.Entries) != 0 {
		t.Errorf("new round should be empty, has %d entries", len(round.Entries))
	}

	snap := a.Snapshot()
	if len(snap.RoundHistory) != 1 {
		t.Fatalf("orphaned round not archived, history=%d", len(snap.RoundHistory))
	}
	entry := snap.RoundHistory[0].Entries["p1"]
	if entry == nil || len(entry.Checkpoints) != 1 {
		t.Errorf("archived orphan entry: %+v", entry)
	}
}

func TestReconnectDoesNotResurrectRoundData(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1"})
	apply(t, a, DomainEvent{Kind: BeginRound})
	apply(t, a, DomainEvent{Kind: Checkpoint, Login: "p1", CheckpointIndex: 0, RaceTimeMs: 10000})

	apply(t, a, DomainEvent{Kind: PlayerDisconnect, Login: "p1"})
	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1"})

	snap := a.Snapshot()
	if snap.Round == nil {
		t.Fatal("round should still be active")
	}
	if _, ok := snap.Round.Entries["p1"]; ok {
		t.Error("rejoining player's stale checkpoint data resurrected")
	}
	if _, ok := snap.Players["p1"]; !ok {
		t.Error("player missing from roster after reconnect")
	}
}

func TestPhaseTransitions(t *testing.T) {
	a := NewAggregator("s1", 8)

	if a.Snapshot().Phase != Idle {
		t.Fatalf("initial phase: got %s", a.Snapshot().Phase)
	}

	apply(t, a, DomainEvent{Kind: WarmUpStart})
	if a.Snapshot().Phase != WarmUp {
		t.Errorf("after warmUpStart: got %s", a.Snapshot().Phase)
	}

	apply(t, a, DomainEvent{Kind: WarmUpStartRound})
	if got := a.Snapshot(); got.Phase != WarmUp || got.Round == nil || !got.Round.WarmUp {
		t.Errorf("after warmUpStartRound: phase=%s round=%+v", got.Phase, got.Round)
	}

	apply(t, a, DomainEvent{Kind: WarmUpEnd})
	apply(t, a, DomainEvent{Kind: BeginRound})
	if got := a.Snapshot(); got.Phase != Racing || got.Round.WarmUp {
		t.Errorf("after beginRound: phase=%s", got.Phase)
	}

	apply(t, a, DomainEvent{Kind: EndMatch})
	if a.Snapshot().Phase != Finished {
		t.Errorf("after endMatch: got %s", a.Snapshot().Phase)
	}
}

func TestWarmUpStartRoundResetsBookkeepingKeepsRoster(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1"})
	apply(t, a, DomainEvent{Kind: WarmUpStart})
	apply(t, a, DomainEvent{Kind: Checkpoint, Login: "p1", CheckpointIndex: 0, RaceTimeMs: 9000})

	apply(t, a, DomainEvent{Kind: WarmUpStartRound})

	snap := a.Snapshot()
	if len(snap.Round.Entries) != 0 {
		t.Error("warm-up round bookkeeping not reset")
	}
	if len(snap.Players) != 1 {
		t.Error("player roster should survive warm-up round reset")
	}
}

func TestEndMapClearsMapStateKeepsRoster(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1"})
	apply(t, a, DomainEvent{Kind: BeginMap, MapUID: "m1", MapName: "Training A1"})
	apply(t, a, DomainEvent{Kind: BeginRound})
	apply(t, a, DomainEvent{Kind: Finish, Login: "p1", RaceTimeMs: 30000})
	apply(t, a, DomainEvent{Kind: PersonalBest, Login: "p1", RaceTimeMs: 30000})
	apply(t, a, DomainEvent{Kind: EndRound})

	apply(t, a, DomainEvent{Kind: EndMap})

	snap := a.Snapshot()
	if snap.Round != nil || len(snap.RoundHistory) != 0 {
		t.Error("per-map round state should be cleared on endMap")
	}
	p, ok := snap.Players["p1"]
	if !ok {
		t.Fatal("roster should survive a map change")
	}
	if p.BestTimeMs != 0 {
		t.Error("per-map best time should be cleared on endMap")
	}
}

func TestOutOfPhaseEventsAppliedBestEffort(t *testing.T) {
	a := NewAggregator("s1", 8)

	// Checkpoint with no round bracket and an unknown player: applied, not
	// dropped — dropping would desynchronize dashboards.
	updates := apply(t, a, DomainEvent{Kind: Checkpoint, Login: "ghost", CheckpointIndex: 0, RaceTimeMs: 5000})
	singleUpdate(t, updates, MsgCheckpoint)

	snap := a.Snapshot()
	if snap.Round == nil {
		t.Fatal("best-effort round not created")
	}
	entry := snap.Round.Entries["ghost"]
	if entry == nil || len(entry.Checkpoints) != 1 {
		t.Errorf("best-effort entry: %+v", entry)
	}
}

func TestPersonalBestKeepsLowerTime(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1"})
	apply(t, a, DomainEvent{Kind: PersonalBest, Login: "p1", RaceTimeMs: 32000})
	apply(t, a, DomainEvent{Kind: PersonalBest, Login: "p1", RaceTimeMs: 35000})

	if got := a.Snapshot().Players["p1"].BestTimeMs; got != 32000 {
		t.Errorf("best time: got %d", got)
	}

	apply(t, a, DomainEvent{Kind: PersonalBest, Login: "p1", RaceTimeMs: 29500})
	if got := a.Snapshot().Players["p1"].BestTimeMs; got != 29500 {
		t.Errorf("best time after improvement: got %d", got)
	}
}

func TestGiveUpMarksEntryWithoutRemoval(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1"})
	apply(t, a, DomainEvent{Kind: BeginRound})
	apply(t, a, DomainEvent{Kind: Checkpoint, Login: "p1", CheckpointIndex: 0, RaceTimeMs: 8000})
	apply(t, a, DomainEvent{Kind: GiveUp, Login: "p1"})

	entry := a.Snapshot().Round.Entries["p1"]
	if entry == nil {
		t.Fatal("entry removed on give-up")
	}
	if !entry.GaveUp || len(entry.Checkpoints) != 1 {
		t.Errorf("give-up entry: %+v", entry)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "p1", DisplayName: "One"})
	apply(t, a, DomainEvent{Kind: BeginRound})
	apply(t, a, DomainEvent{Kind: Checkpoint, Login: "p1", CheckpointIndex: 0, RaceTimeMs: 1000})

	snap := a.Snapshot()
	snap.Players["p1"].DisplayName = "mutated"
	snap.Round.Entries["p1"].Checkpoints[0].RaceTimeMs = -1
	snap.Players["evil"] = &PlayerSession{Login: "evil"}

	fresh := a.Snapshot()
	if fresh.Players["p1"].DisplayName != "One" {
		t.Error("subscriber mutation reached aggregator state")
	}
	if fresh.Round.Entries["p1"].Checkpoints[0].RaceTimeMs != 1000 {
		t.Error("subscriber mutation reached round state")
	}
	if _, ok := fresh.Players["evil"]; ok {
		t.Error("subscriber insertion reached aggregator state")
	}
}

func TestBootstrapReplacesState(t *testing.T) {
	a := NewAggregator("s1", 8)

	apply(t, a, DomainEvent{Kind: PlayerConnect, Login: "stale"})
	apply(t, a, DomainEvent{Kind: BeginRound})

	a.Bootstrap("m2", "Midnight Loop", []PlayerSession{
		{Login: "p1", DisplayName: "One"},
		{Login: "p2", DisplayName: "Two", Spectator: true},
	})

	snap := a.Snapshot()
	if snap.MapUID != "m2" || snap.Phase != Idle || snap.Round != nil {
		t.Errorf("bootstrap state: %+v", snap)
	}
	if len(snap.Players) != 2 {
		t.Fatalf("players: got %d", len(snap.Players))
	}
	if _, ok := snap.Players["stale"]; ok {
		t.Error("pre-bootstrap roster survived")
	}
	if !snap.Players["p2"].Spectator {
		t.Error("spectator flag lost in bootstrap")
	}
}

func TestRoundHistoryCapped(t *testing.T) {
	a := NewAggregator("s1", 3)

	for i := 0; i < 5; i++ {
		apply(t, a, DomainEvent{Kind: BeginRound})
		apply(t, a, DomainEvent{Kind: Finish, Login: "p1", RaceTimeMs: 1000 * (i + 1)})
		apply(t, a, DomainEvent{Kind: EndRound})
	}

	history := a.Snapshot().RoundHistory
	if len(history) != 3 {
		t.Fatalf("history length: got %d", len(history))
	}
	// Oldest rounds fall off the front.
	if history[2].Entries["p1"].FinishMs != 5000 {
		t.Errorf("newest archived finish: got %d", history[2].Entries["p1"].FinishMs)
	}
}
