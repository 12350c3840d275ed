package main

import (
	"context"
	"encoding/json"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

const testGrace = 100 * time.Millisecond

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasPlayers(g *Game, usernames ...string) bool {
	players := g.Players()
	if len(players) != len(usernames) {
		return false
	}
	found := make(map[string]bool, len(players))
	for _, p := range players {
		found[p.Username] = true
	}
	for _, username := range usernames {
		if !found[username] {
			return false
		}
	}
	return true
}

func TestJoinRoomValidation(t *testing.T) {
	transport := NewMemoryTransport()

	if _, err := JoinRoom(transport, "", "alice", testGrace); err == nil {
		t.Error("JoinRoom accepted an empty room")
	}
	if _, err := JoinRoom(transport, "lobby", "", testGrace); err == nil {
		t.Error("JoinRoom accepted an empty player name")
	}
}

func TestFirstPeerSeeds(t *testing.T) {
	transport := NewMemoryTransport()

	alice, err := JoinRoom(transport, "lobby", "alice", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	defer alice.Leave()

	waitFor(t, "alice to self-seed", alice.Initialized)

	if !hasPlayers(alice.Game(), "alice") {
		t.Errorf("roster = %+v, want just alice", alice.Game().Players())
	}
}

func TestJoiningPeerReceivesState(t *testing.T) {
	transport := NewMemoryTransport()

	alice, err := JoinRoom(transport, "lobby", "alice", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	defer alice.Leave()
	waitFor(t, "alice to self-seed", alice.Initialized)

	// Give alice a seat so bob receives more than a bare roster.
	alice.Game().ChangeTeamOrRole(TeamBlue, RoleSpymaster)

	bob, err := JoinRoom(transport, "lobby", "bob", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom bob: %v", err)
	}
	defer bob.Leave()

	waitFor(t, "bob to receive state", bob.Initialized)
	waitFor(t, "rosters to converge", func() bool {
		return hasPlayers(alice.Game(), "alice", "bob") && hasPlayers(bob.Game(), "alice", "bob")
	})

	for _, p := range bob.Game().Players() {
		if p.Username == "alice" && (p.Team != TeamBlue || p.Role != RoleSpymaster) {
			t.Errorf("bob sees alice as %+v, want blue spymaster", p)
		}
	}
}

func TestThreePeersSingleResponder(t *testing.T) {
	transport := NewMemoryTransport()

	alice, err := JoinRoom(transport, "lobby", "alice", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	defer alice.Leave()
	waitFor(t, "alice to self-seed", alice.Initialized)

	bob, err := JoinRoom(transport, "lobby", "bob", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom bob: %v", err)
	}
	defer bob.Leave()
	waitFor(t, "bob to receive state", bob.Initialized)

	carol, err := JoinRoom(transport, "lobby", "carol", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom carol: %v", err)
	}
	defer carol.Leave()
	waitFor(t, "carol to receive state", carol.Initialized)

	waitFor(t, "rosters to converge without duplicates", func() bool {
		return hasPlayers(alice.Game(), "alice", "bob", "carol") &&
			hasPlayers(bob.Game(), "alice", "bob", "carol") &&
			hasPlayers(carol.Game(), "alice", "bob", "carol")
	})
}

func TestGameStateSpreadsToPeers(t *testing.T) {
	transport := NewMemoryTransport()

	alice, err := JoinRoom(transport, "lobby", "alice", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	defer alice.Leave()
	waitFor(t, "alice to self-seed", alice.Initialized)

	bob, err := JoinRoom(transport, "lobby", "bob", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom bob: %v", err)
	}
	defer bob.Leave()
	waitFor(t, "bob to receive state", bob.Initialized)

	alice.Game().ChangeTeamOrRole(TeamBlue, RoleOperative)
	if err := alice.Game().StartGame(context.Background(), poolOf(30)); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	waitFor(t, "board to reach bob", func() bool {
		return bob.Game().Status() == StatusPlaying && len(bob.Game().GameWords()) == boardSize
	})

	alice.Game().UpdateRound("ocean", 2)

	waitFor(t, "round to reach bob", func() bool {
		round := bob.Game().Round()
		return round.Clue == "ocean" && round.Role == RoleOperative
	})
}

func TestApplyRemoteNeverRebroadcasts(t *testing.T) {
	transport := NewMemoryTransport()

	alice, err := JoinRoom(transport, "lobby", "alice", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	defer alice.Leave()
	waitFor(t, "alice to self-seed", alice.Initialized)

	// A bare subscriber: never tracks presence, only counts frames
	// alice originates.
	watcher, err := transport.Channel("lobby", "zz-watcher")
	if err != nil {
		t.Fatalf("watcher channel: %v", err)
	}
	defer watcher.Close()

	var echoes atomic.Int64
	watcher.OnBroadcast(eventStateSync, func(raw json.RawMessage) {
		var payload SyncPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Errorf("decoding frame: %v", err)
			return
		}
		if payload.Origin == "alice" {
			echoes.Add(1)
		}
	})
	if err := watcher.Subscribe(); err != nil {
		t.Fatalf("watcher subscribe: %v", err)
	}

	// Another bare channel impersonates a remote peer and pushes a
	// round update at alice.
	remote, err := transport.Channel("lobby", "zz-remote")
	if err != nil {
		t.Fatalf("remote channel: %v", err)
	}
	defer remote.Close()
	if err := remote.Subscribe(); err != nil {
		t.Fatalf("remote subscribe: %v", err)
	}

	round := Round{Team: TeamRed, Role: RoleOperative, Clue: "ocean", Number: 2}
	err = remote.Send(eventStateSync, SyncPayload{
		Origin:     "bob",
		Generation: 1,
		Round:      &round,
	})
	if err != nil {
		t.Fatalf("remote send: %v", err)
	}

	waitFor(t, "alice to merge the round", func() bool {
		return alice.Game().Round().Clue == "ocean"
	})

	// Give any echo time to surface.
	time.Sleep(50 * time.Millisecond)

	if n := echoes.Load(); n != 0 {
		t.Errorf("merge caused %d rebroadcasts from alice, want 0", n)
	}
}

func TestIdempotentRemerge(t *testing.T) {
	g := newGame("alice")

	status := StatusPlaying
	round := Round{Team: TeamRed, Role: RoleOperative, Clue: "ocean", Number: 2}
	players := []Player{
		{Username: "alice", Team: TeamRed, Role: RoleOperative},
		{Username: "bob", Team: TeamBlue, Role: RoleSpymaster},
	}
	words := testBoard()

	payload := SyncPayload{
		Origin:     "bob",
		Generation: 7,
		Status:     &status,
		Round:      &round,
		Players:    &players,
		GameWords:  &words,
	}

	g.applySync(payload)
	firstStatus := g.Status()
	firstRound := g.Round()
	firstPlayers := g.Players()
	firstWords := g.GameWords()

	g.applySync(payload)

	if g.Status() != firstStatus {
		t.Errorf("status changed on re-merge: %q vs %q", g.Status(), firstStatus)
	}
	if g.Round() != firstRound {
		t.Errorf("round changed on re-merge: %+v vs %+v", g.Round(), firstRound)
	}
	if !reflect.DeepEqual(g.Players(), firstPlayers) {
		t.Errorf("players changed on re-merge")
	}
	if !reflect.DeepEqual(g.GameWords(), firstWords) {
		t.Errorf("board changed on re-merge")
	}
}

func TestLeaveDebounceAbsorbsFlicker(t *testing.T) {
	transport := NewMemoryTransport()

	alice, err := JoinRoom(transport, "lobby", "alice", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	defer alice.Leave()
	waitFor(t, "alice to self-seed", alice.Initialized)

	bob, err := JoinRoom(transport, "lobby", "bob", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom bob: %v", err)
	}
	waitFor(t, "bob to receive state", bob.Initialized)
	waitFor(t, "rosters to converge", func() bool {
		return hasPlayers(alice.Game(), "alice", "bob")
	})

	// Bob drops and rejoins well inside the grace window.
	if err := bob.Leave(); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	bob, err = JoinRoom(transport, "lobby", "bob", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom bob again: %v", err)
	}
	defer bob.Leave()

	time.Sleep(testGrace + 50*time.Millisecond)

	if !hasPlayers(alice.Game(), "alice", "bob") {
		t.Errorf("roster = %+v, bob was removed despite rejoining", alice.Game().Players())
	}
}

func TestLeaveRemovesAfterGrace(t *testing.T) {
	transport := NewMemoryTransport()

	alice, err := JoinRoom(transport, "lobby", "alice", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom alice: %v", err)
	}
	defer alice.Leave()
	waitFor(t, "alice to self-seed", alice.Initialized)

	bob, err := JoinRoom(transport, "lobby", "bob", testGrace)
	if err != nil {
		t.Fatalf("JoinRoom bob: %v", err)
	}
	waitFor(t, "bob to receive state", bob.Initialized)
	waitFor(t, "rosters to converge", func() bool {
		return hasPlayers(alice.Game(), "alice", "bob")
	})

	if err := bob.Leave(); err != nil {
		t.Fatalf("bob leave: %v", err)
	}

	waitFor(t, "bob to be removed", func() bool {
		return hasPlayers(alice.Game(), "alice")
	})
}
