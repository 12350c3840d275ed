// Session layer: joins a peer to a room channel, runs the join-time
// bootstrap protocol, keeps the roster consistent against presence
// churn, and synchronizes the aggregate across peers.
//
// There is no authoritative server. The first peer to observe itself
// alone in the room seeds a fresh aggregate; later joiners ask the room
// for state and one initialized peer answers. After that, every locally
// originated mutation is broadcast as a partial stateSync carrying only
// the fields that changed, and inbound frames are merged without ever
// rebroadcasting. Delivery is last-write-wins with no acks, ordering,
// or retries; that is accepted for a single room's worth of trusted
// peers.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// defaultLeaveGrace is how long a presence leave is held before the
// player is actually removed. A peer briefly dropping and re-announcing
// presence during an unrelated state change must not lose its seat.
const defaultLeaveGrace = 3 * time.Second

// Session owns one peer's membership in one room.
type Session struct {
	username string
	room     string
	game     *Game
	channel  Channel
	grace    time.Duration

	mu          sync.Mutex
	initialized bool
	updateFns   []func()

	generation atomic.Uint64
}

// JoinRoom opens the room channel, registers the presence heartbeat
// under the player's name, and starts the bootstrap protocol. The
// player name doubles as the presence key and must be stable for the
// session.
func JoinRoom(transport Transport, room, username string, grace time.Duration) (*Session, error) {
	if room == "" {
		return nil, fmt.Errorf("room identifier is required")
	}
	if username == "" {
		return nil, fmt.Errorf("player name is required")
	}
	if grace <= 0 {
		grace = defaultLeaveGrace
	}

	channel, err := transport.Channel(room, username)
	if err != nil {
		return nil, err
	}

	s := &Session{
		username: username,
		room:     room,
		game:     newGame(username),
		channel:  channel,
		grace:    grace,
	}
	s.game.onChange = s.publishLocalChange

	channel.OnBroadcast(eventStateSync, s.handleStateSync)
	channel.OnBroadcast(eventStateRequest, s.handleStateRequest)
	channel.OnPresence(presenceJoin, s.handlePresenceJoin)
	channel.OnPresence(presenceLeave, s.handlePresenceLeave)
	channel.OnSubscribed(func() {
		// Self-registration, independent of the bootstrap below.
		if err := channel.Track(PresenceMeta{Username: username}); err != nil {
			log.Printf("SESSION: announcing presence: %v", err)
		}
	})

	if err := channel.Subscribe(); err != nil {
		return nil, err
	}

	return s, nil
}

// Game exposes the aggregate for the UI collaborator and its engine
// operations.
func (s *Session) Game() *Game {
	return s.game
}

// Initialized reports whether this peer has converged on a game state,
// either by seeding one or by receiving one.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.initialized
}

// OnUpdate registers a callback fired after any aggregate change, local
// or remote. This is the render hook.
func (s *Session) OnUpdate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateFns = append(s.updateFns, fn)
}

// Leave withdraws presence and stops delivery. The aggregate is
// discarded with the session.
func (s *Session) Leave() error {
	return s.channel.Close()
}

func (s *Session) fireUpdate() {
	s.mu.Lock()
	fns := append([]func(){}, s.updateFns...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// handlePresenceJoin runs the bootstrap protocol. It keeps running on
// join events until the peer is initialized: a lost stateRequest is
// simply re-sent the next time someone joins.
func (s *Session) handlePresenceJoin([]string) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}

	occupants := len(s.channel.PresenceState())
	if occupants == 0 {
		// The just-announced self has not shown up in the presence
		// state yet. Not a signal, just transport lag.
		s.mu.Unlock()
		return
	}

	if occupants == 1 {
		// Alone in the room: seed a fresh aggregate with ourselves as
		// the sole player.
		s.initialized = true
		s.mu.Unlock()

		s.game.SeedRoster()
		return
	}
	s.mu.Unlock()

	// Not first: ask the room. Only an initialized peer answers.
	err := s.channel.Send(eventStateRequest, RequestPayload{
		NewPlayer: Player{Username: s.username},
	})
	if err != nil {
		log.Printf("SESSION: requesting state: %v", err)
	}
}

// handleStateSync merges a remote partial aggregate. Merging never
// broadcasts: the merge path bypasses the local-change observer
// entirely, so no echo suppression timer is needed.
func (s *Session) handleStateSync(raw json.RawMessage) {
	var payload SyncPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("SESSION: dropping malformed stateSync: %v", err)
		return
	}

	if payload.Origin == s.username {
		return
	}

	s.game.applySync(payload)

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.fireUpdate()
}

// handleStateRequest answers a joining peer. Every initialized peer
// hears the request, but only the one holding the lowest presence key
// answers, so the requester gets exactly one roster update instead of
// one per occupant.
func (s *Session) handleStateRequest(raw json.RawMessage) {
	var payload RequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("SESSION: dropping malformed stateRequest: %v", err)
		return
	}

	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()

	if !initialized {
		return
	}
	if !s.isResponder(payload.NewPlayer.Username) {
		return
	}

	s.game.UpsertPlayer(payload.NewPlayer)
}

// isResponder reports whether this peer is the designated answerer for
// a state request: the lowest presence key currently in the room, the
// requester excluded.
func (s *Session) isResponder(requester string) bool {
	keys := make([]string, 0)
	for key := range s.channel.PresenceState() {
		if key == requester {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return true
	}
	sort.Strings(keys)

	return keys[0] == s.username
}

// handlePresenceLeave holds departures for a grace interval before
// removing anyone. A peer that re-announces presence within the window
// is left untouched. Started timers always run to completion; a late
// firing against a rejoined peer is a no-op.
func (s *Session) handlePresenceLeave(keys []string) {
	departed := append([]string{}, keys...)

	go func() {
		time.Sleep(s.grace)

		current := s.channel.PresenceState()

		reallyLeft := make([]string, 0, len(departed))
		for _, key := range departed {
			if _, stillPresent := current[key]; stillPresent {
				continue
			}
			reallyLeft = append(reallyLeft, key)
		}

		if len(reallyLeft) == 0 {
			return
		}

		log.Printf("SESSION: removing departed players %v from %q", reallyLeft, s.room)
		s.game.RemovePlayers(reallyLeft)
	}()
}

// publishLocalChange broadcasts the changed fields of the aggregate.
// It is driven only by the rules engine's local mutations; the remote
// merge path can never reach it. Fire-and-forget: a failed send is
// logged and dropped.
func (s *Session) publishLocalChange(fields Field) {
	payload := s.game.syncPayload(fields)
	payload.Origin = s.username
	payload.Generation = s.generation.Add(1)

	if err := s.channel.Send(eventStateSync, payload); err != nil {
		log.Printf("SESSION: dropping state sync: %v", err)
	}

	s.fireUpdate()
}
