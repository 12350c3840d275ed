// Wire protocol shared by the relay broker, the Go peer transport, and
// the embedded browser client. Every frame is a JSON object with a
// string "type" discriminator; unknown types are logged and dropped at
// the decode boundary instead of being trusted structurally.

package main

import "encoding/json"

// Frame types, client to relay.
const (
	frameSubscribe = "subscribe"
	frameTrack     = "track"
	frameBroadcast = "broadcast"
)

// Frame types, relay to client.
const (
	frameSubscribed = "subscribed"
	framePresence   = "presence"
	// frameBroadcast is reused for fan-out.
)

// Presence event names carried in presence frames.
const (
	presenceJoin  = "join"
	presenceLeave = "leave"
)

// Broadcast event names exchanged between peers. The relay never
// inspects these; they only matter to the peers themselves.
const (
	eventStateSync    = "stateSync"
	eventStateRequest = "stateRequest"
)

// PresenceMeta is the record a peer announces about itself via track.
type PresenceMeta struct {
	Username string `json:"username"`
}

// Frame is the single envelope for every message crossing the relay.
// Which fields are set depends on Type:
//
//	subscribe:  Channel, PresenceKey
//	track:      Meta
//	broadcast:  Event, Payload
//	subscribed: (nothing else)
//	presence:   Event (join|leave), Keys, State
type Frame struct {
	Type        string                  `json:"type"`
	Channel     string                  `json:"channel,omitempty"`
	PresenceKey string                  `json:"presenceKey,omitempty"`
	Event       string                  `json:"event,omitempty"`
	Payload     json.RawMessage         `json:"payload,omitempty"`
	Keys        []string                `json:"keys,omitempty"`
	State       map[string]PresenceMeta `json:"state,omitempty"`
	Meta        *PresenceMeta           `json:"meta,omitempty"`
}

// SyncPayload is the body of a stateSync broadcast: a partial snapshot
// of the aggregate carrying only the fields that changed. Origin and
// Generation identify the mutation so receivers can tell their own
// frames from foreign ones without wall-clock heuristics.
type SyncPayload struct {
	Origin     string      `json:"origin"`
	Generation uint64      `json:"generation"`
	Status     *GameStatus `json:"status,omitempty"`
	Round      *Round      `json:"round,omitempty"`
	Players    *[]Player   `json:"players,omitempty"`
	GameWords  *[]GameWord `json:"gameWords,omitempty"`
}

// RequestPayload is the body of a stateRequest broadcast: a joining
// peer asking an initialized peer to fold it into the roster and sync
// back.
type RequestPayload struct {
	NewPlayer Player `json:"newPlayer"`
}
