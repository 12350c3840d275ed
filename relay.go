// Relay broker: the generic named-channel publish/subscribe and
// presence primitive the peers coordinate through. The relay is not a
// game server. It never decodes broadcast payloads and holds no game
// state; it only fans frames out to a room's subscribers and keeps the
// room's presence records.
//
// Semantics, mirrored by the peer transports:
//   - broadcast frames go to every subscriber except the sender,
//     at-most-once, fire-and-forget
//   - presence join/leave frames go to every subscriber, each carrying
//     the full presence state
//   - a subscriber that can't keep up is dropped

package main

import (
	"log"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type relayClient struct {
	ref         string
	conn        *websocket.Conn
	send        chan Frame
	presenceKey string
}

type relayChannel struct {
	name string

	mu         sync.RWMutex
	clients    map[*relayClient]bool
	presence   map[string]PresenceMeta
	owners     map[string]string // presence key -> client ref
	lastActive time.Time
}

func newRelayChannel(name string) *relayChannel {
	return &relayChannel{
		name:       name,
		clients:    make(map[*relayClient]bool),
		presence:   make(map[string]PresenceMeta),
		owners:     make(map[string]string),
		lastActive: time.Now(),
	}
}

func (ch *relayChannel) subscribe(cfg *Config, c *relayClient) {
	ch.mu.Lock()
	ch.clients[c] = true
	ch.lastActive = time.Now()
	ch.mu.Unlock()

	c.send <- Frame{Type: frameSubscribed}

	logf(cfg, "RELAY: %s subscribed to %q as %q", c.ref, ch.name, c.presenceKey)
}

// unsubscribe drops the client and, if it owned its presence key,
// withdraws the record and notifies the room.
func (ch *relayChannel) unsubscribe(cfg *Config, c *relayClient) {
	ch.mu.Lock()
	ch.lastActive = time.Now()

	if _, ok := ch.clients[c]; ok {
		delete(ch.clients, c)
		close(c.send)
	}

	tracked := ch.owners[c.presenceKey] == c.ref
	if tracked {
		delete(ch.presence, c.presenceKey)
		delete(ch.owners, c.presenceKey)
	}

	var frame Frame
	if tracked {
		frame = Frame{
			Type:  framePresence,
			Event: presenceLeave,
			Keys:  []string{c.presenceKey},
			State: maps.Clone(ch.presence),
		}
	}
	ch.mu.Unlock()

	if tracked {
		ch.fanOut(frame, nil)
		logf(cfg, "RELAY: %q left %q", c.presenceKey, ch.name)
	}
}

// track records or refreshes the client's presence and announces the
// join to the whole room, the announcer included.
func (ch *relayChannel) track(cfg *Config, c *relayClient, meta PresenceMeta) {
	ch.mu.Lock()
	ch.lastActive = time.Now()
	ch.presence[c.presenceKey] = meta
	ch.owners[c.presenceKey] = c.ref

	frame := Frame{
		Type:  framePresence,
		Event: presenceJoin,
		Keys:  []string{c.presenceKey},
		State: maps.Clone(ch.presence),
	}
	ch.mu.Unlock()

	ch.fanOut(frame, nil)

	logf(cfg, "RELAY: %q joined %q", c.presenceKey, ch.name)
}

// broadcast fans an opaque event to every subscriber except the sender.
func (ch *relayChannel) broadcast(c *relayClient, frame Frame) {
	ch.mu.Lock()
	ch.lastActive = time.Now()
	ch.mu.Unlock()

	ch.fanOut(Frame{
		Type:    frameBroadcast,
		Event:   frame.Event,
		Payload: frame.Payload,
	}, c)
}

func (ch *relayChannel) fanOut(frame Frame, skip *relayClient) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for client := range ch.clients {
		if client == skip {
			continue
		}
		select {
		case client.send <- frame:
		default:
			delete(ch.clients, client)
			close(client.send)
		}
	}
}

func (ch *relayChannel) closeAll() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for c := range ch.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(ch.clients, c)
	}
}

// relayBroker holds one relayChannel per room, reaping rooms that have
// gone idle.
type relayBroker struct {
	mu          sync.Mutex
	channels    map[string]*relayChannel
	idleTimeout time.Duration
}

func newRelayBroker(idleTimeout time.Duration) *relayBroker {
	broker := &relayBroker{
		channels:    make(map[string]*relayChannel),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go broker.reaperLoop()
	}
	return broker
}

func (b *relayBroker) get(name string) *relayChannel {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[name]; ok {
		return ch
	}

	ch := newRelayChannel(name)
	b.channels[name] = ch
	return ch
}

func (b *relayBroker) exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.channels[name]
	return ok
}

func (b *relayBroker) reaperLoop() {
	ticker := time.NewTicker(b.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-b.idleTimeout)

		b.mu.Lock()
		for name, ch := range b.channels {
			ch.mu.RLock()
			last := ch.lastActive
			ch.mu.RUnlock()

			if last.Before(cutoff) {
				delete(b.channels, name)
				go ch.closeAll()
			}
		}
		b.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveRelay upgrades the connection and binds it to the room named in
// the URL. The first frame must be a subscribe carrying the presence
// key; everything after is track or broadcast.
func serveRelay(cfg *Config, broker *relayBroker) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		room := ps.ByName("room")
		if room == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		var subscribeFrame Frame
		if err := conn.ReadJSON(&subscribeFrame); err != nil {
			_ = conn.Close()
			return
		}
		if subscribeFrame.Type != frameSubscribe || subscribeFrame.PresenceKey == "" {
			_ = conn.Close()
			return
		}

		client := &relayClient{
			ref:         uuid.NewString(),
			conn:        conn,
			send:        make(chan Frame, 16),
			presenceKey: subscribeFrame.PresenceKey,
		}

		ch := broker.get(room)
		ch.subscribe(cfg, client)

		go client.writePump()
		client.readPump(cfg, ch)
	}
}

func (c *relayClient) readPump(cfg *Config, ch *relayChannel) {
	defer func() {
		ch.unsubscribe(cfg, c)
		_ = c.conn.Close()
	}()

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case frameTrack:
			if frame.Meta == nil {
				continue
			}
			ch.track(cfg, c, *frame.Meta)

		case frameBroadcast:
			ch.broadcast(c, frame)

		default:
			logf(cfg, "RELAY: dropping unknown frame type %q from %s", frame.Type, c.ref)
		}
	}
}

func (c *relayClient) writePump() {
	defer c.conn.Close()

	for frame := range c.send {
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}
