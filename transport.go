// Peer-side transport: the named-channel publish/subscribe contract the
// session layer builds on, with two implementations. The websocket
// transport speaks the relay's wire protocol; the in-process transport
// wires peers together directly inside one process and backs the tests.
//
// Both share the same delivery semantics as the relay itself:
// broadcasts are fire-and-forget and fan out to every subscriber except
// the sender, presence events (including one's own join) reach every
// subscriber, and nothing is acknowledged, ordered, or retried.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport hands out channels by name. Handlers must be registered on
// a channel before Subscribe is called; delivery starts only after
// subscribing.
type Transport interface {
	Channel(name, presenceKey string) (Channel, error)
}

// Channel is one peer's handle on a named room channel.
type Channel interface {
	// OnBroadcast registers a handler for a broadcast event tag.
	OnBroadcast(event string, fn func(payload json.RawMessage))
	// OnPresence registers a handler for presence join/leave events.
	// Handlers receive the presence keys the event is about.
	OnPresence(event string, fn func(keys []string))
	// OnSubscribed registers a handler for the subscription
	// confirmation.
	OnSubscribed(fn func())

	// Subscribe joins the channel and starts delivery.
	Subscribe() error
	// Send broadcasts an event to all other subscribers. Best effort.
	Send(event string, payload any) error
	// Track announces or updates this peer's presence record.
	Track(meta PresenceMeta) error
	// PresenceState returns the currently known presence records,
	// keyed by presence key.
	PresenceState() map[string]PresenceMeta

	Close() error
}

// --- In-process transport ---

// MemoryTransport connects peers running in the same process. Each
// subscriber gets its own dispatch goroutine, so handlers on one peer
// run serialized, mirroring the single-threaded event model of a
// browser peer.
type MemoryTransport struct {
	mu   sync.Mutex
	hubs map[string]*memHub
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		hubs: make(map[string]*memHub),
	}
}

func (t *MemoryTransport) Channel(name, presenceKey string) (Channel, error) {
	if name == "" || presenceKey == "" {
		return nil, fmt.Errorf("channel name and presence key are required")
	}

	t.mu.Lock()
	hub, ok := t.hubs[name]
	if !ok {
		hub = &memHub{
			name:     name,
			subs:     make(map[*memChannel]bool),
			presence: make(map[string]PresenceMeta),
			owners:   make(map[string]*memChannel),
		}
		t.hubs[name] = hub
	}
	t.mu.Unlock()

	return &memChannel{
		hub:               hub,
		presenceKey:       presenceKey,
		broadcastHandlers: make(map[string][]func(json.RawMessage)),
		presenceHandlers:  make(map[string][]func([]string)),
		queue:             make(chan func(), 256),
		done:              make(chan struct{}),
	}, nil
}

type memHub struct {
	mu       sync.Mutex
	name     string
	subs     map[*memChannel]bool
	presence map[string]PresenceMeta
	owners   map[string]*memChannel
}

func (h *memHub) subscribers() []*memChannel {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := make([]*memChannel, 0, len(h.subs))
	for c := range h.subs {
		subs = append(subs, c)
	}
	return subs
}

type memChannel struct {
	hub         *memHub
	presenceKey string

	mu                sync.Mutex
	subscribed        bool
	closed            bool
	broadcastHandlers map[string][]func(json.RawMessage)
	presenceHandlers  map[string][]func([]string)
	subscribedFns     []func()

	queue chan func()
	done  chan struct{}
}

func (c *memChannel) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.broadcastHandlers[event] = append(c.broadcastHandlers[event], fn)
}

func (c *memChannel) OnPresence(event string, fn func(keys []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.presenceHandlers[event] = append(c.presenceHandlers[event], fn)
}

func (c *memChannel) OnSubscribed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribedFns = append(c.subscribedFns, fn)
}

func (c *memChannel) Subscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel is closed")
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = true
	fns := append([]func(){}, c.subscribedFns...)
	c.mu.Unlock()

	c.hub.mu.Lock()
	c.hub.subs[c] = true
	c.hub.mu.Unlock()

	go c.dispatch()

	c.enqueue(func() {
		for _, fn := range fns {
			fn()
		}
	})

	return nil
}

func (c *memChannel) dispatch() {
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *memChannel) enqueue(fn func()) {
	select {
	case c.queue <- fn:
	case <-c.done:
	}
}

func (c *memChannel) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}

	for _, sub := range c.hub.subscribers() {
		if sub == c {
			continue
		}
		sub.deliverBroadcast(event, data)
	}

	return nil
}

func (c *memChannel) deliverBroadcast(event string, payload json.RawMessage) {
	c.mu.Lock()
	handlers := append([]func(json.RawMessage){}, c.broadcastHandlers[event]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	c.enqueue(func() {
		for _, fn := range handlers {
			fn(payload)
		}
	})
}

func (c *memChannel) deliverPresence(event string, keys []string) {
	c.mu.Lock()
	handlers := append([]func([]string){}, c.presenceHandlers[event]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	c.enqueue(func() {
		for _, fn := range handlers {
			fn(keys)
		}
	})
}

func (c *memChannel) Track(meta PresenceMeta) error {
	hub := c.hub

	hub.mu.Lock()
	hub.presence[c.presenceKey] = meta
	hub.owners[c.presenceKey] = c
	hub.mu.Unlock()

	// Presence events reach every subscriber, the announcer included.
	for _, sub := range hub.subscribers() {
		sub.deliverPresence(presenceJoin, []string{c.presenceKey})
	}

	return nil
}

func (c *memChannel) PresenceState() map[string]PresenceMeta {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	return maps.Clone(c.hub.presence)
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	hub := c.hub

	hub.mu.Lock()
	delete(hub.subs, c)
	tracked := hub.owners[c.presenceKey] == c
	if tracked {
		delete(hub.presence, c.presenceKey)
		delete(hub.owners, c.presenceKey)
	}
	hub.mu.Unlock()

	close(c.done)

	if tracked {
		for _, sub := range hub.subscribers() {
			sub.deliverPresence(presenceLeave, []string{c.presenceKey})
		}
	}

	return nil
}

// --- Websocket transport ---

// WebsocketTransport connects to a relay broker over websockets. The
// base URL points at the game mount, e.g. ws://host:8080/codewords;
// each channel dials <base>/<name>/ws.
type WebsocketTransport struct {
	baseURL string
	dialer  *websocket.Dialer
}

func NewWebsocketTransport(baseURL string) *WebsocketTransport {
	return &WebsocketTransport{
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
	}
}

func (t *WebsocketTransport) Channel(name, presenceKey string) (Channel, error) {
	if name == "" || presenceKey == "" {
		return nil, fmt.Errorf("channel name and presence key are required")
	}

	return &wsChannel{
		url:               t.baseURL + "/" + name + "/ws",
		name:              name,
		presenceKey:       presenceKey,
		dialer:            t.dialer,
		broadcastHandlers: make(map[string][]func(json.RawMessage)),
		presenceHandlers:  make(map[string][]func([]string)),
		presence:          make(map[string]PresenceMeta),
	}, nil
}

type wsChannel struct {
	url         string
	name        string
	presenceKey string
	dialer      *websocket.Dialer

	mu                sync.Mutex
	conn              *websocket.Conn
	broadcastHandlers map[string][]func(json.RawMessage)
	presenceHandlers  map[string][]func([]string)
	subscribedFns     []func()
	presence          map[string]PresenceMeta

	writeMu sync.Mutex
}

func (c *wsChannel) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.broadcastHandlers[event] = append(c.broadcastHandlers[event], fn)
}

func (c *wsChannel) OnPresence(event string, fn func(keys []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.presenceHandlers[event] = append(c.presenceHandlers[event], fn)
}

func (c *wsChannel) OnSubscribed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribedFns = append(c.subscribedFns, fn)
}

func (c *wsChannel) Subscribe() error {
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(Frame{
		Type:        frameSubscribe,
		Channel:     c.name,
		PresenceKey: c.presenceKey,
	}); err != nil {
		conn.Close()
		return err
	}

	go c.readPump(conn)

	return nil
}

// readPump dispatches inbound frames. Handlers run on this goroutine,
// so one peer's handlers never run concurrently with each other.
func (c *wsChannel) readPump(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case frameSubscribed:
			c.mu.Lock()
			fns := append([]func(){}, c.subscribedFns...)
			c.mu.Unlock()
			for _, fn := range fns {
				fn()
			}

		case framePresence:
			c.mu.Lock()
			if frame.State != nil {
				c.presence = frame.State
			}
			handlers := append([]func([]string){}, c.presenceHandlers[frame.Event]...)
			c.mu.Unlock()
			for _, fn := range handlers {
				fn(frame.Keys)
			}

		case frameBroadcast:
			c.mu.Lock()
			handlers := append([]func(json.RawMessage){}, c.broadcastHandlers[frame.Event]...)
			c.mu.Unlock()
			for _, fn := range handlers {
				fn(frame.Payload)
			}

		default:
			log.Printf("TRANSPORT: dropping unknown frame type %q", frame.Type)
		}
	}
}

func (c *wsChannel) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("channel is not subscribed")
	}

	return conn.WriteJSON(frame)
}

func (c *wsChannel) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", event, err)
	}

	return c.write(Frame{
		Type:    frameBroadcast,
		Event:   event,
		Payload: data,
	})
}

func (c *wsChannel) Track(meta PresenceMeta) error {
	return c.write(Frame{
		Type: frameTrack,
		Meta: &meta,
	})
}

func (c *wsChannel) PresenceState() map[string]PresenceMeta {
	c.mu.Lock()
	defer c.mu.Unlock()

	return maps.Clone(c.presence)
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
