package chat

import (
	"sync"

	"pharmachat/pkg/domain"
)

// Sink receives outbound envelopes for one connection. Implementations must
// not block; the websocket sink drops the connection when its send buffer
// fills.
type Sink interface {
	Send(env Envelope)
}

// Broadcaster fans envelopes out to room subscribers. Subscription state is
// independent of membership: a member who never connected is simply absent
// here, and subscriptions vanish with the connection.
type Broadcaster struct {
	mu        sync.RWMutex
	sinks     map[domain.ConnID]Sink
	rooms     map[domain.RoomID]map[domain.ConnID]struct{}
	connRooms map[domain.ConnID]map[domain.RoomID]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		sinks:     make(map[domain.ConnID]Sink),
		rooms:     make(map[domain.RoomID]map[domain.ConnID]struct{}),
		connRooms: make(map[domain.ConnID]map[domain.RoomID]struct{}),
	}
}

// Attach registers a connection's sink. Must be called before Subscribe.
func (b *Broadcaster) Attach(conn domain.ConnID, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[conn] = sink
}

// Detach removes the connection and all of its subscriptions.
func (b *Broadcaster) Detach(conn domain.ConnID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room := range b.connRooms[conn] {
		delete(b.rooms[room], conn)
		if len(b.rooms[room]) == 0 {
			delete(b.rooms, room)
		}
	}
	delete(b.connRooms, conn)
	delete(b.sinks, conn)
}

// Subscribe adds the connection to a room's delivery set. Idempotent.
func (b *Broadcaster) Subscribe(conn domain.ConnID, room domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sinks[conn]; !ok {
		return
	}
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[domain.ConnID]struct{})
	}
	b.rooms[room][conn] = struct{}{}
	if b.connRooms[conn] == nil {
		b.connRooms[conn] = make(map[domain.RoomID]struct{})
	}
	b.connRooms[conn][room] = struct{}{}
}

// Unsubscribe removes the connection from a room's delivery set. Idempotent.
func (b *Broadcaster) Unsubscribe(conn domain.ConnID, room domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms[room], conn)
	if len(b.rooms[room]) == 0 {
		delete(b.rooms, room)
	}
	delete(b.connRooms[conn], room)
}

// Subscribed reports whether the connection is in the room's delivery set.
func (b *Broadcaster) Subscribed(conn domain.ConnID, room domain.RoomID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.rooms[room][conn]
	return ok
}

// Publish delivers to every subscriber of the room.
func (b *Broadcaster) Publish(room domain.RoomID, env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for conn := range b.rooms[room] {
		if sink, ok := b.sinks[conn]; ok {
			sink.Send(env)
		}
	}
}

// PublishExcept delivers to every subscriber of the room except one
// connection, typically the originator.
func (b *Broadcaster) PublishExcept(room domain.RoomID, except domain.ConnID, env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for conn := range b.rooms[room] {
		if conn == except {
			continue
		}
		if sink, ok := b.sinks[conn]; ok {
			sink.Send(env)
		}
	}
}

// PublishTo delivers to exactly one connection, subscribed or not. Used for
// point-to-point error events and acks.
func (b *Broadcaster) PublishTo(conn domain.ConnID, env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sink, ok := b.sinks[conn]; ok {
		sink.Send(env)
	}
}

// PublishGlobal delivers to every attached connection regardless of room
// subscriptions. Used for presence changes and digest notifications.
func (b *Broadcaster) PublishGlobal(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sink := range b.sinks {
		sink.Send(env)
	}
}
