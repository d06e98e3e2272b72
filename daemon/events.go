package daemon

import (
	"sync"

	"github.com/QPC-database/snocat/tunnel"
)

// eventChannelCapacity bounds each subscriber's event channel. Slow subscribers lose events
// rather than apply backpressure to the lifecycle that's emitting them.
const eventChannelCapacity = 32

// ConnectedEvent fires when a tunnel completes registration (REGISTERING -> REGISTERED).
type ConnectedEvent struct {
	ID     tunnel.ID
	Tunnel tunnel.Tunnel
}

// AuthenticatedEvent fires when a tunnel completes naming (AUTHENTICATING -> NAMED).
type AuthenticatedEvent struct {
	ID     tunnel.ID
	Name   tunnel.Name
	Tunnel tunnel.Tunnel
}

// DisconnectedEvent fires on every terminal transition from REGISTERED or later. Name is nil if
// the tunnel never reached NAMED.
type DisconnectedEvent struct {
	ID   tunnel.ID
	Name *tunnel.Name
}

// broadcaster fans a value out to every currently-subscribed channel, dropping it for any
// subscriber whose channel is full. Implemented here as a plain map-of-channels rather than a
// third-party pub/sub library, since the corpus has no broadcast primitive suited to a
// non-blocking, per-subscriber-bounded fan-out (the closest analogues, watchable.Map and xsync's
// map, are keyed snapshots, not fire-and-forget event buses).
type broadcaster[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan T
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[uint64]chan T)}
}

// Subscribe returns a receive-only channel that will observe every event emitted after this
// call returns, and an unsubscribe function that releases the channel.
func (b *broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, eventChannelCapacity)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

func (b *broadcaster[T]) emit(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// Subscriber's queue is full: drop the event. Events are advisory.
		}
	}
}

// Events groups the three lifecycle event streams an embedder can subscribe to.
type Events struct {
	connected     *broadcaster[ConnectedEvent]
	authenticated *broadcaster[AuthenticatedEvent]
	disconnected  *broadcaster[DisconnectedEvent]
}

func newEvents() *Events {
	return &Events{
		connected:     newBroadcaster[ConnectedEvent](),
		authenticated: newBroadcaster[AuthenticatedEvent](),
		disconnected:  newBroadcaster[DisconnectedEvent](),
	}
}

// SubscribeConnected subscribes to tunnel_connected events.
func (e *Events) SubscribeConnected() (<-chan ConnectedEvent, func()) {
	return e.connected.Subscribe()
}

// SubscribeAuthenticated subscribes to tunnel_authenticated events.
func (e *Events) SubscribeAuthenticated() (<-chan AuthenticatedEvent, func()) {
	return e.authenticated.Subscribe()
}

// SubscribeDisconnected subscribes to tunnel_disconnected events.
func (e *Events) SubscribeDisconnected() (<-chan DisconnectedEvent, func()) {
	return e.disconnected.Subscribe()
}
