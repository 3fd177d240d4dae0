// Package eventbus provides a non-blocking, bounded fan-out of
// network events to interested subscribers (reachability detector,
// replication fetcher, metrics), decoupling them from the swarm
// driver's single-threaded event loop (spec §4.5, §5).
package eventbus

import (
	"sync"

	"github.com/antswarm/swarmcore/internal/key"
	"github.com/antswarm/swarmcore/pkg/logging"
)

var log = logging.For("eventbus")

// Kind distinguishes the network occurrences the bus carries.
type Kind int

const (
	PeerConnected Kind = iota
	PeerDisconnected
	CloseGroupChanged
	IdentifyObserved
)

// Event is one occurrence published on the bus.
type Event struct {
	Kind       Kind
	Peer       key.PeerID
	CloseGroup []key.PeerID
}

// Bus fans out events to subscribers via bounded channels; a slow
// subscriber drops events rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	capacity    int
}

// New builds a Bus whose per-subscriber channel holds capacity
// buffered events before dropping the newest.
func New(capacity int) *Bus {
	return &Bus{subscribers: make(map[int]chan Event), capacity: capacity}
}

// Subscription is returned by Subscribe; call Unsubscribe when done.
type Subscription struct {
	id int
	ch chan Event
	b  *Bus
}

// Events returns the channel new events arrive on.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	delete(s.b.subscribers, s.id)
	s.b.mu.Unlock()
	close(s.ch)
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.capacity)
	b.subscribers[id] = ch
	return &Subscription{id: id, ch: ch, b: b}
}

// Publish fans ev out to every current subscriber, dropping it for
// any subscriber whose channel is full.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			log.Warnf("subscriber %d lagging, dropping event", id)
		}
	}
}
