package engine

import (
	"sync"
	"time"

	"github.com/seantiz/switchyard/internal/model"
)

// Event types.
const (
	EventStarted           = "execution_started"
	EventStepAppended      = "step_appended"
	EventDelegationUpdated = "delegation_updated"
	EventCompleted         = "execution_completed"
	EventFailed            = "execution_failed"
	EventCancelled         = "execution_cancelled"
)

// Event is a typed notification about one execution.
type Event struct {
	Type        string                    `json:"type"`
	ExecutionID string                    `json:"execution_id"`
	Timestamp   time.Time                 `json:"timestamp"`
	Status      string                    `json:"status"`
	Step        *model.Step               `json:"step,omitempty"`
	Delegation  *model.DelegationProgress `json:"delegation,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Partial     bool                      `json:"partial,omitempty"`
}

// subscriberBufferSize is the channel buffer for each subscriber. Events are
// dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans execution events out to per-execution and global subscribers.
// It is safe for concurrent use and Publish never blocks.
//
// Closed topics are retained as markers so that a subscriber arriving after
// an execution finished receives a closed channel instead of blocking
// forever. Forget drops the marker once the execution leaves memory.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*topic
	global  map[int]chan Event
	nextID  int
	dropped int
}

type topic struct {
	subs   map[int]chan Event
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
		global: make(map[int]chan Event),
	}
}

// Subscribe returns a channel of events for one execution and an
// unsubscribe function. The channel is closed when the execution reaches a
// terminal state, or immediately if it already has.
func (b *Broker) Subscribe(executionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[executionID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// SubscribeAll returns a channel receiving events for every execution. The
// channel stays open until the returned function is called.
func (b *Broker) SubscribeAll() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	id := b.nextID
	b.nextID++
	b.global[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.global[id]; ok {
			delete(b.global, id)
			close(ch)
		}
	}
}

// Publish delivers ev to the execution's subscribers and to global
// subscribers, dropping it for any subscriber whose buffer is full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[ev.ExecutionID]; ok && !t.closed {
		for _, ch := range t.subs {
			b.send(ch, ev)
		}
	}
	for _, ch := range b.global {
		b.send(ch, ev)
	}
}

func (b *Broker) send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		b.dropped++
	}
}

// Close signals that no more events will be published for the execution.
func (b *Broker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		b.topics[executionID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget removes the topic for an execution, including its closed marker.
func (b *Broker) Forget(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[executionID]; ok {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, executionID)
	}
}

// Dropped returns how many deliveries were dropped for slow subscribers.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
