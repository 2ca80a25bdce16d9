// Package events carries lifecycle notifications to observers. Publishing
// never blocks the publisher and observers cannot influence execution.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	PhaseChanged     EventType = "phase_changed"
	StoryClaimed     EventType = "story_claimed"
	StoryCompleted   EventType = "story_completed"
	StoryBlocked     EventType = "story_blocked"
	IterationStarted EventType = "iteration_started"
	IterationEnded   EventType = "iteration_ended"
)

// LifecycleTypes lists every event the executors emit.
func LifecycleTypes() []EventType {
	return []EventType{PhaseChanged, StoryClaimed, StoryCompleted, StoryBlocked, IterationStarted, IterationEnded}
}

// Event represents a system event.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is the narrow interface executors depend on.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

type subscription struct {
	ch    chan Event
	types map[EventType]bool
}

// Bus is a non-blocking event bus. Each subscriber has a buffered channel;
// when it is full the event is dropped for that subscriber and counted.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	dropped    atomic.Uint64
	closed     bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers fn for the given event types, or for every type when
// none are given. fn runs on its own goroutine; panics in fn are recovered.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	if b.closed {
		close(sub.ch)
		return func() {}
	}
	b.subs = append(b.subs, sub)

	go func() {
		for event := range sub.ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					close(sub.ch)
					break
				}
			}
		})
	}
}

// Publish sends an event to all interested subscribers without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, s := range b.subs {
		if s.types != nil && !s.types[eventType] {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.closed = true
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(EventType, map[string]any) {}
