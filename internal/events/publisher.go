package events

import (
	"sync"
)

// GlobalSessionID subscribes to events from all sessions.
const GlobalSessionID = "*"

// Publisher defines the interface for event publishing. Publishers must
// never block or fail the caller; the engine treats publishing as
// fire-and-forget.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(Event) {}

// MultiPublisher fans out events to several publishers.
type MultiPublisher []Publisher

// Publish sends the event to each wrapped publisher.
func (m MultiPublisher) Publish(event Event) {
	for _, p := range m {
		p.Publish(event)
	}
}

// MemoryPublisher is an in-memory channel-based publisher for observers
// such as the CLI status stream and tests.
type MemoryPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	bufferSize  int
	closed      bool
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
}

// Publish sends an event to subscribers of its session and to global
// subscribers. Non-blocking: subscribers with full buffers miss the event.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.SessionID] {
		select {
		case ch <- event:
		default:
		}
	}
	if event.SessionID != GlobalSessionID {
		for _, ch := range p.subscribers[GlobalSessionID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving events for the given session.
// Use GlobalSessionID to receive events for all sessions.
func (p *MemoryPublisher) Subscribe(sessionID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[sessionID] = append(p.subscribers[sessionID], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(sessionID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[sessionID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[sessionID]) == 0 {
		delete(p.subscribers, sessionID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for id, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, id)
	}
}
