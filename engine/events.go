// ABOUTME: Per-execution event channel: a bounded ring of progress events with late-subscribe replay.
// ABOUTME: Producers append, subscribers get history plus a live feed; overflow drops the oldest events.
package engine

import (
	"sync"
	"time"
)

// EventKind identifies what happened.
type EventKind string

const (
	EventStarted     EventKind = "started"
	EventCompleted   EventKind = "completed"
	EventFailed      EventKind = "failed"
	EventSkipped     EventKind = "skipped"
	EventRetrying    EventKind = "retrying"
	EventCancelled   EventKind = "cancelled"
	EventTestWebhook EventKind = "testWebhook"
)

const subscriberBuffer = 256

// Event is one progress record. It is never mutated after append.
type Event struct {
	ExecutionID string         `json:"executionId"`
	NodeID      string         `json:"nodeId"`
	Kind        EventKind      `json:"kind"`
	Sequence    uint64         `json:"sequence"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionLevel reports whether the event describes the whole execution.
func (e Event) ExecutionLevel() bool {
	return e.NodeID == ""
}

// EventChannel is a bounded ring of events for one execution.
type EventChannel struct {
	mu          sync.Mutex
	executionID string
	ring        []Event
	start       int
	count       int
	nextSeq     uint64
	dropped     uint64
	subs        map[int]chan Event
	nextSub     int
	closed      bool
}

// NewEventChannel creates a channel retaining at most capacity events.
func NewEventChannel(executionID string, capacity int) *EventChannel {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventChannel{
		executionID: executionID,
		ring:        make([]Event, capacity),
		subs:        make(map[int]chan Event),
	}
}

// Append stamps and stores an event, then fans it out to subscribers.
// Appending to a closed channel is a no-op.
func (c *EventChannel) Append(kind EventKind, nodeID string, payload map[string]any) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Event{}
	}
	c.nextSeq++
	evt := Event{
		ExecutionID: c.executionID,
		NodeID:      nodeID,
		Kind:        kind,
		Sequence:    c.nextSeq,
		Payload:     payload,
		Timestamp:   time.Now(),
	}
	if c.count == len(c.ring) {
		c.start = (c.start + 1) % len(c.ring)
		c.count--
		c.dropped++
	}
	c.ring[(c.start+c.count)%len(c.ring)] = evt
	c.count++

	for _, ch := range c.subs {
		deliver(ch, evt)
	}
	return evt
}

// deliver sends without blocking, evicting the subscriber's oldest
// buffered event when its buffer is full.
func deliver(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
	}
}

// History returns the retained events in sequence order.
func (c *EventChannel) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLocked()
}

func (c *EventChannel) historyLocked() []Event {
	out := make([]Event, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.ring[(c.start+i)%len(c.ring)]
	}
	return out
}

// Subscribe returns the retained history and a live feed of later events.
// The feed is closed when the channel closes or cancel is called.
func (c *EventChannel) Subscribe() (history []Event, live <-chan Event, cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history = c.historyLocked()
	ch := make(chan Event, subscriberBuffer)
	if c.closed {
		close(ch)
		return history, ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
	return history, ch, cancel
}

// Close ends live delivery. History stays readable.
func (c *EventChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// Len returns the number of retained events.
func (c *EventChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Dropped returns how many events were evicted by the cap.
func (c *EventChannel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// LastSequence returns the sequence of the most recent event.
func (c *EventChannel) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

// release drops retained events once the execution is forgotten.
func (c *EventChannel) release() {
	c.Close()
	c.mu.Lock()
	c.ring = make([]Event, 1)
	c.start, c.count = 0, 0
	c.mu.Unlock()
}
