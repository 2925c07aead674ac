package notestore

import (
	"sync/atomic"

	"github.com/starford/perthro/internal/noteid"
)

// Event kinds published by the store.
const (
	EventNoteCreated   = "note.created"
	EventNoteUpdated   = "note.updated"
	EventNoteDeleted   = "note.deleted"
	EventStudyRecorded = "study.recorded"
	EventStoreMerged   = "store.merged"
)

// Event describes one observable store change.
type Event struct {
	Kind   string      `json:"kind"`
	NoteID noteid.ID   `json:"noteID,omitempty"`
	Merge  MergeResult `json:"merge,omitzero"`
}

// Broker fans store events out to subscribers.
//
// Concurrency model: a single internal loop owns the subscriber set, and
// public methods communicate with it through channels. Delivery always
// happens on the loop goroutine, never reentrant into the store write that
// produced the event, and a slow subscriber is skipped rather than allowed
// to block the loop.
type Broker struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker and starts its loop.
func NewBroker() *Broker {
	b := &Broker{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	subscribers := make(map[chan Event]struct{})

	for {
		select {
		case <-b.stopCh:
			for ch := range subscribers {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			subscribers[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := subscribers[ch]; ok {
				delete(subscribers, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			for ch := range subscribers {
				select {
				case ch <- ev:
				default:
					// Subscriber buffer full; drop rather than block.
				}
			}
		}
	}
}

// Subscribe registers a new subscriber and returns its channel. The channel
// is closed on Unsubscribe or broker shutdown.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// Publish sends an event to all subscribers.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// Close stops the loop and closes all subscriber channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}
