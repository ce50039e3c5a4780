package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventMessageAppended    EventType = "message_appended"
	EventMessageUpdated     EventType = "message_updated"
	EventMessageRemoved     EventType = "message_removed"
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventHistoryLoaded      EventType = "history_loaded"
	EventLoadFailed         EventType = "load_failed"
	EventFrameDropped       EventType = "frame_dropped"
)

// Event tells observers that the session state or its transcript changed.
// Seq is unique per session and grows with emission time.
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Seq            uint64        `json:"seq"`
	At             time.Time     `json:"at"`
	State          SessionState  `json:"state"`
	Message        *Message      `json:"message,omitempty"`
	Count          int           `json:"count,omitempty"`
	Attempt        int           `json:"attempt,omitempty"`
	Delay          time.Duration `json:"delay,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// EventSink receives session events in order, from a single goroutine.
type EventSink interface {
	PublishEvent(Event) error
}

type EventSinkFunc func(Event) error

func (f EventSinkFunc) PublishEvent(e Event) error { return f(e) }

// eventQueue decouples emitters (often holding the session lock) from the sink.
// Nothing is dropped and the sink sees events in emission order. The drain
// goroutine starts with the session and exits once close has been called.
type eventQueue struct {
	sink   EventSink
	convID func() string
	once   sync.Once

	mu      sync.Mutex
	pending []Event
	closed  bool
	notify  chan struct{}
}

func newEventQueue(sink EventSink, convID func() string) *eventQueue {
	q := &eventQueue{
		sink:   sink,
		convID: convID,
		notify: make(chan struct{}, 1),
	}
}

func (q *eventQueue) start() {
	q.once.Do(func() { go q.run() })
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// close lets the drain goroutine deliver what is queued and exit. It does not
// wait, so a sink may close the session from inside PublishEvent.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.start()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for range q.notify {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, e := range batch {
			if q.sink == nil {
				continue
			}
			if err := q.sink.PublishEvent(e); err != nil {
				log.Warn().Err(err).Str("component", "chat").Str("conv_id", q.convID()).Str("event", string(e.Type)).Msg("event sink publish failed")
			}
		}
		if closed {
			return
		}
	}
}
