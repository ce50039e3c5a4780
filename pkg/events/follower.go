package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/chat"
)

// Cursor locates a delivered event: the session sequence number and, on
// Redis Streams, the stream entry it was read from.
type Cursor struct {
	StreamID string
	Seq      uint64
}

// Follower owns the subscriber that feeds one conversation's session events
// to a callback, in order. Events at or below the last delivered sequence
// number are redeliveries and are skipped.
type Follower struct {
	convID     string
	subscriber message.Subscriber
	onEvent    func(chat.Event, Cursor)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	last    Cursor
}

func NewFollower(convID string, subscriber message.Subscriber, onEvent func(chat.Event, Cursor)) *Follower {
	return &Follower{
		convID:     convID,
		subscriber: subscriber,
		onEvent:    onEvent,
	}
}

// Start subscribes before returning, so events published afterwards are seen.
func (f *Follower) Start(ctx context.Context) error {
	if f == nil || f.subscriber == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := f.subscriber.Subscribe(runCtx, TopicForConversation(f.convID))
	if err != nil {
		cancel()
		log.Error().Err(err).Str("component", "events").Str("conv_id", f.convID).Msg("follower: subscribe failed")
		return err
	}
	f.cancel = cancel
	f.running = true
	f.done = make(chan struct{})
	go f.consume(ch, f.done)
	return nil
}

func (f *Follower) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = nil
	f.mu.Unlock()
}

// Done is closed once the consumer goroutine has exited.
func (f *Follower) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *Follower) IsRunning() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Last is the cursor of the most recently delivered event.
func (f *Follower) Last() Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *Follower) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "events").Str("conv_id", f.convID).Msg("follower: started")
	for msg := range ch {
		var ev chat.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Warn().Err(err).Str("component", "events").Str("conv_id", f.convID).Msg("follower: failed to decode event")
			msg.Ack()
			continue
		}

		cur := Cursor{StreamID: streamID(msg), Seq: ev.Seq}
		if !f.advance(cur) {
			log.Debug().Str("component", "events").Str("conv_id", f.convID).Uint64("seq", cur.Seq).Msg("follower: skipping redelivered event")
			msg.Ack()
			continue
		}
		if f.onEvent != nil {
			f.onEvent(ev, cur)
		}
		msg.Ack()
	}
	log.Debug().Str("component", "events").Str("conv_id", f.convID).Msg("follower: stopped")
	f.mu.Lock()
	f.running = false
	f.cancel = nil
	f.mu.Unlock()
}

func (f *Follower) advance(cur Cursor) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur.Seq != 0 && cur.Seq <= f.last.Seq {
		return false
	}
	f.last = cur
	return true
}

func streamID(msg *message.Message) string {
	if msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}
