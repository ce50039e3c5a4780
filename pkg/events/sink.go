package events

import (
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marketchat/pkg/chat"
)

// Sink publishes session events as JSON to the conversation topic.
type Sink struct {
	publisher message.Publisher
}

var _ chat.EventSink = &Sink{}

func NewSink(publisher message.Publisher) *Sink {
	return &Sink{publisher: publisher}
}

func (s *Sink) PublishEvent(e chat.Event) error {
	if e.ConversationID == "" {
		// nothing to route on before the conversation is resolved
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "events: encode session event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event_type", string(e.Type))
	msg.Metadata.Set("seq", strconv.FormatUint(e.Seq, 10))
	if err := s.publisher.Publish(TopicForConversation(e.ConversationID), msg); err != nil {
		return errors.Wrapf(err, "events: publish %s", e.Type)
	}
	return nil
}
