package events

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/logging"
	"github.com/go-go-golems/marketchat/pkg/redisstream"
)

const (
	DriverGoChannel = "gochannel"
	DriverRedis     = "redis"
)

const DefaultBuffer = 256

type Settings struct {
	Driver string
	Buffer int64
	Redis  redisstream.Settings
}

func DefaultSettings() Settings {
	return Settings{Driver: DriverGoChannel, Buffer: DefaultBuffer, Redis: redisstream.DefaultSettings()}
}

// TopicForConversation is the topic session events of a conversation go to.
func TopicForConversation(conversationID string) string {
	return "chat:" + conversationID
}

// Bus carries session events between the session and its observers.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	prepare func(ctx context.Context, topic string) error
	close   func() error
}

func NewBus(s Settings) (*Bus, error) {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", DriverGoChannel:
		logger := logging.NewWatermill(log.Logger.With().Str("component", "events").Logger())
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: s.Buffer}, logger)
		return &Bus{Publisher: ch, Subscriber: ch, close: ch.Close}, nil
	case DriverRedis:
		t, err := redisstream.Build(s.Redis)
		if err != nil {
			return nil, err
		}
		group := s.Redis.Group
		return &Bus{
			Publisher:  t.Publisher,
			Subscriber: t.Subscriber,
			prepare: func(ctx context.Context, topic string) error {
				return t.EnsureGroupAtTail(ctx, topic, group)
			},
			close: t.Close,
		}, nil
	default:
		return nil, errors.Errorf("events: unknown bus driver %q", s.Driver)
	}
}

// Follow starts a follower on a conversation's topic. On Redis Streams the
// consumer group is created at the tail first, so earlier runs are not replayed.
func (b *Bus) Follow(ctx context.Context, conversationID string, onEvent func(chat.Event, Cursor)) (*Follower, error) {
	if b.prepare != nil {
		if err := b.prepare(ctx, TopicForConversation(conversationID)); err != nil {
			return nil, err
		}
	}
	f := NewFollower(conversationID, b.Subscriber, onEvent)
	if err := f.Start(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func (b *Bus) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}
