package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/logging"
)

// Transport is a publisher/subscriber pair sharing one Redis client.
type Transport struct {
	Client     redis.UniversalClient
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Build connects the publisher and a subscriber in the configured consumer group.
func Build(s Settings) (*Transport, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redisstream: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := logging.NewWatermill(log.Logger.With().Str("component", "redisstream").Logger())

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: subscriber")
	}

	return &Transport{Client: client, Publisher: pub, Subscriber: sub}, nil
}

func (t *Transport) Close() error {
	var first error
	for _, c := range []func() error{t.Subscriber.Close, t.Publisher.Close, t.Client.Close} {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func (t *Transport) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	err := t.Client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
