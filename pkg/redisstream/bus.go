package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Bus is a publisher/subscriber pair for UI events.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	closers    []func() error
}

// Close releases the publisher, the subscriber and the Redis client.
func (b *Bus) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

// BuildBus returns a Redis Streams bus when s.Enabled is set and an in-process
// Go channel bus otherwise. For Redis, the consumer group of every topic is
// created at the stream tail so a new consumer does not replay old events.
func BuildBus(ctx context.Context, s Settings, topics ...string) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Bus{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	bus := &Bus{closers: []func() error{client.Close}}
	for _, topic := range topics {
		if err := EnsureGroupAtTail(ctx, client, topic, s.Group); err != nil {
			_ = bus.Close()
			return nil, err
		}
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = bus.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}
	bus.Publisher = pub
	bus.closers = append(bus.closers, pub.Close)

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = bus.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}
	bus.Subscriber = sub
	bus.closers = append(bus.closers, sub.Close)

	log.Info().Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("using redis streams event bus")
	return bus, nil
}

// EnsureGroupAtTail creates the consumer group for stream at "$" if it does not
// exist yet.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
