// Package eventbus carries session events between the controller and attached
// presentation clients. It uses an in-process watermill gochannel by default
// and Redis Streams when several processes share a session.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const TopicPrefix = "chatwidget:"

// Topic returns the stream/topic carrying events for one session.
func Topic(sessionID string) string {
	return TopicPrefix + sessionID
}

// Settings holds the event transport configuration.
type Settings struct {
	Redis    bool   `mapstructure:"redis"`
	Addr     string `mapstructure:"redis-addr"`
	Group    string `mapstructure:"redis-group"`
	Consumer string `mapstructure:"redis-consumer"`
	Buffer   int64  `mapstructure:"buffer"`
}

// Bus bundles a publisher and a subscriber sharing one transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client redis.UniversalClient
	group  string
}

// New builds the configured transport. With Redis enabled the server is
// pinged first so a bad address fails here rather than on first publish.
func New(ctx context.Context, s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Redis {
		buf := s.Buffer
		if buf <= 0 {
			buf = 256
		}
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buf}, logger)
		return &Bus{Publisher: ch, Subscriber: ch}, nil
	}

	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	bus, err := newRedisBus(client, s.Group, s.Consumer, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return bus, nil
}

func newRedisBus(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (*Bus, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	return &Bus{Publisher: pub, Subscriber: sub, client: client, group: group}, nil
}

// Publish sends payload on the session topic.
func (b *Bus) Publish(sessionID string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.Publisher.Publish(Topic(sessionID), msg)
}

// Subscribe listens on the session topic. With a Redis consumer group the
// group is created at the stream tail first.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	if err := b.EnsureGroupAtTail(ctx, sessionID, b.group); err != nil {
		return nil, err
	}
	return b.Subscriber.Subscribe(ctx, Topic(sessionID))
}

func (b *Bus) Close() error {
	var firstErr error
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	// gochannel is both publisher and subscriber
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		if err := b.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a session stream at the
// tail ($) so a new consumer does not replay the full history.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, sessionID, group string) error {
	if b.client == nil || strings.TrimSpace(group) == "" {
		return nil
	}
	stream := Topic(sessionID)
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
