package streambackend

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

// Backend wraps transport setup concerns and exposes publisher/subscriber
// construction for client stream topics. Per-topic publish order is preserved
// by both transports, which is what gives per-request fragment ordering.
type Backend interface {
	Publisher() message.Publisher
	// BuildSubscriber returns a subscriber for the given topic and whether
	// the caller owns it (and must Close it when done).
	BuildSubscriber(ctx context.Context, topic string) (message.Subscriber, bool, error)
	Close() error
}

// New constructs the backend selected by settings: Redis Streams when enabled,
// an in-process Go channel pub/sub otherwise.
func New(s Settings) (Backend, error) {
	if s.Enabled {
		return newRedisBackend(s)
	}
	return newChannelBackend(), nil
}

// channelBackend is the in-memory transport. One gochannel instance serves as
// both publisher and shared subscriber.
type channelBackend struct {
	pubsub *gochannel.GoChannel
}

func newChannelBackend() *channelBackend {
	return &channelBackend{
		pubsub: gochannel.NewGoChannel(gochannel.Config{}, NewWatermillLogger(log.Logger)),
	}
}

func (b *channelBackend) Publisher() message.Publisher { return b.pubsub }

func (b *channelBackend) BuildSubscriber(_ context.Context, topic string) (message.Subscriber, bool, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, false, errors.New("stream backend: topic is empty")
	}
	return b.pubsub, false, nil
}

func (b *channelBackend) Close() error { return b.pubsub.Close() }

// redisBackend carries streams over Redis with one consumer group per topic,
// created at the tail so a fresh subscriber does not replay history.
type redisBackend struct {
	settings Settings
	client   *redis.Client
	pub      message.Publisher
}

func newRedisBackend(s Settings) (*redisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "stream backend: redis publisher")
	}
	return &redisBackend{settings: s, client: client, pub: pub}, nil
}

func (b *redisBackend) Publisher() message.Publisher { return b.pub }

func (b *redisBackend) BuildSubscriber(ctx context.Context, topic string) (message.Subscriber, bool, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, false, errors.New("stream backend: topic is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ensureGroupAtTail(ctx, topic); err != nil {
		return nil, false, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.settings.Group,
		Consumer:      b.settings.Consumer + ":" + topic,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, false, errors.Wrap(err, "stream backend: redis subscriber")
	}
	return sub, true, nil
}

// ensureGroupAtTail creates the consumer group at $ if it does not exist,
// preventing full historical replay on first subscribe.
func (b *redisBackend) ensureGroupAtTail(ctx context.Context, topic string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, b.settings.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "stream backend: create consumer group")
	}
	log.Info().Str("component", "streambackend").Str("stream", topic).Str("group", b.settings.Group).Msg("created redis consumer group at tail")
	return nil
}

func (b *redisBackend) Close() error {
	if err := b.pub.Close(); err != nil {
		return err
	}
	return b.client.Close()
}
