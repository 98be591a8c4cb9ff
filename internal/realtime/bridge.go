package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/events"
	"github.com/spec-kit/storefront-chat/internal/observability"
)

const cleanupTimeout = 3 * time.Second

// sessionUpdate is the wire payload announced on the realtime topic.
type sessionUpdate struct {
	SessionID int64            `json:"session_id"`
	Type      events.EventType `json:"type"`
}

// Transport is the publisher/subscriber pair a Bridge runs on.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// cleanup runs after both halves are closed.
	cleanup func(ctx context.Context) error
}

// Close closes both halves of the transport and releases any broker state
// owned by this instance.
func (t Transport) Close() error {
	var errs []string
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if t.cleanup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := t.cleanup(ctx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close realtime transport: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NewMemoryTransport returns an in-process transport for single-instance deployments.
func NewMemoryTransport(logger *zap.Logger) Transport {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, observability.NewWatermillLogger(logger))
	return Transport{Publisher: ps, Subscriber: ps}
}

// RedisTransportConfig configures NewRedisTransport.
type RedisTransportConfig struct {
	Topic       string
	GroupPrefix string
	// MaxLen caps the stream with an approximate MAXLEN on every XADD.
	// Zero leaves the stream untrimmed.
	MaxLen int64
}

// NewRedisTransport returns a Redis Streams transport. Every instance reads the
// stream through its own consumer group, so each one sees every update. The
// group is destroyed when the transport closes.
func NewRedisTransport(ctx context.Context, client redis.UniversalClient, cfg RedisTransportConfig, logger *zap.Logger) (Transport, error) {
	wmLogger := observability.NewWatermillLogger(logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	group := InstanceGroup(cfg.GroupPrefix)
	if err := ensureGroupAtTail(ctx, client, cfg.Topic, group); err != nil {
		return Transport{}, err
	}
	cleanup := func(ctx context.Context) error {
		return destroyGroup(ctx, client, cfg.Topic, group)
	}

	pub, err := rstream.NewPublisher(redisPublisherConfig(client, marshaler, cfg.MaxLen), wmLogger)
	if err != nil {
		_ = cleanup(ctx)
		return Transport{}, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      group,
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		_ = cleanup(ctx)
		return Transport{}, err
	}
	logger.Info("realtime redis transport ready",
		zap.String("topic", cfg.Topic),
		zap.String("group", group),
		zap.Int64("max_len", cfg.MaxLen))
	return Transport{Publisher: pub, Subscriber: sub, cleanup: cleanup}, nil
}

func redisPublisherConfig(client redis.UniversalClient, marshaler rstream.Marshaller, maxLen int64) rstream.PublisherConfig {
	cfg := rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}
	if maxLen > 0 {
		cfg.DefaultMaxlen = maxLen
	}
	return cfg
}

// InstanceGroup derives a consumer group name unique to this process.
func InstanceGroup(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

// ensureGroupAtTail creates the group at "$" so a new instance does not replay history.
func ensureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	return nil
}

func destroyGroup(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if err := client.XGroupDestroy(ctx, stream, group).Err(); err != nil {
		return fmt.Errorf("destroy consumer group %s: %w", group, err)
	}
	return nil
}

// Bridge announces chat events on a topic and turns every announcement it
// consumes into a local hub wake-up.
type Bridge struct {
	transport Transport
	topic     string
	hub       *Hub
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewBridge builds a bridge over transport.
func NewBridge(transport Transport, topic string, hub *Hub, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{transport: transport, topic: topic, hub: hub, logger: logger}
}

// RegisterHandlers subscribes the bridge to the events that change what a
// session stream shows.
func (b *Bridge) RegisterHandlers(dispatcher events.Dispatcher) {
	dispatcher.Subscribe(events.EventMessageAdded, b.Publish)
	dispatcher.Subscribe(events.EventSessionStatusChanged, b.Publish)
}

// Publish announces event on the topic.
func (b *Bridge) Publish(_ context.Context, event events.Event) error {
	payload, err := json.Marshal(sessionUpdate{SessionID: event.SessionID, Type: event.Type})
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event_type", string(event.Type))
	if err := b.transport.Publisher.Publish(b.topic, msg); err != nil {
		// streams still see the change on their next heartbeat refresh
		b.logger.Warn("realtime publish failed", zap.Int64("session_id", event.SessionID), zap.Error(err))
		return err
	}
	return nil
}

// Start subscribes to the topic and consumes it until ctx is cancelled or the
// transport is closed. The subscription exists when Start returns.
func (b *Bridge) Start(ctx context.Context) error {
	msgs, err := b.transport.Subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			b.consume(msg)
		}
	}()
	return nil
}

// Wait blocks until the consumer loop has exited.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) consume(msg *message.Message) {
	defer msg.Ack()
	var update sessionUpdate
	if err := json.Unmarshal(msg.Payload, &update); err != nil {
		b.logger.Warn("dropping malformed realtime message", zap.String("uuid", msg.UUID), zap.Error(err))
		return
	}
	b.hub.Notify(update.SessionID)
}
