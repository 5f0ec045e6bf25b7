package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"wager-escrow/internal/model"
)

// ── Websocket ────────────────────────────────────────

// WagerPublisher pushes to everyone watching one wager.
type WagerPublisher interface {
	PublishWager(wagerID, msgType string, data any)
}

type HubSink struct {
	hub WagerPublisher
}

func NewHubSink(hub WagerPublisher) *HubSink { return &HubSink{hub: hub} }

func (h *HubSink) Name() string { return "websocket" }

func (h *HubSink) Announce(_ context.Context, s model.WagerSummary) error {
	h.hub.PublishWager(s.ID, s.Kind+".update", s)
	return nil
}

// ── Redis ────────────────────────────────────────────

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes JSON summaries on a pub/sub channel.
type RedisSink struct {
	client  redisPublisher
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Announce(ctx context.Context, s model.WagerSummary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// ConnectRedis opens a client and pings it.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// ── Kafka ────────────────────────────────────────────

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink writes summaries to a topic keyed by wager so all updates for
// one wager land on the same partition in order.
type KafkaSink struct {
	w messageWriter
}

func NewKafkaSink(w *kafka.Writer) *KafkaSink {
	return &KafkaSink{w: w}
}

// NewKafkaWriter builds the topic writer used by KafkaSink.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Announce(ctx context.Context, s model.WagerSummary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(Key(s)),
		Value: b,
		Time:  s.At,
	})
}
