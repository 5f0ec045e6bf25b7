package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wager-escrow/internal/model"
)

var summary = model.WagerSummary{
	Kind:         "event",
	ID:           "e1",
	Title:        "Derby",
	Status:       "completed",
	TotalCents:   100000,
	YesCents:     25000,
	NoCents:      75000,
	Result:       "yes",
	Participants: 3,
	At:           time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
}

type sinkFunc struct {
	name string
	fn   func(model.WagerSummary) error
}

func (s sinkFunc) Name() string { return s.name }
func (s sinkFunc) Announce(_ context.Context, w model.WagerSummary) error {
	return s.fn(w)
}

func TestFanoutReachesEverySink(t *testing.T) {
	var seen []string
	ok := func(name string) Sink {
		return sinkFunc{name, func(w model.WagerSummary) error {
			seen = append(seen, name+":"+w.ID)
			return nil
		}}
	}
	broken := sinkFunc{"broken", func(model.WagerSummary) error { return errors.New("connection refused") }}

	err := NewFanout(zap.NewNop(), ok("a"), broken, ok("b")).Announce(context.Background(), summary)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: connection refused")
	assert.Equal(t, []string{"a:e1", "b:e1"}, seen)

	assert.NoError(t, NewFanout(nil).Announce(context.Background(), summary))
}

type hubRecorder struct {
	id, msgType string
	data        any
}

func (h *hubRecorder) PublishWager(id, msgType string, data any) {
	h.id, h.msgType, h.data = id, msgType, data
}

func TestHubSink(t *testing.T) {
	h := &hubRecorder{}
	require.NoError(t, NewHubSink(h).Announce(context.Background(), summary))
	assert.Equal(t, "e1", h.id)
	assert.Equal(t, "event.update", h.msgType)
	assert.Equal(t, summary, h.data)
}

type redisRecorder struct {
	channel string
	payload []byte
	err     error
}

func (r *redisRecorder) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	r.channel = channel
	r.payload = message.([]byte)
	return redis.NewIntResult(1, r.err)
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	rec := &redisRecorder{}
	sink := &RedisSink{client: rec, channel: "wagers"}
	require.NoError(t, sink.Announce(context.Background(), summary))

	assert.Equal(t, "wagers", rec.channel)
	var got model.WagerSummary
	require.NoError(t, json.Unmarshal(rec.payload, &got))
	assert.Equal(t, summary, got)

	rec.err = errors.New("READONLY")
	assert.Error(t, sink.Announce(context.Background(), summary))
}

type kafkaRecorder struct {
	msgs []kafka.Message
}

func (k *kafkaRecorder) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	k.msgs = append(k.msgs, msgs...)
	return nil
}

func TestKafkaSinkKeysByWager(t *testing.T) {
	rec := &kafkaRecorder{}
	sink := &KafkaSink{w: rec}
	require.NoError(t, sink.Announce(context.Background(), summary))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "event:e1", string(rec.msgs[0].Key))
	assert.Equal(t, summary.At, rec.msgs[0].Time)
	assert.Contains(t, string(rec.msgs[0].Value), `"total_cents":100000`)
}
