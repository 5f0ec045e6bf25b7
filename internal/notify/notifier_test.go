package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
)

type fakeSender struct {
	name string
	err  error
	got  []Message
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, m Message) error {
	f.got = append(f.got, m)
	return f.err
}

type pushRecorder struct {
	user, msgType string
	data          any
}

func (p *pushRecorder) PublishUser(userID, msgType string, data any) {
	p.user, p.msgType, p.data = userID, msgType, data
}

func TestDispatcherContinuesPastFailedSender(t *testing.T) {
	broken := &fakeSender{name: "broken", err: errors.New("smtp down")}
	ok := &fakeSender{name: "ok"}
	d := NewDispatcher(zap.NewNop(), broken, ok)

	err := d.Notify(context.Background(), "alice", "You won", "+100", map[string]any{"event_id": "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	require.Len(t, ok.got, 1)
	assert.Equal(t, "alice", ok.got[0].UserID)
	assert.Equal(t, broken.got[0].ID, ok.got[0].ID, "senders share one message")
}

func TestDispatcherRejectsEmptyUser(t *testing.T) {
	s := &fakeSender{name: "s"}
	err := NewDispatcher(nil, s).Notify(context.Background(), "", "t", "m", nil)
	assert.Error(t, err)
	assert.Empty(t, s.got)
}

func TestInboxAndHubSenders(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	push := &pushRecorder{}
	d := NewDispatcher(zap.NewNop(), NewInboxSender(store), NewHubSender(push))
	d.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, d.Notify(ctx, "bob", "Challenge received", "alice challenged you", map[string]any{"challenge_id": "c1"}))

	var inbox []model.Notification
	require.NoError(t, store.InTx(ctx, func(tx db.Tx) error {
		var err error
		inbox, err = tx.ListNotifications(ctx, "bob", 10)
		return err
	}))
	require.Len(t, inbox, 1)
	assert.Equal(t, "Challenge received", inbox[0].Title)
	assert.Equal(t, "c1", inbox[0].Data["challenge_id"])

	assert.Equal(t, "bob", push.user)
	assert.Equal(t, "notification", push.msgType)
	pushed, ok := push.data.(model.Notification)
	require.True(t, ok)
	assert.Equal(t, inbox[0].ID, pushed.ID)
}
