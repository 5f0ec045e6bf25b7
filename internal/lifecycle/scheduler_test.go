package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wager-escrow/internal/db"
	"wager-escrow/internal/engine"
	"wager-escrow/internal/model"
)

var t0 = time.Date(2026, 7, 4, 9, 0, 0, 0, time.UTC)

type inbox struct {
	mu   sync.Mutex
	got  map[string][]string
	fail map[string]bool
}

func (i *inbox) Notify(_ context.Context, userID, title, _ string, _ map[string]any) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fail[userID] {
		return errors.New("unreachable")
	}
	if i.got == nil {
		i.got = map[string][]string{}
	}
	i.got[userID] = append(i.got[userID], title)
	return nil
}

func (i *inbox) titles(userID string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.got[userID]...)
}

type fixture struct {
	eng   *engine.Engine
	sched *Scheduler
	inbox *inbox
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{inbox: &inbox{fail: map[string]bool{}}, now: t0}
	clock := func() time.Time { return f.now }
	f.eng = engine.New(db.NewMemoryStore(), f.inbox, nil, zap.NewNop(), engine.Options{
		CreatorFeeBps:  300,
		PlatformFeeBps: 500,
		Registerer:     prometheus.NewRegistry(),
		Now:            clock,
	})
	sched, err := NewScheduler(
		Deps{Ledger: f.eng, Metrics: f.eng.Metrics(), Logger: zap.NewNop()},
		Options{Interval: time.Minute, EndingSoonWindow: time.Hour, Now: clock},
	)
	require.NoError(t, err)
	f.sched = sched
	return f
}

func (f *fixture) eventEndingIn(t *testing.T, d time.Duration, participants ...string) *model.Event {
	t.Helper()
	ctx := context.Background()
	ev, err := f.eng.CreateEvent(ctx, "creator", model.NewEvent{Title: "Match", EndDate: f.now.Add(d)})
	require.NoError(t, err)
	for _, u := range participants {
		_, err := f.eng.Deposit(ctx, u, 1000, ev.ID+u)
		require.NoError(t, err)
		_, err = f.eng.JoinEvent(ctx, ev.ID, u, true, 1000)
		require.NoError(t, err)
	}
	return ev
}

func TestNewSchedulerRequiresLedgerAndInterval(t *testing.T) {
	_, err := NewScheduler(Deps{}, Options{Interval: time.Minute})
	assert.Error(t, err)

	f := newFixture(t)
	_, err = NewScheduler(Deps{Ledger: f.eng}, Options{})
	assert.Error(t, err)
}

func TestEndingSoonNoticeIsSentOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soon := f.eventEndingIn(t, 30*time.Minute, "alice", "bob")
	f.eventEndingIn(t, 3*time.Hour, "carol")

	r := f.sched.RunOnce(ctx)
	assert.Equal(t, 1, r.EndingNotices)
	assert.Zero(t, r.Errors)
	assert.Equal(t, []string{"Event ending soon"}, f.inbox.titles("alice"))
	assert.Equal(t, []string{"Event ending soon"}, f.inbox.titles("creator"))
	assert.Empty(t, f.inbox.titles("carol"))

	f.now = f.now.Add(10 * time.Minute)
	r = f.sched.RunOnce(ctx)
	assert.Zero(t, r.EndingNotices)
	assert.Len(t, f.inbox.titles("alice"), 1)

	got, err := f.eng.GetEvent(ctx, soon.ID)
	require.NoError(t, err)
	assert.True(t, got.EndingNoticeSent)
}

func TestExpirySweepMovesEventsToPendingAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.eventEndingIn(t, 2*time.Hour, "alice")

	f.now = f.now.Add(3 * time.Hour)
	r := f.sched.RunOnce(ctx)
	assert.Equal(t, 1, r.EventsExpired)
	assert.Zero(t, r.EndingNotices, "already past the end date")

	got, err := f.eng.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventPendingAdmin, got.Status)
	assert.Nil(t, got.AdminResult)
	assert.Equal(t, int64(1000), got.Pool.TotalCents, "funds stay in escrow")
	assert.Contains(t, f.inbox.titles("alice"), "Event awaiting review")

	w, err := f.eng.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, w.BalanceCents)

	r = f.sched.RunOnce(ctx)
	assert.Zero(t, r.EventsExpired)
}

func TestNotificationFailureDoesNotBlockOtherWagers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.eventEndingIn(t, time.Hour, "alice")
	second := f.eventEndingIn(t, time.Hour, "bob")
	f.inbox.fail["alice"] = true

	f.now = f.now.Add(2 * time.Hour)
	r := f.sched.RunOnce(ctx)
	assert.Equal(t, 2, r.EventsExpired)
	assert.Zero(t, r.Errors)

	for _, id := range []string{first.ID, second.ID} {
		got, err := f.eng.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.EventPendingAdmin, got.Status)
	}
	assert.Contains(t, f.inbox.titles("bob"), "Event awaiting review")
	assert.Equal(t, float64(2), testutil.ToFloat64(f.eng.Metrics().SchedulerTransitions.WithLabelValues(sweepExpiry)))
}

func TestStaleChallengesAreCancelledAndRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.Deposit(ctx, "alice", 5000, "seed")
	require.NoError(t, err)
	c, err := f.eng.CreateChallenge(ctx, "alice", model.NewChallenge{
		ChallengedID: "bob", Title: "Pool", AmountCents: 5000, DueDate: f.now.Add(time.Hour),
	})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	r := f.sched.RunOnce(ctx)
	assert.Equal(t, 1, r.ChallengesExpired)

	got, err := f.eng.GetChallenge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeCancelled, got.Status)
	w, err := f.eng.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), w.BalanceCents)
}

// brokenLedger fails the listing for one sweep only.
type brokenLedger struct {
	Ledger
}

func (brokenLedger) ExpiredEvents(context.Context, time.Time) ([]model.Event, error) {
	return nil, errors.New("db down")
}

func TestSweepErrorIsCountedAndRunContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eventEndingIn(t, 30*time.Minute, "alice")

	sched, err := NewScheduler(
		Deps{Ledger: brokenLedger{Ledger: f.eng}, Metrics: f.eng.Metrics()},
		Options{Interval: time.Minute, Now: func() time.Time { return f.now }},
	)
	require.NoError(t, err)

	r := sched.RunOnce(ctx)
	assert.Equal(t, 1, r.Errors)
	assert.Equal(t, 1, r.EndingNotices, "ending-soon sweep unaffected")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.eng.Metrics().SchedulerErrors.WithLabelValues(sweepExpiry)))
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	f := newFixture(t)
	f.eventEndingIn(t, 30*time.Minute, "alice")

	f.sched.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(f.inbox.titles("alice")) == 1
	}, time.Second, 10*time.Millisecond)
	f.sched.Stop()
}

func TestEndingSoonFlagSetEvenWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.eventEndingIn(t, 30*time.Minute, "alice")
	f.inbox.fail["alice"] = true
	f.inbox.fail["creator"] = true

	r := f.sched.RunOnce(ctx)
	assert.Equal(t, 1, r.EndingNotices)
	assert.Zero(t, r.Errors, "delivery failures are not sweep errors")
	assert.Equal(t, float64(2), testutil.ToFloat64(f.eng.Metrics().CollaboratorFailures.WithLabelValues("notifier")))

	got, err := f.eng.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.EndingNoticeSent)

	delete(f.inbox.fail, "alice")
	delete(f.inbox.fail, "creator")
	r = f.sched.RunOnce(ctx)
	assert.Zero(t, r.EndingNotices, "at most once: no retry after a failed delivery")
	assert.Empty(t, f.inbox.titles("alice"))
}
