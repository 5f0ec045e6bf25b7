package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
)

// flakyStore fails the n-th SettleParticipant call while armed.
type flakyStore struct {
	db.Store
	armed atomic.Bool
	after int
}

type flakyTx struct {
	db.Tx
	s     *flakyStore
	calls int
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx db.Tx) error) error {
	return s.Store.InTx(ctx, func(tx db.Tx) error {
		return fn(&flakyTx{Tx: tx, s: s})
	})
}

func (t *flakyTx) SettleParticipant(ctx context.Context, id string, status model.ParticipantStatus, payout int64) error {
	t.calls++
	if t.s.armed.Load() && t.calls > t.s.after {
		return errors.New("connection reset")
	}
	return t.Tx.SettleParticipant(ctx, id, status, payout)
}

// proportionalEvent builds the 1000.00 pool: two YES stakes of 100.00 and
// 300.00 and one NO stake of 600.00.
func proportionalEvent(t *testing.T, h *harness) *model.Event {
	t.Helper()
	ctx := context.Background()
	ev := h.event(t, "creator", nil)
	for user, stake := range map[string]int64{"a": 10000, "b": 30000, "c": 60000} {
		h.fund(t, user, stake)
	}
	_, err := h.eng.JoinEvent(ctx, ev.ID, "a", true, 10000)
	require.NoError(t, err)
	_, err = h.eng.JoinEvent(ctx, ev.ID, "b", true, 30000)
	require.NoError(t, err)
	_, err = h.eng.JoinEvent(ctx, ev.ID, "c", false, 60000)
	require.NoError(t, err)
	return ev
}

func TestResolveEventProportionalPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := proportionalEvent(t, h)

	sum, err := h.eng.ResolveEvent(ctx, ev.ID, true, "admin")
	require.NoError(t, err)

	assert.Equal(t, int64(100000), sum.TotalCents)
	assert.Equal(t, int64(3000), sum.CreatorFeeCents)
	assert.Zero(t, sum.CreatorBonus)
	assert.Equal(t, 1, sum.Losers)
	assert.ElementsMatch(t, []model.Payout{{UserID: "a", AmountCents: 24250}, {UserID: "b", AmountCents: 72750}}, sum.Winners)

	assert.Equal(t, int64(24250), h.balance(t, "a"))
	assert.Equal(t, int64(72750), h.balance(t, "b"))
	assert.Zero(t, h.balance(t, "c"))
	assert.Equal(t, int64(3000), h.balance(t, "creator"))

	got, err := h.eng.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventCompleted, got.Status)
	require.NotNil(t, got.AdminResult)
	assert.True(t, *got.AdminResult)
	assert.Equal(t, int64(3000), got.CreatorFeeCents)

	parts, err := h.eng.ListParticipants(ctx, ev.ID)
	require.NoError(t, err)
	var paid int64
	for _, p := range parts {
		paid += p.PayoutCents
		if p.UserID == "c" {
			assert.Equal(t, model.ParticipantLost, p.Status)
		} else {
			assert.Equal(t, model.ParticipantWon, p.Status)
		}
	}
	assert.Equal(t, sum.TotalCents, paid+sum.CreatorFeeCents)

	assert.Len(t, h.rec.noticesFor("a"), 1)
	assert.Len(t, h.rec.noticesFor("c"), 1)
	assert.Len(t, h.rec.noticesFor("creator"), 1)
}

func TestResolveEventNoWinnersPaysCreatorWholePool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.event(t, "creator", nil)
	h.fund(t, "x", 20000)
	h.fund(t, "y", 30000)
	_, err := h.eng.JoinEvent(ctx, ev.ID, "x", false, 20000)
	require.NoError(t, err)
	_, err = h.eng.JoinEvent(ctx, ev.ID, "y", false, 30000)
	require.NoError(t, err)

	sum, err := h.eng.ResolveEvent(ctx, ev.ID, true, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), sum.CreatorBonus)
	assert.Zero(t, sum.CreatorFeeCents)
	assert.Empty(t, sum.Winners)
	assert.Equal(t, 2, sum.Losers)
	assert.Equal(t, int64(50000), h.balance(t, "creator"))

	got, err := h.eng.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CreatorFeeCents)

	rows, err := h.eng.Ledger(ctx, "creator", 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.PurposeCreatorBonus, rows[0].Purpose)
}

func TestResolveEventTwiceFailsWithoutPayingAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := proportionalEvent(t, h)

	_, err := h.eng.ResolveEvent(ctx, ev.ID, true, "admin")
	require.NoError(t, err)

	_, err = h.eng.ResolveEvent(ctx, ev.ID, false, "admin")
	require.ErrorIs(t, err, model.ErrAlreadyResolved)

	assert.Equal(t, int64(24250), h.balance(t, "a"))
	assert.Zero(t, h.balance(t, "c"))
	assert.Equal(t, int64(3000), h.balance(t, "creator"))
}

func TestConcurrentResolveSettlesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := proportionalEvent(t, h)

	const callers = 12
	var (
		wg       sync.WaitGroup
		ok, lost atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.eng.ResolveEvent(ctx, ev.ID, i%2 == 0, fmt.Sprintf("admin%d", i))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, model.ErrAlreadyResolved):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(callers-1), lost.Load())

	total := h.balance(t, "a") + h.balance(t, "b") + h.balance(t, "c") + h.balance(t, "creator")
	assert.Equal(t, int64(100000), total, "exactly the pool was paid out")
}

func TestResolveEventRollsBackOnFailure(t *testing.T) {
	flaky := &flakyStore{Store: db.NewMemoryStore(), after: 1}
	h := newHarnessWithStore(t, flaky)
	ctx := context.Background()
	ev := proportionalEvent(t, h)

	flaky.armed.Store(true)
	_, err := h.eng.ResolveEvent(ctx, ev.ID, true, "admin")
	require.Error(t, err)

	assert.Zero(t, h.balance(t, "a"))
	assert.Zero(t, h.balance(t, "b"))
	assert.Zero(t, h.balance(t, "creator"))
	got, err := h.eng.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AdminResult)
	assert.Equal(t, model.EventActive, got.Status)

	flaky.armed.Store(false)
	sum, err := h.eng.ResolveEvent(ctx, ev.ID, true, "admin")
	require.NoError(t, err)
	assert.Len(t, sum.Winners, 2)
	assert.Equal(t, int64(24250), h.balance(t, "a"))
}

func TestResolveEventOnEmptyPool(t *testing.T) {
	h := newHarness(t)
	ev := h.event(t, "creator", nil)

	sum, err := h.eng.ResolveEvent(context.Background(), ev.ID, false, "admin")
	require.NoError(t, err)
	assert.Zero(t, sum.TotalCents)
	assert.Zero(t, h.balance(t, "creator"))
}

func TestResolveEventAfterExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := proportionalEvent(t, h)

	h.clock.Advance(25 * time.Hour)
	ok, err := h.eng.ExpireEvent(ctx, ev.ID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.eng.JoinEvent(ctx, ev.ID, "late", true, 100)
	assert.ErrorIs(t, err, model.ErrEventClosed)

	_, err = h.eng.ResolveEvent(ctx, ev.ID, false, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(97000), h.balance(t, "c"))
}

func TestCancelEventRefundsEveryone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := proportionalEvent(t, h)

	got, err := h.eng.CancelEvent(ctx, ev.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, model.EventCancelled, got.Status)

	assert.Equal(t, int64(10000), h.balance(t, "a"))
	assert.Equal(t, int64(30000), h.balance(t, "b"))
	assert.Equal(t, int64(60000), h.balance(t, "c"))
	assert.Zero(t, h.balance(t, "creator"))

	parts, err := h.eng.ListParticipants(ctx, ev.ID)
	require.NoError(t, err)
	for _, p := range parts {
		assert.Equal(t, model.ParticipantRefunded, p.Status)
	}

	_, err = h.eng.ResolveEvent(ctx, ev.ID, true, "admin")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = h.eng.CancelEvent(ctx, ev.ID, "admin")
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestCancelResolvedEventFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := proportionalEvent(t, h)
	_, err := h.eng.ResolveEvent(ctx, ev.ID, true, "admin")
	require.NoError(t, err)

	_, err = h.eng.CancelEvent(ctx, ev.ID, "admin")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
}

func TestNotifierFailureDoesNotUndoSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := proportionalEvent(t, h)
	h.rec.failFor = "a"

	_, err := h.eng.ResolveEvent(ctx, ev.ID, true, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(24250), h.balance(t, "a"))
	assert.Len(t, h.rec.noticesFor("b"), 1, "other recipients still notified")
}
