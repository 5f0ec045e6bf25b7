package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
)

// Operations driven by the lifecycle scheduler. Each one handles a single
// wager so the scheduler can carry on past individual failures.

// isStale reports a precondition that no longer holds, typically because
// another actor already moved the wager.
func isStale(err error) bool {
	return errors.Is(err, model.ErrInvalidState) || errors.Is(err, model.ErrAlreadyResolved)
}

func (e *Engine) EventsEndingBetween(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	var out []model.Event
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		out, err = tx.ListEventsEndingBetween(ctx, from, to)
		return err
	})
	return out, err
}

func (e *Engine) ExpiredEvents(ctx context.Context, now time.Time) ([]model.Event, error) {
	var out []model.Event
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		out, err = tx.ListExpiredEvents(ctx, now)
		return err
	})
	return out, err
}

// SendEndingNotice flips the event's ending-notice flag and, if this call
// was the one that flipped it, tells the creator and every participant.
func (e *Engine) SendEndingNotice(ctx context.Context, eventID string) (bool, error) {
	ev, parts, ok, err := e.flagEvent(ctx, eventID, func(tx db.Tx) (bool, error) {
		return tx.MarkEndingNotice(ctx, eventID)
	})
	if err != nil || !ok {
		return false, err
	}
	data := map[string]any{"event_id": ev.ID, "end_date": ev.EndDate}
	msg := fmt.Sprintf("%q closes at %s", ev.Title, ev.EndDate.Format(time.RFC3339))
	e.deliver(ctx, audience(ev, parts, "Event ending soon", msg, data))
	return true, nil
}

// ExpireEvent moves an active event past its end date to pending_admin.
// Funds stay in escrow until an administrator resolves it.
func (e *Engine) ExpireEvent(ctx context.Context, eventID string, now time.Time) (bool, error) {
	unlock := e.locks.Lock(eventKey(eventID))
	defer unlock()

	ev, parts, ok, err := e.flagEvent(ctx, eventID, func(tx db.Tx) (bool, error) {
		return tx.ExpireEvent(ctx, eventID, now)
	})
	if err != nil || !ok {
		return false, err
	}
	ev.Status = model.EventPendingAdmin
	e.log.Info("event awaiting resolution", zap.String("event_id", ev.ID), zap.Int64("pool_total", ev.Pool.TotalCents))
	msg := fmt.Sprintf("%q has ended and is awaiting review", ev.Title)
	e.deliver(ctx, audience(ev, parts, "Event awaiting review", msg, map[string]any{"event_id": ev.ID}))
	e.announce(eventSummary(ev, len(parts), now))
	return true, nil
}

func (e *Engine) flagEvent(ctx context.Context, eventID string, swap func(tx db.Tx) (bool, error)) (*model.Event, []model.Participant, bool, error) {
	var (
		ev    *model.Event
		parts []model.Participant
		ok    bool
	)
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, eventID, true)
		if err != nil {
			return err
		}
		if ev == nil {
			return model.ErrEventNotFound
		}
		if ok, err = swap(tx); err != nil || !ok {
			return err
		}
		parts, err = tx.ListParticipants(ctx, eventID)
		return err
	})
	return ev, parts, ok, err
}

func audience(ev *model.Event, parts []model.Participant, title, message string, data map[string]any) []notice {
	seen := map[string]bool{ev.CreatorID: true}
	out := []notice{{userID: ev.CreatorID, title: title, message: message, data: data}}
	for _, p := range parts {
		if seen[p.UserID] {
			continue
		}
		seen[p.UserID] = true
		out = append(out, notice{userID: p.UserID, title: title, message: message, data: data})
	}
	return out
}
