package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
)

// ── Event Pool Ledger ────────────────────────────────

func eventKey(id string) string { return "event:" + id }

func (e *Engine) CreateEvent(ctx context.Context, creatorID string, in model.NewEvent) (*model.Event, error) {
	in.Title = strings.TrimSpace(in.Title)
	now := e.now()
	switch {
	case creatorID == "":
		return nil, model.ErrUnauthorized
	case in.Title == "":
		return nil, fmt.Errorf("title required: %w", model.ErrInvalidInput)
	case !in.EndDate.After(now):
		return nil, fmt.Errorf("end date must be in the future: %w", model.ErrInvalidInput)
	case in.EntryFeeCents < 0:
		return nil, model.ErrInvalidAmount
	case in.MaxParticipants < 0:
		return nil, fmt.Errorf("max participants must be >= 0: %w", model.ErrInvalidInput)
	}

	ev := &model.Event{
		ID:              newID(),
		CreatorID:       creatorID,
		Title:           in.Title,
		Category:        strings.TrimSpace(in.Category),
		EntryFeeCents:   in.EntryFeeCents,
		EndDate:         in.EndDate.UTC(),
		Status:          model.EventActive,
		IsPrivate:       in.IsPrivate,
		MaxParticipants: in.MaxParticipants,
		CreatedAt:       now,
	}
	if err := e.store.InTx(ctx, func(tx db.Tx) error { return tx.InsertEvent(ctx, ev) }); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	e.log.Info("event created", zap.String("event_id", ev.ID), zap.String("creator_id", creatorID),
		zap.Bool("private", ev.IsPrivate), zap.Time("end_date", ev.EndDate))
	e.announce(eventSummary(ev, 0, now))
	return ev, nil
}

// JoinEvent stakes amount on one side of an event. Private events record a
// pending join request for the creator instead and move no funds.
func (e *Engine) JoinEvent(ctx context.Context, eventID, userID string, prediction bool, amount int64) (*model.JoinResult, error) {
	if userID == "" {
		return nil, model.ErrUnauthorized
	}
	unlock := e.locks.Lock(eventKey(eventID))
	defer unlock()

	var (
		res   model.JoinResult
		ev    *model.Event
		count int
	)
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, eventID, true)
		if err != nil {
			return err
		}
		if err := e.checkJoin(ctx, tx, ev, userID, amount); err != nil {
			return err
		}

		if ev.IsPrivate {
			pending, err := tx.HasPendingRequest(ctx, eventID, userID)
			if err != nil {
				return err
			}
			if pending {
				return model.ErrAlreadyJoined
			}
			req := &model.JoinRequest{
				ID:          newID(),
				EventID:     eventID,
				UserID:      userID,
				Prediction:  prediction,
				AmountCents: amount,
				Status:      model.RequestPending,
				CreatedAt:   e.now(),
			}
			res.Request = req
			return tx.InsertJoinRequest(ctx, req)
		}

		res.Participant, count, err = e.admit(ctx, tx, ev, userID, prediction, amount)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("join event %s: %w", eventID, err)
	}

	if res.Request != nil {
		e.log.Info("join request created", zap.String("event_id", eventID), zap.String("user_id", userID),
			zap.Int64("amount_cents", amount))
		e.deliver(ctx, []notice{{
			userID:  ev.CreatorID,
			title:   "New join request",
			message: fmt.Sprintf("A user asked to join %q", ev.Title),
			data:    map[string]any{"event_id": eventID, "request_id": res.Request.ID},
		}})
		return &res, nil
	}

	e.log.Info("event joined", zap.String("event_id", eventID), zap.String("user_id", userID),
		zap.Bool("prediction", prediction), zap.Int64("amount_cents", amount), zap.Int64("pool_total", ev.Pool.TotalCents))
	e.metrics.Joins.WithLabelValues("event").Inc()
	e.announce(eventSummary(ev, count, e.now()))
	return &res, nil
}

// checkJoin validates a prospective stake against the locked event row.
func (e *Engine) checkJoin(ctx context.Context, tx db.Tx, ev *model.Event, userID string, amount int64) error {
	if ev == nil {
		return model.ErrEventNotFound
	}
	if !ev.Open(e.now()) {
		return model.ErrEventClosed
	}
	if amount <= 0 || amount < ev.EntryFeeCents {
		return fmt.Errorf("stake %d below entry fee %d: %w", amount, ev.EntryFeeCents, model.ErrInvalidAmount)
	}
	joined, err := tx.HasParticipant(ctx, ev.ID, userID)
	if err != nil {
		return err
	}
	if joined {
		return model.ErrAlreadyJoined
	}
	if ev.MaxParticipants > 0 {
		n, err := tx.CountParticipants(ctx, ev.ID)
		if err != nil {
			return err
		}
		if n >= ev.MaxParticipants {
			return fmt.Errorf("event full at %d: %w", ev.MaxParticipants, model.ErrCapacityExceeded)
		}
	}
	return nil
}

// admit escrows the stake, records the participant and bumps the pool. ev is
// updated with the new pool totals.
func (e *Engine) admit(ctx context.Context, tx db.Tx, ev *model.Event, userID string, prediction bool, amount int64) (*model.Participant, int, error) {
	ref := fmt.Sprintf("event:%s:stake:%s", ev.ID, userID)
	if _, err := e.reserve(ctx, tx, userID, amount, ref, ev.ID); err != nil {
		return nil, 0, err
	}
	p := &model.Participant{
		ID:          newID(),
		EventID:     ev.ID,
		UserID:      userID,
		Prediction:  prediction,
		StakedCents: amount,
		Status:      model.ParticipantActive,
		JoinedAt:    e.now(),
	}
	if err := tx.InsertParticipant(ctx, p); err != nil {
		return nil, 0, err
	}
	pool, err := tx.IncrementPool(ctx, ev.ID, prediction, amount)
	if err != nil {
		return nil, 0, err
	}
	ev.Pool = pool
	n, err := tx.CountParticipants(ctx, ev.ID)
	if err != nil {
		return nil, 0, err
	}
	return p, n, nil
}

func (e *Engine) PoolStats(ctx context.Context, eventID string) (model.PoolStats, error) {
	var st model.PoolStats
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID, false)
		if err != nil {
			return err
		}
		if ev == nil {
			return model.ErrEventNotFound
		}
		n, err := tx.CountParticipants(ctx, eventID)
		if err != nil {
			return err
		}
		st = model.PoolStats{
			TotalCents:       ev.Pool.TotalCents,
			YesCents:         ev.Pool.YesCents,
			NoCents:          ev.Pool.NoCents,
			ParticipantCount: n,
		}
		return nil
	})
	return st, err
}

func (e *Engine) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	var ev *model.Event
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, eventID, false)
		if err == nil && ev == nil {
			err = model.ErrEventNotFound
		}
		return err
	})
	return ev, err
}

func (e *Engine) ListEvents(ctx context.Context, status model.EventStatus, limit int) ([]model.Event, error) {
	var out []model.Event
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		out, err = tx.ListEvents(ctx, status, clampLimit(limit))
		return err
	})
	return out, err
}

func (e *Engine) ListParticipants(ctx context.Context, eventID string) ([]model.Participant, error) {
	var out []model.Participant
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID, false)
		if err != nil {
			return err
		}
		if ev == nil {
			return model.ErrEventNotFound
		}
		out, err = tx.ListParticipants(ctx, eventID)
		return err
	})
	return out, err
}

// ListJoinRequests is visible to the event creator only.
func (e *Engine) ListJoinRequests(ctx context.Context, eventID, actorID string) ([]model.JoinRequest, error) {
	var out []model.JoinRequest
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID, false)
		if err != nil {
			return err
		}
		if ev == nil {
			return model.ErrEventNotFound
		}
		if ev.CreatorID != actorID {
			return model.ErrNotCreator
		}
		out, err = tx.ListJoinRequests(ctx, eventID)
		return err
	})
	return out, err
}

// ── Private event decisions ──────────────────────────

// ApproveJoinRequest admits a pending requester with the same escrow rules as
// a public join. If the stake cannot be escrowed the request stays pending.
func (e *Engine) ApproveJoinRequest(ctx context.Context, requestID, actorID string) (*model.Participant, error) {
	req, err := e.lookupRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(eventKey(req.EventID))
	defer unlock()

	var (
		p     *model.Participant
		ev    *model.Event
		count int
	)
	err = e.store.InTx(ctx, func(tx db.Tx) error {
		r, ev2, err := e.lockDecision(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		ev = ev2
		if err := e.checkJoin(ctx, tx, ev, r.UserID, r.AmountCents); err != nil {
			return err
		}
		p, count, err = e.admit(ctx, tx, ev, r.UserID, r.Prediction, r.AmountCents)
		if err != nil {
			return err
		}
		ok, err := tx.DecideJoinRequest(ctx, requestID, model.RequestApproved, e.now())
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrNotPending
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("approve join request %s: %w", requestID, err)
	}

	e.log.Info("join request approved", zap.String("event_id", ev.ID), zap.String("request_id", requestID),
		zap.String("user_id", p.UserID), zap.Int64("amount_cents", p.StakedCents))
	e.metrics.Joins.WithLabelValues("event").Inc()
	e.deliver(ctx, []notice{{
		userID:  p.UserID,
		title:   "Join request approved",
		message: fmt.Sprintf("You are in %q", ev.Title),
		data:    map[string]any{"event_id": ev.ID, "request_id": requestID},
	}})
	e.announce(eventSummary(ev, count, e.now()))
	return p, nil
}

func (e *Engine) RejectJoinRequest(ctx context.Context, requestID, actorID string) (*model.JoinRequest, error) {
	req, err := e.lookupRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(eventKey(req.EventID))
	defer unlock()

	var ev *model.Event
	err = e.store.InTx(ctx, func(tx db.Tx) error {
		r, ev2, err := e.lockDecision(ctx, tx, requestID, actorID)
		if err != nil {
			return err
		}
		ev = ev2
		ok, err := tx.DecideJoinRequest(ctx, requestID, model.RequestRejected, e.now())
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrNotPending
		}
		req, err = tx.GetJoinRequest(ctx, r.ID, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reject join request %s: %w", requestID, err)
	}

	e.log.Info("join request rejected", zap.String("event_id", ev.ID), zap.String("request_id", requestID))
	e.deliver(ctx, []notice{{
		userID:  req.UserID,
		title:   "Join request declined",
		message: fmt.Sprintf("Your request to join %q was declined", ev.Title),
		data:    map[string]any{"event_id": ev.ID, "request_id": requestID},
	}})
	return req, nil
}

func (e *Engine) lookupRequest(ctx context.Context, requestID string) (*model.JoinRequest, error) {
	var req *model.JoinRequest
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		req, err = tx.GetJoinRequest(ctx, requestID, false)
		if err == nil && req == nil {
			err = model.ErrRequestNotFound
		}
		return err
	})
	return req, err
}

// lockDecision locks the request and its event and checks the actor may
// decide it.
func (e *Engine) lockDecision(ctx context.Context, tx db.Tx, requestID, actorID string) (*model.JoinRequest, *model.Event, error) {
	r, err := tx.GetJoinRequest(ctx, requestID, true)
	if err != nil {
		return nil, nil, err
	}
	if r == nil {
		return nil, nil, model.ErrRequestNotFound
	}
	ev, err := tx.GetEvent(ctx, r.EventID, true)
	if err != nil {
		return nil, nil, err
	}
	if ev == nil {
		return nil, nil, model.ErrEventNotFound
	}
	if ev.CreatorID != actorID {
		return nil, nil, model.ErrNotCreator
	}
	if r.Status != model.RequestPending {
		return nil, nil, model.ErrNotPending
	}
	return r, ev, nil
}
