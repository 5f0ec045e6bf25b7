package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
)

// ── Challenge Escrow Ledger ──────────────────────────

const (
	sideChallenger = "challenger"
	sideChallenged = "challenged"
)

func challengeKey(id string) string { return "challenge:" + id }

func challengeRef(id, kind, side string) string {
	return fmt.Sprintf("challenge:%s:%s:%s", id, kind, side)
}

// CreateChallenge opens a 1v1 wager and escrows the challenger's stake.
func (e *Engine) CreateChallenge(ctx context.Context, challengerID string, in model.NewChallenge) (*model.Challenge, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.ChallengedID = strings.TrimSpace(in.ChallengedID)
	now := e.now()
	switch {
	case challengerID == "":
		return nil, model.ErrUnauthorized
	case in.ChallengedID == "" || in.ChallengedID == challengerID || in.ChallengedID == model.PlatformAccount:
		return nil, fmt.Errorf("challenge needs another user: %w", model.ErrInvalidInput)
	case in.Title == "":
		return nil, fmt.Errorf("title required: %w", model.ErrInvalidInput)
	case in.AmountCents <= 0:
		return nil, model.ErrInvalidAmount
	case !in.DueDate.After(now):
		return nil, fmt.Errorf("due date must be in the future: %w", model.ErrInvalidInput)
	}

	c := &model.Challenge{
		ID:           newID(),
		ChallengerID: challengerID,
		ChallengedID: in.ChallengedID,
		Title:        in.Title,
		AmountCents:  in.AmountCents,
		Status:       model.ChallengePending,
		DueDate:      in.DueDate.UTC(),
		CreatedAt:    now,
	}
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		if err := tx.InsertChallenge(ctx, c); err != nil {
			return err
		}
		_, err := e.reserve(ctx, tx, challengerID, c.AmountCents, challengeRef(c.ID, "stake", sideChallenger), c.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}

	e.log.Info("challenge created", zap.String("challenge_id", c.ID), zap.String("challenger_id", challengerID),
		zap.String("challenged_id", c.ChallengedID), zap.Int64("amount_cents", c.AmountCents))
	e.metrics.Joins.WithLabelValues("challenge").Inc()
	e.deliver(ctx, []notice{{
		userID:  c.ChallengedID,
		title:   "New challenge",
		message: fmt.Sprintf("You were challenged: %q", c.Title),
		data:    map[string]any{"challenge_id": c.ID, "amount_cents": c.AmountCents},
	}})
	return c, nil
}

// AcceptChallenge escrows the challenged party's equal stake and activates
// the challenge. Only the challenged user may accept.
func (e *Engine) AcceptChallenge(ctx context.Context, challengeID, userID string) (*model.Challenge, error) {
	unlock := e.locks.Lock(challengeKey(challengeID))
	defer unlock()

	var c *model.Challenge
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		c, err = lockChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		if c.ChallengedID != userID {
			return model.ErrNotChallenged
		}
		if c.Status != model.ChallengePending {
			return model.ErrNotPending
		}
		if !c.DueDate.After(e.now()) {
			return fmt.Errorf("challenge expired: %w", model.ErrInvalidState)
		}
		if _, err := e.reserve(ctx, tx, userID, c.AmountCents, challengeRef(c.ID, "stake", sideChallenged), c.ID); err != nil {
			return err
		}
		return e.transition(ctx, tx, c, model.ChallengePending, model.ChallengeActive)
	})
	if err != nil {
		return nil, fmt.Errorf("accept challenge %s: %w", challengeID, err)
	}

	e.log.Info("challenge accepted", zap.String("challenge_id", c.ID), zap.Int64("escrow_cents", c.AmountCents*2))
	e.metrics.Joins.WithLabelValues("challenge").Inc()
	e.deliver(ctx, []notice{{
		userID:  c.ChallengerID,
		title:   "Challenge accepted",
		message: fmt.Sprintf("%q is on", c.Title),
		data:    map[string]any{"challenge_id": c.ID},
	}})
	e.announce(challengeSummary(c, e.now()))
	return c, nil
}

// DeclineChallenge lets the challenged user turn down a pending challenge.
// The challenger's stake is refunded.
func (e *Engine) DeclineChallenge(ctx context.Context, challengeID, userID string) (*model.Challenge, error) {
	c, err := e.withdraw(ctx, challengeID, func(c *model.Challenge) error {
		if c.ChallengedID != userID {
			return model.ErrNotChallenged
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decline challenge %s: %w", challengeID, err)
	}
	e.log.Info("challenge declined", zap.String("challenge_id", c.ID))
	e.deliver(ctx, []notice{{
		userID:  c.ChallengerID,
		title:   "Challenge declined",
		message: fmt.Sprintf("%q was declined; your stake is back in your wallet", c.Title),
		data:    map[string]any{"challenge_id": c.ID},
	}})
	return c, nil
}

// CancelChallenge lets the challenger withdraw before acceptance.
func (e *Engine) CancelChallenge(ctx context.Context, challengeID, userID string) (*model.Challenge, error) {
	c, err := e.withdraw(ctx, challengeID, func(c *model.Challenge) error {
		if c.ChallengerID != userID {
			return fmt.Errorf("only the challenger may cancel: %w", model.ErrUnauthorized)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel challenge %s: %w", challengeID, err)
	}
	e.log.Info("challenge cancelled", zap.String("challenge_id", c.ID))
	e.deliver(ctx, []notice{{
		userID:  c.ChallengedID,
		title:   "Challenge withdrawn",
		message: fmt.Sprintf("%q was withdrawn", c.Title),
		data:    map[string]any{"challenge_id": c.ID},
	}})
	return c, nil
}

// ExpireChallenge cancels a pending challenge whose due date passed without
// an acceptance. It reports false if the challenge moved on in the meantime.
func (e *Engine) ExpireChallenge(ctx context.Context, challengeID string, now time.Time) (bool, error) {
	c, err := e.withdraw(ctx, challengeID, func(c *model.Challenge) error {
		if !c.DueDate.Before(now) {
			return model.ErrInvalidState
		}
		return nil
	})
	if err != nil {
		if isStale(err) {
			return false, nil
		}
		return false, fmt.Errorf("expire challenge %s: %w", challengeID, err)
	}
	e.log.Info("challenge expired", zap.String("challenge_id", c.ID))
	e.deliver(ctx, []notice{
		{userID: c.ChallengerID, title: "Challenge expired", message: fmt.Sprintf("%q was not accepted in time; your stake is refunded", c.Title), data: map[string]any{"challenge_id": c.ID}},
		{userID: c.ChallengedID, title: "Challenge expired", message: fmt.Sprintf("%q expired", c.Title), data: map[string]any{"challenge_id": c.ID}},
	})
	return true, nil
}

// withdraw cancels a pending challenge and refunds the challenger's stake.
func (e *Engine) withdraw(ctx context.Context, challengeID string, allowed func(*model.Challenge) error) (*model.Challenge, error) {
	unlock := e.locks.Lock(challengeKey(challengeID))
	defer unlock()

	var c *model.Challenge
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		c, err = lockChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		if err := allowed(c); err != nil {
			return err
		}
		if c.Status != model.ChallengePending {
			return model.ErrNotPending
		}
		if err := e.transition(ctx, tx, c, model.ChallengePending, model.ChallengeCancelled); err != nil {
			return err
		}
		return e.creditOnce(ctx, tx, c.ChallengerID, c.AmountCents,
			challengeRef(c.ID, "refund", sideChallenger), model.PurposeRefund, c.ID)
	})
	if err != nil {
		return nil, err
	}
	e.announce(challengeSummary(c, e.now()))
	return c, nil
}

// DisputeChallenge flags an active challenge for administrator review.
// Either party may dispute; only resolution leaves the disputed state.
func (e *Engine) DisputeChallenge(ctx context.Context, challengeID, userID string) (*model.Challenge, error) {
	unlock := e.locks.Lock(challengeKey(challengeID))
	defer unlock()

	var c *model.Challenge
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		c, err = lockChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		if !c.IsParty(userID) {
			return fmt.Errorf("only a party may dispute: %w", model.ErrUnauthorized)
		}
		if c.Status != model.ChallengeActive {
			return fmt.Errorf("challenge is %s: %w", c.Status, model.ErrInvalidState)
		}
		return e.transition(ctx, tx, c, model.ChallengeActive, model.ChallengeDisputed)
	})
	if err != nil {
		return nil, fmt.Errorf("dispute challenge %s: %w", challengeID, err)
	}

	other := c.ChallengerID
	if userID == c.ChallengerID {
		other = c.ChallengedID
	}
	e.log.Info("challenge disputed", zap.String("challenge_id", c.ID), zap.String("by", userID))
	e.deliver(ctx, []notice{{
		userID:  other,
		title:   "Challenge disputed",
		message: fmt.Sprintf("%q is under review", c.Title),
		data:    map[string]any{"challenge_id": c.ID},
	}})
	e.announce(challengeSummary(c, e.now()))
	return c, nil
}

func (e *Engine) GetChallenge(ctx context.Context, challengeID string) (*model.Challenge, error) {
	var c *model.Challenge
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		c, err = tx.GetChallenge(ctx, challengeID, false)
		if err == nil && c == nil {
			err = model.ErrChallengeNotFound
		}
		return err
	})
	return c, err
}

func (e *Engine) ListChallenges(ctx context.Context, userID string, limit int) ([]model.Challenge, error) {
	var out []model.Challenge
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		out, err = tx.ListChallenges(ctx, userID, clampLimit(limit))
		return err
	})
	return out, err
}

func (e *Engine) StaleChallenges(ctx context.Context, now time.Time) ([]model.Challenge, error) {
	var out []model.Challenge
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		out, err = tx.ListStaleChallenges(ctx, now)
		return err
	})
	return out, err
}

func lockChallenge(ctx context.Context, tx db.Tx, id string) (*model.Challenge, error) {
	c, err := tx.GetChallenge(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, model.ErrChallengeNotFound
	}
	return c, nil
}

// transition applies a guarded status change and mirrors it onto c.
func (e *Engine) transition(ctx context.Context, tx db.Tx, c *model.Challenge, from, to model.ChallengeStatus) error {
	at := e.now()
	ok, err := tx.TransitionChallenge(ctx, c.ID, from, to, at)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("challenge no longer %s: %w", from, model.ErrInvalidState)
	}
	c.Status = to
	switch to {
	case model.ChallengeActive:
		c.AcceptedAt = &at
	case model.ChallengeCancelled:
		c.CompletedAt = &at
	}
	return nil
}
