package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
	"wager-escrow/internal/settlement"
)

// ── Resolution Workflow ──────────────────────────────

// ResolveEvent records the administrator's result and settles the pool in
// one transaction. The compare-and-swap on admin_result is the first write,
// so of two concurrent calls exactly one settles and the other gets
// ErrAlreadyResolved.
func (e *Engine) ResolveEvent(ctx context.Context, eventID string, result bool, adminID string) (*model.EventPayoutSummary, error) {
	unlock := e.locks.Lock(eventKey(eventID))
	defer unlock()

	var (
		ev      *model.Event
		parts   []model.Participant
		out     settlement.EventSettlement
		summary *model.EventPayoutSummary
	)
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, eventID, true)
		if err != nil {
			return err
		}
		switch {
		case ev == nil:
			return model.ErrEventNotFound
		case ev.AdminResult != nil || ev.Status == model.EventCompleted:
			return model.ErrAlreadyResolved
		case ev.Status == model.EventCancelled:
			return fmt.Errorf("event cancelled: %w", model.ErrInvalidState)
		}

		parts, err = tx.ListParticipants(ctx, eventID)
		if err != nil {
			return err
		}
		stakes := make([]settlement.Stake, len(parts))
		for i, p := range parts {
			stakes[i] = settlement.Stake{ParticipantID: p.ID, UserID: p.UserID, Prediction: p.Prediction, AmountCents: p.StakedCents}
		}
		out, err = settlement.SettleEvent(settlement.EventInput{
			TotalCents:    ev.Pool.TotalCents,
			Result:        result,
			CreatorFeeBps: e.creatorFeeBps,
			Stakes:        stakes,
		})
		if err != nil {
			return err
		}

		at := e.now()
		ok, err := tx.ResolveEvent(ctx, eventID, result, out.CreatorFeeCents, at)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrAlreadyResolved
		}
		ev.Status, ev.AdminResult, ev.CreatorFeeCents, ev.ResolvedAt = model.EventCompleted, &result, out.CreatorFeeCents, &at

		summary = &model.EventPayoutSummary{
			EventID:         eventID,
			Result:          result,
			TotalCents:      ev.Pool.TotalCents,
			CreatorFeeCents: out.CreatorFeeCents,
			CreatorBonus:    out.CreatorBonusCents,
			Winners:         []model.Payout{},
		}
		for i, pay := range out.Payouts {
			status := model.ParticipantLost
			if pay.Won {
				status = model.ParticipantWon
				ref := fmt.Sprintf("event:%s:payout:%s", eventID, pay.ParticipantID)
				if err := e.creditOnce(ctx, tx, pay.UserID, pay.PayoutCents, ref, model.PurposePayout, eventID); err != nil {
					return err
				}
				summary.Winners = append(summary.Winners, model.Payout{UserID: pay.UserID, AmountCents: pay.PayoutCents})
			} else {
				summary.Losers++
			}
			if err := tx.SettleParticipant(ctx, pay.ParticipantID, status, pay.PayoutCents); err != nil {
				return err
			}
			parts[i].Status, parts[i].PayoutCents = status, pay.PayoutCents
		}
		if err := rejectPendingRequests(ctx, tx, eventID, at); err != nil {
			return err
		}
		if err := e.creditOnce(ctx, tx, ev.CreatorID, out.CreatorFeeCents,
			fmt.Sprintf("event:%s:creator_fee", eventID), model.PurposeCreatorFee, eventID); err != nil {
			return err
		}
		return e.creditOnce(ctx, tx, ev.CreatorID, out.CreatorBonusCents,
			fmt.Sprintf("event:%s:creator_bonus", eventID), model.PurposeCreatorBonus, eventID)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve event %s: %w", eventID, err)
	}

	outcome := "winners"
	if len(summary.Winners) == 0 {
		outcome = "no_winners"
	}
	e.log.Info("event settled", zap.String("event_id", eventID), zap.String("admin_id", adminID),
		zap.Bool("result", result), zap.Int64("pool_total", summary.TotalCents),
		zap.Int64("creator_fee", summary.CreatorFeeCents), zap.Int64("creator_bonus", summary.CreatorBonus),
		zap.Int("winners", len(summary.Winners)), zap.Int("losers", summary.Losers))
	e.metrics.Settlements.WithLabelValues("event", outcome).Inc()
	e.metrics.SettledCents.WithLabelValues("event").Add(float64(summary.TotalCents))

	e.deliver(ctx, eventOutcomeNotices(ev, parts, summary))
	e.announce(eventSummary(ev, len(parts), e.now()))
	return summary, nil
}

func eventOutcomeNotices(ev *model.Event, parts []model.Participant, s *model.EventPayoutSummary) []notice {
	data := map[string]any{"event_id": ev.ID, "result": s.Result}
	notices := make([]notice, 0, len(parts)+1)
	for _, p := range parts {
		n := notice{userID: p.UserID, title: "Event resolved", data: data}
		if p.Status == model.ParticipantWon {
			n.message = fmt.Sprintf("You won %d cents on %q", p.PayoutCents, ev.Title)
		} else {
			n.message = fmt.Sprintf("Your prediction on %q did not win", ev.Title)
		}
		notices = append(notices, n)
	}
	creator := notice{userID: ev.CreatorID, title: "Your event was resolved", data: data}
	if s.CreatorBonus > 0 {
		creator.message = fmt.Sprintf("Nobody picked the winning side of %q; the pool of %d cents is yours", ev.Title, s.CreatorBonus)
	} else {
		creator.message = fmt.Sprintf("You earned a %d cent creator fee on %q", s.CreatorFeeCents, ev.Title)
	}
	return append(notices, creator)
}

// CancelEvent voids an unresolved event: every stake is refunded and pending
// join requests are rejected.
func (e *Engine) CancelEvent(ctx context.Context, eventID, adminID string) (*model.Event, error) {
	unlock := e.locks.Lock(eventKey(eventID))
	defer unlock()

	var (
		ev    *model.Event
		parts []model.Participant
	)
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, eventID, true)
		if err != nil {
			return err
		}
		switch {
		case ev == nil:
			return model.ErrEventNotFound
		case ev.AdminResult != nil || ev.Status == model.EventCompleted:
			return model.ErrAlreadyResolved
		case ev.Status == model.EventCancelled:
			return fmt.Errorf("event already cancelled: %w", model.ErrInvalidState)
		}

		at := e.now()
		ok, err := tx.CancelEvent(ctx, eventID, at)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrAlreadyResolved
		}
		ev.Status, ev.ResolvedAt = model.EventCancelled, &at

		parts, err = tx.ListParticipants(ctx, eventID)
		if err != nil {
			return err
		}
		for i, p := range parts {
			ref := fmt.Sprintf("event:%s:refund:%s", eventID, p.ID)
			if err := e.creditOnce(ctx, tx, p.UserID, p.StakedCents, ref, model.PurposeRefund, eventID); err != nil {
				return err
			}
			if err := tx.SettleParticipant(ctx, p.ID, model.ParticipantRefunded, p.StakedCents); err != nil {
				return err
			}
			parts[i].Status, parts[i].PayoutCents = model.ParticipantRefunded, p.StakedCents
		}

		return rejectPendingRequests(ctx, tx, eventID, at)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel event %s: %w", eventID, err)
	}

	e.log.Info("event cancelled", zap.String("event_id", eventID), zap.String("admin_id", adminID),
		zap.Int("refunds", len(parts)), zap.Int64("pool_total", ev.Pool.TotalCents))
	e.metrics.Settlements.WithLabelValues("event", "cancelled").Inc()
	e.metrics.SettledCents.WithLabelValues("event").Add(float64(ev.Pool.TotalCents))

	notices := make([]notice, 0, len(parts)+1)
	for _, p := range parts {
		notices = append(notices, notice{
			userID:  p.UserID,
			title:   "Event cancelled",
			message: fmt.Sprintf("%q was cancelled; %d cents refunded", ev.Title, p.StakedCents),
			data:    map[string]any{"event_id": eventID},
		})
	}
	notices = append(notices, notice{userID: ev.CreatorID, title: "Event cancelled",
		message: fmt.Sprintf("%q was cancelled by an administrator", ev.Title), data: map[string]any{"event_id": eventID}})
	e.deliver(ctx, notices)
	e.announce(eventSummary(ev, len(parts), e.now()))
	return ev, nil
}

// rejectPendingRequests closes join requests that can no longer be approved
// once the event is settled or cancelled.
func rejectPendingRequests(ctx context.Context, tx db.Tx, eventID string, at time.Time) error {
	reqs, err := tx.ListJoinRequests(ctx, eventID)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if r.Status != model.RequestPending {
			continue
		}
		if _, err := tx.DecideJoinRequest(ctx, r.ID, model.RequestRejected, at); err != nil {
			return err
		}
	}
	return nil
}

// ResolveChallenge records the result of an active or disputed challenge
// and pays it out. A draw refunds both stakes without a fee.
func (e *Engine) ResolveChallenge(ctx context.Context, challengeID string, result model.ChallengeResult, adminID string) (*model.ChallengePayoutSummary, error) {
	if !result.Valid() {
		return nil, fmt.Errorf("unknown result %q: %w", result, model.ErrInvalidInput)
	}
	unlock := e.locks.Lock(challengeKey(challengeID))
	defer unlock()

	var (
		c       *model.Challenge
		summary *model.ChallengePayoutSummary
	)
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		c, err = lockChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		switch c.Status {
		case model.ChallengeCompleted:
			return model.ErrAlreadyResolved
		case model.ChallengePending, model.ChallengeCancelled:
			return fmt.Errorf("challenge is %s: %w", c.Status, model.ErrInvalidState)
		}
		if c.Result != nil {
			return model.ErrAlreadyResolved
		}

		out, err := settlement.SettleChallenge(settlement.ChallengeInput{
			AmountCents:    c.AmountCents,
			Result:         result,
			PlatformFeeBps: e.platformFeeBps,
		})
		if err != nil {
			return err
		}

		at := e.now()
		ok, err := tx.CompleteChallenge(ctx, challengeID, result, out.PlatformFeeCents, at)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrAlreadyResolved
		}
		c.Status, c.Result, c.PlatformFeeCents, c.CompletedAt = model.ChallengeCompleted, &result, out.PlatformFeeCents, &at

		kind, purpose := "payout", model.PurposePayout
		if result == model.Draw {
			kind, purpose = "refund", model.PurposeRefund
		}
		if err := e.creditOnce(ctx, tx, c.ChallengerID, out.ChallengerCents,
			challengeRef(c.ID, kind, sideChallenger), purpose, c.ID); err != nil {
			return err
		}
		if err := e.creditOnce(ctx, tx, c.ChallengedID, out.ChallengedCents,
			challengeRef(c.ID, kind, sideChallenged), purpose, c.ID); err != nil {
			return err
		}
		if err := e.creditOnce(ctx, tx, model.PlatformAccount, out.PlatformFeeCents,
			fmt.Sprintf("challenge:%s:platform_fee", c.ID), model.PurposePlatformFee, c.ID); err != nil {
			return err
		}

		summary = &model.ChallengePayoutSummary{
			ChallengeID:      c.ID,
			Result:           result,
			TotalCents:       out.TotalCents,
			PlatformFeeCents: out.PlatformFeeCents,
			Payouts:          []model.Payout{},
		}
		if out.ChallengerCents > 0 {
			summary.Payouts = append(summary.Payouts, model.Payout{UserID: c.ChallengerID, AmountCents: out.ChallengerCents})
		}
		if out.ChallengedCents > 0 {
			summary.Payouts = append(summary.Payouts, model.Payout{UserID: c.ChallengedID, AmountCents: out.ChallengedCents})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve challenge %s: %w", challengeID, err)
	}

	e.log.Info("challenge settled", zap.String("challenge_id", c.ID), zap.String("admin_id", adminID),
		zap.String("result", string(result)), zap.Int64("total", summary.TotalCents),
		zap.Int64("platform_fee", summary.PlatformFeeCents))
	e.metrics.Settlements.WithLabelValues("challenge", string(result)).Inc()
	e.metrics.SettledCents.WithLabelValues("challenge").Add(float64(summary.TotalCents))

	data := map[string]any{"challenge_id": c.ID, "result": string(result)}
	e.deliver(ctx, []notice{
		{userID: c.ChallengerID, title: "Challenge resolved", message: challengeOutcome(c, summary, c.ChallengerID), data: data},
		{userID: c.ChallengedID, title: "Challenge resolved", message: challengeOutcome(c, summary, c.ChallengedID), data: data},
	})
	e.announce(challengeSummary(c, e.now()))
	return summary, nil
}

func challengeOutcome(c *model.Challenge, s *model.ChallengePayoutSummary, userID string) string {
	if s.Result == model.Draw {
		return fmt.Sprintf("%q ended in a draw; %d cents refunded", c.Title, c.AmountCents)
	}
	for _, p := range s.Payouts {
		if p.UserID == userID {
			return fmt.Sprintf("You won %q and received %d cents", c.Title, p.AmountCents)
		}
	}
	return fmt.Sprintf("You lost %q", c.Title)
}
