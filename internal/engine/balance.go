package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
)

// ── Balance Accessor ─────────────────────────────────

// reserve moves amount out of the user's wallet into escrow. A reference that
// was already applied is a no-op returning the earlier row.
func (e *Engine) reserve(ctx context.Context, tx db.Tx, userID string, amount int64, reference, wagerID string) (*model.LedgerTransaction, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	prior, err := tx.GetLedgerByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return prior, nil
	}

	w, err := tx.GetWallet(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	if w == nil || w.BalanceCents < amount {
		var have int64
		if w != nil {
			have = w.BalanceCents
		}
		return nil, fmt.Errorf("%w: have %d, need %d", model.ErrInsufficientFunds, have, amount)
	}

	lt := &model.LedgerTransaction{
		ID:          newID(),
		UserID:      userID,
		WagerID:     wagerID,
		Purpose:     model.PurposeEscrowLock,
		AmountCents: -amount,
		Reference:   reference,
		CreatedAt:   e.now(),
	}
	inserted, err := tx.InsertLedger(ctx, lt)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("reserve %s: %w", reference, model.ErrDuplicateReference)
	}
	if err := tx.AddBalance(ctx, userID, -amount); err != nil {
		return nil, err
	}
	return lt, nil
}

// credit pays amount to the user, or to the platform fee sink for
// model.PlatformAccount. The ledger row goes in first; if its reference
// already exists the balance is left untouched and the earlier row is
// returned together with ErrDuplicateReference.
func (e *Engine) credit(ctx context.Context, tx db.Tx, userID string, amount int64, reference string, purpose model.Purpose, wagerID string) (*model.LedgerTransaction, error) {
	if amount < 0 {
		return nil, model.ErrInvalidAmount
	}
	lt := &model.LedgerTransaction{
		ID:          newID(),
		UserID:      userID,
		WagerID:     wagerID,
		Purpose:     purpose,
		AmountCents: amount,
		Reference:   reference,
		CreatedAt:   e.now(),
	}
	inserted, err := tx.InsertLedger(ctx, lt)
	if err != nil {
		return nil, err
	}
	if !inserted {
		prior, err := tx.GetLedgerByReference(ctx, reference)
		if err != nil {
			return nil, err
		}
		return prior, model.ErrDuplicateReference
	}

	if userID == model.PlatformAccount {
		err = tx.AddPlatformFee(ctx, amount)
	} else {
		err = tx.AddBalance(ctx, userID, amount)
	}
	if err != nil {
		return nil, err
	}
	return lt, nil
}

// creditOnce is credit for settlement paths, where an already applied
// reference means a retry and is skipped.
func (e *Engine) creditOnce(ctx context.Context, tx db.Tx, userID string, amount int64, reference string, purpose model.Purpose, wagerID string) error {
	if amount == 0 {
		return nil
	}
	_, err := e.credit(ctx, tx, userID, amount, reference, purpose, wagerID)
	if errors.Is(err, model.ErrDuplicateReference) {
		e.log.Warn("credit already applied", zap.String("reference", reference))
		return nil
	}
	return err
}

// ── Public wallet operations ─────────────────────────

func (e *Engine) Balance(ctx context.Context, userID string) (model.Wallet, error) {
	w := model.Wallet{UserID: userID}
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		got, err := tx.GetWallet(ctx, userID, false)
		if err != nil {
			return err
		}
		if got != nil {
			w = *got
		}
		return nil
	})
	return w, err
}

// Deposit credits funds arriving from the payment collaborator. The external
// reference makes retries safe: a repeated reference returns the original
// row and ErrDuplicateReference.
func (e *Engine) Deposit(ctx context.Context, userID string, amount int64, externalRef string) (*model.LedgerTransaction, error) {
	userID = strings.TrimSpace(userID)
	externalRef = strings.TrimSpace(externalRef)
	if userID == "" || userID == model.PlatformAccount || externalRef == "" {
		return nil, fmt.Errorf("deposit needs a user and a reference: %w", model.ErrInvalidInput)
	}
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	var lt *model.LedgerTransaction
	var dup bool
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		lt, err = e.credit(ctx, tx, userID, amount, "deposit:"+externalRef, model.PurposeDeposit, "")
		if errors.Is(err, model.ErrDuplicateReference) {
			dup = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	if dup {
		return lt, model.ErrDuplicateReference
	}
	e.log.Info("deposit", zap.String("user_id", userID), zap.Int64("amount_cents", amount), zap.String("reference", lt.Reference))
	return lt, nil
}

func (e *Engine) Ledger(ctx context.Context, userID string, limit int) ([]model.LedgerTransaction, error) {
	var out []model.LedgerTransaction
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		out, err = tx.ListLedger(ctx, userID, clampLimit(limit))
		return err
	})
	return out, err
}

func (e *Engine) PlatformFee(ctx context.Context) (int64, error) {
	var c int64
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		c, err = tx.GetPlatformFee(ctx)
		return err
	})
	return c, err
}

func (e *Engine) Notifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	var out []model.Notification
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		var err error
		out, err = tx.ListNotifications(ctx, userID, clampLimit(limit))
		return err
	})
	return out, err
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	}
	return n
}
