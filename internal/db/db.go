// Package db persists wagers, escrow and the balance ledger. All access goes
// through Store.InTx so every multi-row effect commits or rolls back as one.
package db

import (
	"context"
	"time"

	"wager-escrow/internal/model"
)

// Store opens transactions. The function's error aborts the transaction.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of statements the engine runs inside one transaction.
// Methods returning (bool, error) are compare-and-swap writes: false means the
// guarded precondition no longer held and nothing was written.
type Tx interface {
	// Wallets and ledger
	GetWallet(ctx context.Context, userID string, forUpdate bool) (*model.Wallet, error)
	AddBalance(ctx context.Context, userID string, delta int64) error
	InsertLedger(ctx context.Context, lt *model.LedgerTransaction) (bool, error)
	GetLedgerByReference(ctx context.Context, reference string) (*model.LedgerTransaction, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]model.LedgerTransaction, error)
	AddPlatformFee(ctx context.Context, cents int64) error
	GetPlatformFee(ctx context.Context) (int64, error)

	// Events
	InsertEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string, forUpdate bool) (*model.Event, error)
	ListEvents(ctx context.Context, status model.EventStatus, limit int) ([]model.Event, error)
	ListEventsEndingBetween(ctx context.Context, from, to time.Time) ([]model.Event, error)
	ListExpiredEvents(ctx context.Context, now time.Time) ([]model.Event, error)
	IncrementPool(ctx context.Context, eventID string, prediction bool, amount int64) (model.Pool, error)
	ResolveEvent(ctx context.Context, eventID string, result bool, creatorFee int64, at time.Time) (bool, error)
	CancelEvent(ctx context.Context, eventID string, at time.Time) (bool, error)
	ExpireEvent(ctx context.Context, eventID string, now time.Time) (bool, error)
	MarkEndingNotice(ctx context.Context, eventID string) (bool, error)

	// Participants
	InsertParticipant(ctx context.Context, p *model.Participant) error
	HasParticipant(ctx context.Context, eventID, userID string) (bool, error)
	CountParticipants(ctx context.Context, eventID string) (int, error)
	ListParticipants(ctx context.Context, eventID string) ([]model.Participant, error)
	SettleParticipant(ctx context.Context, id string, status model.ParticipantStatus, payout int64) error

	// Join requests
	InsertJoinRequest(ctx context.Context, r *model.JoinRequest) error
	GetJoinRequest(ctx context.Context, id string, forUpdate bool) (*model.JoinRequest, error)
	HasPendingRequest(ctx context.Context, eventID, userID string) (bool, error)
	ListJoinRequests(ctx context.Context, eventID string) ([]model.JoinRequest, error)
	DecideJoinRequest(ctx context.Context, id string, status model.JoinRequestStatus, at time.Time) (bool, error)

	// Challenges
	InsertChallenge(ctx context.Context, c *model.Challenge) error
	GetChallenge(ctx context.Context, id string, forUpdate bool) (*model.Challenge, error)
	ListChallenges(ctx context.Context, userID string, limit int) ([]model.Challenge, error)
	ListStaleChallenges(ctx context.Context, now time.Time) ([]model.Challenge, error)
	TransitionChallenge(ctx context.Context, id string, from, to model.ChallengeStatus, at time.Time) (bool, error)
	CompleteChallenge(ctx context.Context, id string, result model.ChallengeResult, fee int64, at time.Time) (bool, error)

	// Notifications
	InsertNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
}
