package model

import "time"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type EventStatus string

const (
	EventActive       EventStatus = "active"
	EventPendingAdmin EventStatus = "pending_admin"
	EventCompleted    EventStatus = "completed"
	EventCancelled    EventStatus = "cancelled"
)

type ParticipantStatus string

const (
	ParticipantActive   ParticipantStatus = "active"
	ParticipantWon      ParticipantStatus = "won"
	ParticipantLost     ParticipantStatus = "lost"
	ParticipantRefunded ParticipantStatus = "refunded"
)

type JoinRequestStatus string

const (
	RequestPending  JoinRequestStatus = "pending"
	RequestApproved JoinRequestStatus = "approved"
	RequestRejected JoinRequestStatus = "rejected"
)

type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeActive    ChallengeStatus = "active"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeDisputed  ChallengeStatus = "disputed"
	ChallengeCancelled ChallengeStatus = "cancelled"
)

type ChallengeResult string

const (
	ChallengerWon ChallengeResult = "challenger_won"
	ChallengedWon ChallengeResult = "challenged_won"
	Draw          ChallengeResult = "draw"
)

func (r ChallengeResult) Valid() bool {
	return r == ChallengerWon || r == ChallengedWon || r == Draw
}

type Purpose string

const (
	PurposeDeposit      Purpose = "deposit"
	PurposeEscrowLock   Purpose = "escrow_lock"
	PurposePayout       Purpose = "payout"
	PurposeCreatorFee   Purpose = "creator_fee"
	PurposeCreatorBonus Purpose = "creator_bonus"
	PurposePlatformFee  Purpose = "platform_fee"
	PurposeRefund       Purpose = "refund"
)

// PlatformAccount is the ledger owner of platform fees. It has no wallet;
// its balance lives in the platform fee sink.
const PlatformAccount = "platform"

// ── Domain Objects ───────────────────────────────────

type Wallet struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
}

type Pool struct {
	YesCents   int64 `json:"yes_cents"`
	NoCents    int64 `json:"no_cents"`
	TotalCents int64 `json:"total_cents"`
}

// Add returns the pool with amount staked on the given side.
func (p Pool) Add(prediction bool, amount int64) Pool {
	if prediction {
		p.YesCents += amount
	} else {
		p.NoCents += amount
	}
	p.TotalCents += amount
	return p
}

type Event struct {
	ID               string      `json:"id"`
	CreatorID        string      `json:"creator_id"`
	Title            string      `json:"title"`
	Category         string      `json:"category"`
	EntryFeeCents    int64       `json:"entry_fee_cents"`
	EndDate          time.Time   `json:"end_date"`
	Status           EventStatus `json:"status"`
	IsPrivate        bool        `json:"is_private"`
	MaxParticipants  int         `json:"max_participants"`
	Pool             Pool        `json:"pool"`
	AdminResult      *bool       `json:"admin_result"`
	CreatorFeeCents  int64       `json:"creator_fee_cents"`
	EndingNoticeSent bool        `json:"ending_notice_sent"`
	CreatedAt        time.Time   `json:"created_at"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
}

// Open reports whether the event still admits participants at now.
func (e *Event) Open(now time.Time) bool {
	return e.Status == EventActive && !now.After(e.EndDate)
}

type Participant struct {
	ID          string            `json:"id"`
	EventID     string            `json:"event_id"`
	UserID      string            `json:"user_id"`
	Prediction  bool              `json:"prediction"`
	StakedCents int64             `json:"staked_cents"`
	Status      ParticipantStatus `json:"status"`
	PayoutCents int64             `json:"payout_cents"`
	JoinedAt    time.Time         `json:"joined_at"`
}

type JoinRequest struct {
	ID          string            `json:"id"`
	EventID     string            `json:"event_id"`
	UserID      string            `json:"user_id"`
	Prediction  bool              `json:"prediction"`
	AmountCents int64             `json:"amount_cents"`
	Status      JoinRequestStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
}

type Challenge struct {
	ID               string           `json:"id"`
	ChallengerID     string           `json:"challenger_id"`
	ChallengedID     string           `json:"challenged_id"`
	Title            string           `json:"title"`
	AmountCents      int64            `json:"amount_cents"`
	Status           ChallengeStatus  `json:"status"`
	Result           *ChallengeResult `json:"result"`
	PlatformFeeCents int64            `json:"platform_fee_cents"`
	DueDate          time.Time        `json:"due_date"`
	CreatedAt        time.Time        `json:"created_at"`
	AcceptedAt       *time.Time       `json:"accepted_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// IsParty reports whether userID is one of the two sides.
func (c *Challenge) IsParty(userID string) bool {
	return c.ChallengerID == userID || c.ChallengedID == userID
}

// LedgerTransaction is an append-only record of a balance-affecting effect.
// Reference is unique per (wager, purpose) and makes every effect idempotent.
type LedgerTransaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	WagerID     string    `json:"wager_id,omitempty"`
	Purpose     Purpose   `json:"purpose"`
	AmountCents int64     `json:"amount_cents"`
	Reference   string    `json:"reference"`
	CreatedAt   time.Time `json:"created_at"`
}

type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type PoolStats struct {
	TotalCents       int64 `json:"total_cents"`
	YesCents         int64 `json:"yes_cents"`
	NoCents          int64 `json:"no_cents"`
	ParticipantCount int   `json:"participant_count"`
}

type NewEvent struct {
	Title           string    `json:"title"`
	Category        string    `json:"category"`
	EntryFeeCents   int64     `json:"entry_fee_cents"`
	EndDate         time.Time `json:"end_date"`
	IsPrivate       bool      `json:"is_private"`
	MaxParticipants int       `json:"max_participants"`
}

type NewChallenge struct {
	ChallengedID string    `json:"challenged_id"`
	Title        string    `json:"title"`
	AmountCents  int64     `json:"amount_cents"`
	DueDate      time.Time `json:"due_date"`
}

// JoinResult holds exactly one of Participant (public event) or Request
// (private event awaiting the creator's decision).
type JoinResult struct {
	Participant *Participant `json:"participant,omitempty"`
	Request     *JoinRequest `json:"join_request,omitempty"`
}

type Payout struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
}

type EventPayoutSummary struct {
	EventID         string   `json:"event_id"`
	Result          bool     `json:"result"`
	TotalCents      int64    `json:"total_cents"`
	CreatorFeeCents int64    `json:"creator_fee_cents"`
	CreatorBonus    int64    `json:"creator_bonus_cents"`
	Winners         []Payout `json:"winners"`
	Losers          int      `json:"losers"`
}

type ChallengePayoutSummary struct {
	ChallengeID      string          `json:"challenge_id"`
	Result           ChallengeResult `json:"result"`
	TotalCents       int64           `json:"total_cents"`
	PlatformFeeCents int64           `json:"platform_fee_cents"`
	Payouts          []Payout        `json:"payouts"`
}

// WagerSummary is what gets announced to external broadcast sinks.
type WagerSummary struct {
	Kind         string    `json:"kind"`
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	TotalCents   int64     `json:"total_cents"`
	YesCents     int64     `json:"yes_cents,omitempty"`
	NoCents      int64     `json:"no_cents,omitempty"`
	Result       string    `json:"result,omitempty"`
	Participants int       `json:"participants,omitempty"`
	At           time.Time `json:"at"`
}
