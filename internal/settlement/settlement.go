// Package settlement computes wager payouts. It does no I/O: callers hand in
// the escrowed stakes and a result and get back the exact cent amounts to
// credit. All ratio arithmetic runs on decimals and is truncated to whole
// cents, so every settlement credits exactly the escrowed total.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"wager-escrow/internal/model"
)

const bpsDenominator = 10000

var (
	ErrPoolMismatch = errors.New("settlement: stakes do not sum to pool total")
	ErrBadStake     = errors.New("settlement: stake must be positive")
	ErrBadFee       = errors.New("settlement: fee bps out of range")
	ErrBadResult    = errors.New("settlement: unknown challenge result")
)

// ── Event variant ────────────────────────────────────

// Stake is one participant's escrowed position. Stakes are passed in join
// order; the order breaks ties when assigning rounding remainders.
type Stake struct {
	ParticipantID string
	UserID        string
	Prediction    bool
	AmountCents   int64
}

type EventInput struct {
	TotalCents    int64
	Result        bool
	CreatorFeeBps int64
	Stakes        []Stake
}

type ParticipantPayout struct {
	ParticipantID string
	UserID        string
	Won           bool
	PayoutCents   int64
}

type EventSettlement struct {
	CreatorFeeCents   int64
	CreatorBonusCents int64
	WinnerStakeCents  int64
	// Payouts is index-aligned with EventInput.Stakes.
	Payouts []ParticipantPayout
}

// Winners returns the payouts of winning participants only.
func (s EventSettlement) Winners() []ParticipantPayout {
	var out []ParticipantPayout
	for _, p := range s.Payouts {
		if p.Won {
			out = append(out, p)
		}
	}
	return out
}

// CreditedCents is everything the settlement pays out, fee and bonus included.
func (s EventSettlement) CreditedCents() int64 {
	total := s.CreatorFeeCents + s.CreatorBonusCents
	for _, p := range s.Payouts {
		total += p.PayoutCents
	}
	return total
}

// SettleEvent splits an event pool between the winning side and the creator.
//
// With no winners the creator receives the whole pool as a bonus and no fee
// is taken. Otherwise the creator fee is taken off the top and each winner
// gets their stake back plus a stake-proportional share of what remains.
// Cents lost to truncation go to the largest winning stake, earliest joined
// on ties.
func SettleEvent(in EventInput) (EventSettlement, error) {
	if in.CreatorFeeBps < 0 || in.CreatorFeeBps > bpsDenominator {
		return EventSettlement{}, ErrBadFee
	}

	var sum int64
	for _, s := range in.Stakes {
		if s.AmountCents <= 0 {
			return EventSettlement{}, fmt.Errorf("%w: participant %s", ErrBadStake, s.ParticipantID)
		}
		sum += s.AmountCents
	}
	if sum != in.TotalCents {
		return EventSettlement{}, fmt.Errorf("%w: stakes=%d total=%d", ErrPoolMismatch, sum, in.TotalCents)
	}

	out := EventSettlement{Payouts: make([]ParticipantPayout, len(in.Stakes))}
	largest := -1
	for i, s := range in.Stakes {
		won := s.Prediction == in.Result
		out.Payouts[i] = ParticipantPayout{ParticipantID: s.ParticipantID, UserID: s.UserID, Won: won}
		if !won {
			continue
		}
		out.WinnerStakeCents += s.AmountCents
		if largest < 0 || s.AmountCents > in.Stakes[largest].AmountCents {
			largest = i
		}
	}

	if out.WinnerStakeCents == 0 {
		out.CreatorBonusCents = in.TotalCents
		return out, nil
	}

	out.CreatorFeeCents = bpsOf(in.TotalCents, in.CreatorFeeBps)
	available := in.TotalCents - out.CreatorFeeCents
	profit := decimal.NewFromInt(available - out.WinnerStakeCents)
	winnerSum := decimal.NewFromInt(out.WinnerStakeCents)

	var paid int64
	for i, s := range in.Stakes {
		if !out.Payouts[i].Won {
			continue
		}
		share := profit.Mul(decimal.NewFromInt(s.AmountCents)).Div(winnerSum).Floor().IntPart()
		out.Payouts[i].PayoutCents = s.AmountCents + share
		paid += out.Payouts[i].PayoutCents
	}
	out.Payouts[largest].PayoutCents += available - paid

	if got := out.CreditedCents(); got != in.TotalCents {
		return EventSettlement{}, fmt.Errorf("settlement: credited %d of %d", got, in.TotalCents)
	}
	return out, nil
}

// ── Challenge variant ────────────────────────────────

type ChallengeInput struct {
	AmountCents    int64
	Result         model.ChallengeResult
	PlatformFeeBps int64
}

type ChallengeSettlement struct {
	TotalCents       int64
	PlatformFeeCents int64
	ChallengerCents  int64
	ChallengedCents  int64
}

// SettleChallenge pays out a 1v1 escrow. A draw refunds both stakes with no
// fee; a win pays the winner both stakes minus the platform fee.
func SettleChallenge(in ChallengeInput) (ChallengeSettlement, error) {
	if in.AmountCents <= 0 {
		return ChallengeSettlement{}, ErrBadStake
	}
	if in.PlatformFeeBps < 0 || in.PlatformFeeBps > bpsDenominator {
		return ChallengeSettlement{}, ErrBadFee
	}

	out := ChallengeSettlement{TotalCents: in.AmountCents * 2}
	switch in.Result {
	case model.Draw:
		out.ChallengerCents = in.AmountCents
		out.ChallengedCents = in.AmountCents
	case model.ChallengerWon, model.ChallengedWon:
		out.PlatformFeeCents = bpsOf(out.TotalCents, in.PlatformFeeBps)
		winnerCents := out.TotalCents - out.PlatformFeeCents
		if in.Result == model.ChallengerWon {
			out.ChallengerCents = winnerCents
		} else {
			out.ChallengedCents = winnerCents
		}
	default:
		return ChallengeSettlement{}, fmt.Errorf("%w: %q", ErrBadResult, in.Result)
	}
	return out, nil
}

func bpsOf(cents, bps int64) int64 {
	return decimal.NewFromInt(cents).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(bpsDenominator)).
		Floor().
		IntPart()
}
