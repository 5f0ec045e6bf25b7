package settlement

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wager-escrow/internal/model"
)

func TestSettleEventProportionalPayout(t *testing.T) {
	// Pool of 1000.00: A and B back YES with 100.00 and 300.00.
	in := EventInput{
		TotalCents:    100000,
		Result:        true,
		CreatorFeeBps: 300,
		Stakes: []Stake{
			{ParticipantID: "pa", UserID: "a", Prediction: true, AmountCents: 10000},
			{ParticipantID: "pb", UserID: "b", Prediction: true, AmountCents: 30000},
			{ParticipantID: "pc", UserID: "c", Prediction: false, AmountCents: 60000},
		},
	}

	out, err := SettleEvent(in)
	require.NoError(t, err)

	assert.Equal(t, int64(3000), out.CreatorFeeCents)
	assert.Zero(t, out.CreatorBonusCents)
	assert.Equal(t, int64(40000), out.WinnerStakeCents)
	assert.Equal(t, int64(24250), out.Payouts[0].PayoutCents)
	assert.Equal(t, int64(72750), out.Payouts[1].PayoutCents)
	assert.False(t, out.Payouts[2].Won)
	assert.Zero(t, out.Payouts[2].PayoutCents)
	assert.Equal(t, in.TotalCents, out.CreditedCents())
	assert.Len(t, out.Winners(), 2)
}

func TestSettleEventNoWinners(t *testing.T) {
	in := EventInput{
		TotalCents:    50000,
		Result:        true,
		CreatorFeeBps: 300,
		Stakes: []Stake{
			{ParticipantID: "p1", UserID: "u1", Prediction: false, AmountCents: 20000},
			{ParticipantID: "p2", UserID: "u2", Prediction: false, AmountCents: 30000},
		},
	}

	out, err := SettleEvent(in)
	require.NoError(t, err)

	assert.Equal(t, int64(50000), out.CreatorBonusCents)
	assert.Zero(t, out.CreatorFeeCents)
	for _, p := range out.Payouts {
		assert.False(t, p.Won)
		assert.Zero(t, p.PayoutCents)
	}
	assert.Empty(t, out.Winners())
}

func TestSettleEventEmptyPool(t *testing.T) {
	out, err := SettleEvent(EventInput{TotalCents: 0, Result: false, CreatorFeeBps: 300})
	require.NoError(t, err)
	assert.Zero(t, out.CreditedCents())
}

func TestSettleEventRemainderGoesToLargestStake(t *testing.T) {
	in := EventInput{
		TotalCents:    1001,
		Result:        false,
		CreatorFeeBps: 300,
		Stakes: []Stake{
			{ParticipantID: "p1", Prediction: false, AmountCents: 100},
			{ParticipantID: "p2", Prediction: false, AmountCents: 200},
			{ParticipantID: "p3", Prediction: false, AmountCents: 100},
			{ParticipantID: "p4", Prediction: true, AmountCents: 601},
		},
	}

	out, err := SettleEvent(in)
	require.NoError(t, err)

	// fee 30, available 971, profit 571: floors are 142, 285, 142 leaving 2 cents.
	assert.Equal(t, int64(30), out.CreatorFeeCents)
	assert.Equal(t, int64(242), out.Payouts[0].PayoutCents)
	assert.Equal(t, int64(487), out.Payouts[1].PayoutCents)
	assert.Equal(t, int64(242), out.Payouts[2].PayoutCents)
	assert.Equal(t, in.TotalCents, out.CreditedCents())
}

func TestSettleEventRemainderTieGoesToEarliest(t *testing.T) {
	in := EventInput{
		TotalCents:    1000,
		Result:        true,
		CreatorFeeBps: 300,
		Stakes: []Stake{
			{ParticipantID: "p1", Prediction: true, AmountCents: 100},
			{ParticipantID: "p2", Prediction: true, AmountCents: 100},
			{ParticipantID: "p3", Prediction: true, AmountCents: 100},
			{ParticipantID: "p4", Prediction: false, AmountCents: 700},
		},
	}

	out, err := SettleEvent(in)
	require.NoError(t, err)

	assert.Equal(t, int64(324), out.Payouts[0].PayoutCents)
	assert.Equal(t, int64(323), out.Payouts[1].PayoutCents)
	assert.Equal(t, int64(323), out.Payouts[2].PayoutCents)
	assert.Equal(t, in.TotalCents, out.CreditedCents())
}

func TestSettleEventEveryoneWins(t *testing.T) {
	// Nobody on the losing side: winners fund the creator fee themselves.
	in := EventInput{
		TotalCents:    1000,
		Result:        true,
		CreatorFeeBps: 300,
		Stakes: []Stake{
			{ParticipantID: "p1", Prediction: true, AmountCents: 400},
			{ParticipantID: "p2", Prediction: true, AmountCents: 600},
		},
	}

	out, err := SettleEvent(in)
	require.NoError(t, err)

	assert.Equal(t, int64(388), out.Payouts[0].PayoutCents)
	assert.Equal(t, int64(582), out.Payouts[1].PayoutCents)
	assert.Equal(t, int64(30), out.CreatorFeeCents)
	assert.Equal(t, in.TotalCents, out.CreditedCents())
}

func TestSettleEventConservationRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 500; round++ {
		n := 1 + rng.Intn(40)
		in := EventInput{Result: rng.Intn(2) == 0, CreatorFeeBps: int64(rng.Intn(1001))}
		for i := 0; i < n; i++ {
			amt := int64(1 + rng.Intn(250000))
			in.Stakes = append(in.Stakes, Stake{ParticipantID: string(rune('a' + i%26)), Prediction: rng.Intn(3) != 0, AmountCents: amt})
			in.TotalCents += amt
		}

		out, err := SettleEvent(in)
		require.NoError(t, err, "round %d", round)
		require.Equal(t, in.TotalCents, out.CreditedCents(), "round %d", round)
		if out.WinnerStakeCents == 0 {
			require.Equal(t, in.TotalCents, out.CreatorBonusCents)
			continue
		}
		var winners int64
		for _, p := range out.Winners() {
			winners += p.PayoutCents
		}
		require.Equal(t, in.TotalCents-out.CreatorFeeCents, winners, "round %d", round)
	}
}

func TestSettleEventRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		in   EventInput
		want error
	}{
		{"total mismatch", EventInput{TotalCents: 500, Stakes: []Stake{{AmountCents: 400}}}, ErrPoolMismatch},
		{"zero stake", EventInput{TotalCents: 0, Stakes: []Stake{{AmountCents: 0}}}, ErrBadStake},
		{"negative fee", EventInput{CreatorFeeBps: -1}, ErrBadFee},
		{"fee above 100%", EventInput{CreatorFeeBps: 10001}, ErrBadFee},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SettleEvent(tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSettleChallenge(t *testing.T) {
	tests := []struct {
		name       string
		result     model.ChallengeResult
		fee        int64
		challenger int64
		challenged int64
	}{
		{"challenger wins", model.ChallengerWon, 10000, 190000, 0},
		{"challenged wins", model.ChallengedWon, 10000, 0, 190000},
		{"draw", model.Draw, 0, 100000, 100000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := SettleChallenge(ChallengeInput{AmountCents: 100000, Result: tc.result, PlatformFeeBps: 500})
			require.NoError(t, err)
			assert.Equal(t, int64(200000), out.TotalCents)
			assert.Equal(t, tc.fee, out.PlatformFeeCents)
			assert.Equal(t, tc.challenger, out.ChallengerCents)
			assert.Equal(t, tc.challenged, out.ChallengedCents)
			assert.Equal(t, out.TotalCents, out.PlatformFeeCents+out.ChallengerCents+out.ChallengedCents)
		})
	}
}

func TestSettleChallengeRejectsBadInput(t *testing.T) {
	_, err := SettleChallenge(ChallengeInput{AmountCents: 100, Result: "forfeit", PlatformFeeBps: 500})
	assert.ErrorIs(t, err, ErrBadResult)

	_, err = SettleChallenge(ChallengeInput{AmountCents: 0, Result: model.Draw})
	assert.ErrorIs(t, err, ErrBadStake)
}
