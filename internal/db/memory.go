package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"wager-escrow/internal/model"
)

// MemoryStore is an in-process Store used by tests and the "memory" driver.
// Transactions run one at a time against a copy of the state; the copy
// replaces the live state only when the transaction function succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	wallets       map[string]int64
	platformFee   int64
	ledger        []model.LedgerTransaction
	refs          map[string]int
	events        map[string]model.Event
	eventOrder    []string
	participants  map[string][]model.Participant
	requests      map[string]model.JoinRequest
	requestOrder  []string
	challenges    map[string]model.Challenge
	challengeSeq  []string
	notifications []model.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		wallets:      map[string]int64{},
		refs:         map[string]int{},
		events:       map[string]model.Event{},
		participants: map[string][]model.Participant{},
		requests:     map[string]model.JoinRequest{},
		challenges:   map[string]model.Challenge{},
	}}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (st *memState) clone() *memState {
	c := &memState{
		wallets:       make(map[string]int64, len(st.wallets)),
		platformFee:   st.platformFee,
		ledger:        append([]model.LedgerTransaction(nil), st.ledger...),
		refs:          make(map[string]int, len(st.refs)),
		events:        make(map[string]model.Event, len(st.events)),
		eventOrder:    append([]string(nil), st.eventOrder...),
		participants:  make(map[string][]model.Participant, len(st.participants)),
		requests:      make(map[string]model.JoinRequest, len(st.requests)),
		requestOrder:  append([]string(nil), st.requestOrder...),
		challenges:    make(map[string]model.Challenge, len(st.challenges)),
		challengeSeq:  append([]string(nil), st.challengeSeq...),
		notifications: append([]model.Notification(nil), st.notifications...),
	}
	for k, v := range st.wallets {
		c.wallets[k] = v
	}
	for k, v := range st.refs {
		c.refs[k] = v
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	for k, v := range st.participants {
		c.participants[k] = append([]model.Participant(nil), v...)
	}
	for k, v := range st.requests {
		c.requests[k] = v
	}
	for k, v := range st.challenges {
		c.challenges[k] = v
	}
	return c
}

type memTx struct{ st *memState }

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

// ── Wallets ──────────────────────────────────────────

func (t *memTx) GetWallet(_ context.Context, userID string, _ bool) (*model.Wallet, error) {
	bal, ok := t.st.wallets[userID]
	if !ok {
		return nil, nil
	}
	return &model.Wallet{UserID: userID, BalanceCents: bal}, nil
}

func (t *memTx) AddBalance(_ context.Context, userID string, delta int64) error {
	if t.st.wallets[userID]+delta < 0 {
		return model.ErrInsufficientFunds
	}
	t.st.wallets[userID] += delta
	return nil
}

// ── Ledger ───────────────────────────────────────────

func (t *memTx) InsertLedger(_ context.Context, lt *model.LedgerTransaction) (bool, error) {
	if _, dup := t.st.refs[lt.Reference]; dup {
		return false, nil
	}
	t.st.refs[lt.Reference] = len(t.st.ledger)
	t.st.ledger = append(t.st.ledger, *lt)
	return true, nil
}

func (t *memTx) GetLedgerByReference(_ context.Context, reference string) (*model.LedgerTransaction, error) {
	i, ok := t.st.refs[reference]
	if !ok {
		return nil, nil
	}
	lt := t.st.ledger[i]
	return &lt, nil
}

func (t *memTx) ListLedger(_ context.Context, userID string, limit int) ([]model.LedgerTransaction, error) {
	var out []model.LedgerTransaction
	for i := len(t.st.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if t.st.ledger[i].UserID == userID {
			out = append(out, t.st.ledger[i])
		}
	}
	return out, nil
}

func (t *memTx) AddPlatformFee(_ context.Context, cents int64) error {
	t.st.platformFee += cents
	return nil
}

func (t *memTx) GetPlatformFee(context.Context) (int64, error) { return t.st.platformFee, nil }

// ── Events ───────────────────────────────────────────

func (t *memTx) InsertEvent(_ context.Context, e *model.Event) error {
	if _, dup := t.st.events[e.ID]; dup {
		return model.ErrInvalidState
	}
	t.st.events[e.ID] = *e
	t.st.eventOrder = append(t.st.eventOrder, e.ID)
	return nil
}

func (t *memTx) GetEvent(_ context.Context, id string, _ bool) (*model.Event, error) {
	e, ok := t.st.events[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) filterEvents(keep func(e *model.Event) bool) []model.Event {
	var out []model.Event
	for _, id := range t.st.eventOrder {
		e := t.st.events[id]
		if keep(&e) {
			out = append(out, e)
		}
	}
	return out
}

func (t *memTx) ListEvents(_ context.Context, status model.EventStatus, limit int) ([]model.Event, error) {
	out := t.filterEvents(func(e *model.Event) bool { return status == "" || e.Status == status })
	// newest first; insertion order breaks ties
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListEventsEndingBetween(_ context.Context, from, to time.Time) ([]model.Event, error) {
	out := t.filterEvents(func(e *model.Event) bool {
		return e.Status == model.EventActive && !e.EndingNoticeSent && !e.EndDate.Before(from) && !e.EndDate.After(to)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	return out, nil
}

func (t *memTx) ListExpiredEvents(_ context.Context, now time.Time) ([]model.Event, error) {
	out := t.filterEvents(func(e *model.Event) bool {
		return e.Status == model.EventActive && e.EndDate.Before(now)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	return out, nil
}

func (t *memTx) IncrementPool(_ context.Context, eventID string, prediction bool, amount int64) (model.Pool, error) {
	e, ok := t.st.events[eventID]
	if !ok {
		return model.Pool{}, model.ErrEventNotFound
	}
	e.Pool = e.Pool.Add(prediction, amount)
	t.st.events[eventID] = e
	return e.Pool, nil
}

func resolvable(e model.Event) bool {
	return e.AdminResult == nil && (e.Status == model.EventActive || e.Status == model.EventPendingAdmin)
}

func (t *memTx) ResolveEvent(_ context.Context, eventID string, result bool, creatorFee int64, at time.Time) (bool, error) {
	e, ok := t.st.events[eventID]
	if !ok || !resolvable(e) {
		return false, nil
	}
	e.Status = model.EventCompleted
	e.AdminResult = &result
	e.CreatorFeeCents = creatorFee
	e.ResolvedAt = &at
	t.st.events[eventID] = e
	return true, nil
}

func (t *memTx) CancelEvent(_ context.Context, eventID string, at time.Time) (bool, error) {
	e, ok := t.st.events[eventID]
	if !ok || !resolvable(e) {
		return false, nil
	}
	e.Status = model.EventCancelled
	e.ResolvedAt = &at
	t.st.events[eventID] = e
	return true, nil
}

func (t *memTx) ExpireEvent(_ context.Context, eventID string, now time.Time) (bool, error) {
	e, ok := t.st.events[eventID]
	if !ok || e.Status != model.EventActive || !e.EndDate.Before(now) {
		return false, nil
	}
	e.Status = model.EventPendingAdmin
	t.st.events[eventID] = e
	return true, nil
}

func (t *memTx) MarkEndingNotice(_ context.Context, eventID string) (bool, error) {
	e, ok := t.st.events[eventID]
	if !ok || e.Status != model.EventActive || e.EndingNoticeSent {
		return false, nil
	}
	e.EndingNoticeSent = true
	t.st.events[eventID] = e
	return true, nil
}

// ── Participants ─────────────────────────────────────

func (t *memTx) InsertParticipant(_ context.Context, p *model.Participant) error {
	for _, q := range t.st.participants[p.EventID] {
		if q.UserID == p.UserID {
			return model.ErrAlreadyJoined
		}
	}
	t.st.participants[p.EventID] = append(t.st.participants[p.EventID], *p)
	return nil
}

func (t *memTx) HasParticipant(_ context.Context, eventID, userID string) (bool, error) {
	for _, p := range t.st.participants[eventID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountParticipants(_ context.Context, eventID string) (int, error) {
	return len(t.st.participants[eventID]), nil
}

func (t *memTx) ListParticipants(_ context.Context, eventID string) ([]model.Participant, error) {
	return append([]model.Participant(nil), t.st.participants[eventID]...), nil
}

func (t *memTx) SettleParticipant(_ context.Context, id string, status model.ParticipantStatus, payout int64) error {
	for eventID, ps := range t.st.participants {
		for i := range ps {
			if ps[i].ID == id {
				ps[i].Status = status
				ps[i].PayoutCents = payout
				t.st.participants[eventID] = ps
				return nil
			}
		}
	}
	return nil
}

// ── Join Requests ────────────────────────────────────

func (t *memTx) InsertJoinRequest(_ context.Context, r *model.JoinRequest) error {
	t.st.requests[r.ID] = *r
	t.st.requestOrder = append(t.st.requestOrder, r.ID)
	return nil
}

func (t *memTx) GetJoinRequest(_ context.Context, id string, _ bool) (*model.JoinRequest, error) {
	r, ok := t.st.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *memTx) HasPendingRequest(_ context.Context, eventID, userID string) (bool, error) {
	for _, r := range t.st.requests {
		if r.EventID == eventID && r.UserID == userID && r.Status == model.RequestPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListJoinRequests(_ context.Context, eventID string) ([]model.JoinRequest, error) {
	var out []model.JoinRequest
	for _, id := range t.st.requestOrder {
		if r := t.st.requests[id]; r.EventID == eventID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) DecideJoinRequest(_ context.Context, id string, status model.JoinRequestStatus, at time.Time) (bool, error) {
	r, ok := t.st.requests[id]
	if !ok || r.Status != model.RequestPending {
		return false, nil
	}
	r.Status = status
	r.DecidedAt = &at
	t.st.requests[id] = r
	return true, nil
}

// ── Challenges ───────────────────────────────────────

func (t *memTx) InsertChallenge(_ context.Context, c *model.Challenge) error {
	t.st.challenges[c.ID] = *c
	t.st.challengeSeq = append(t.st.challengeSeq, c.ID)
	return nil
}

func (t *memTx) GetChallenge(_ context.Context, id string, _ bool) (*model.Challenge, error) {
	c, ok := t.st.challenges[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *memTx) ListChallenges(_ context.Context, userID string, limit int) ([]model.Challenge, error) {
	var out []model.Challenge
	for i := len(t.st.challengeSeq) - 1; i >= 0 && len(out) < limit; i-- {
		if c := t.st.challenges[t.st.challengeSeq[i]]; c.IsParty(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) ListStaleChallenges(_ context.Context, now time.Time) ([]model.Challenge, error) {
	var out []model.Challenge
	for _, id := range t.st.challengeSeq {
		if c := t.st.challenges[id]; c.Status == model.ChallengePending && c.DueDate.Before(now) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (t *memTx) TransitionChallenge(_ context.Context, id string, from, to model.ChallengeStatus, at time.Time) (bool, error) {
	c, ok := t.st.challenges[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	switch to {
	case model.ChallengeActive:
		c.AcceptedAt = &at
	case model.ChallengeCancelled:
		c.CompletedAt = &at
	}
	t.st.challenges[id] = c
	return true, nil
}

func (t *memTx) CompleteChallenge(_ context.Context, id string, result model.ChallengeResult, fee int64, at time.Time) (bool, error) {
	c, ok := t.st.challenges[id]
	if !ok || c.Result != nil || (c.Status != model.ChallengeActive && c.Status != model.ChallengeDisputed) {
		return false, nil
	}
	c.Status = model.ChallengeCompleted
	c.Result = &result
	c.PlatformFeeCents = fee
	c.CompletedAt = &at
	t.st.challenges[id] = c
	return true, nil
}

// ── Notifications ────────────────────────────────────

func (t *memTx) InsertNotification(_ context.Context, n *model.Notification) error {
	t.st.notifications = append(t.st.notifications, *n)
	return nil
}

func (t *memTx) ListNotifications(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	var out []model.Notification
	for i := len(t.st.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if t.st.notifications[i].UserID == userID {
			out = append(out, t.st.notifications[i])
		}
	}
	return out, nil
}
