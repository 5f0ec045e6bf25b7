package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wager-escrow/internal/model"
)

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.engine.Balance(r.Context(), currentUser(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, wallet)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Ledger(r.Context(), currentUser(r), queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, emptyIfNil(rows))
}

func (s *Server) getNotifications(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Notifications(r.Context(), currentUser(r), queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, emptyIfNil(out))
}

// ── Events ───────────────────────────────────────────

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	status := model.EventStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.EventActive, model.EventPendingAdmin, model.EventCompleted, model.EventCancelled:
	default:
		jsonErr(w, 400, "unknown status")
		return
	}
	events, err := s.engine.ListEvents(r.Context(), status, queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, emptyIfNil(events))
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var req model.NewEvent
	if !decode(w, r, &req) {
		return
	}
	ev, err := s.engine.CreateEvent(r.Context(), currentUser(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonStatus(w, 201, ev)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, ev)
}

func (s *Server) poolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.PoolStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, stats)
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := s.engine.ListParticipants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, emptyIfNil(ps))
}

func (s *Server) joinEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prediction  *bool `json:"prediction"`
		AmountCents int64 `json:"amount_cents"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Prediction == nil {
		jsonErr(w, 400, "prediction is required")
		return
	}
	res, err := s.engine.JoinEvent(r.Context(), chi.URLParam(r, "id"), currentUser(r), *req.Prediction, req.AmountCents)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Request != nil {
		jsonStatus(w, 202, res)
		return
	}
	jsonStatus(w, 201, res)
}

func (s *Server) listJoinRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.engine.ListJoinRequests(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, emptyIfNil(reqs))
}

func (s *Server) approveJoinRequest(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.ApproveJoinRequest(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, p)
}

func (s *Server) rejectJoinRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.RejectJoinRequest(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, req)
}

// ── Challenges ───────────────────────────────────────

func (s *Server) listChallenges(w http.ResponseWriter, r *http.Request) {
	cs, err := s.engine.ListChallenges(r.Context(), currentUser(r), queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, emptyIfNil(cs))
}

func (s *Server) createChallenge(w http.ResponseWriter, r *http.Request) {
	var req model.NewChallenge
	if !decode(w, r, &req) {
		return
	}
	c, err := s.engine.CreateChallenge(r.Context(), currentUser(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonStatus(w, 201, c)
}

// getChallenge is visible to the two parties and admins.
func (s *Server) getChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetChallenge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !c.IsParty(currentUser(r)) && !isAdmin(r) {
		jsonErr(w, 403, "not a party to this challenge")
		return
	}
	json200(w, c)
}

func (s *Server) acceptChallenge(w http.ResponseWriter, r *http.Request) {
	s.challengeAction(w, r, s.engine.AcceptChallenge)
}

func (s *Server) declineChallenge(w http.ResponseWriter, r *http.Request) {
	s.challengeAction(w, r, s.engine.DeclineChallenge)
}

func (s *Server) cancelChallenge(w http.ResponseWriter, r *http.Request) {
	s.challengeAction(w, r, s.engine.CancelChallenge)
}

func (s *Server) disputeChallenge(w http.ResponseWriter, r *http.Request) {
	s.challengeAction(w, r, s.engine.DisputeChallenge)
}

type challengeFn func(ctx context.Context, challengeID, userID string) (*model.Challenge, error)

func (s *Server) challengeAction(w http.ResponseWriter, r *http.Request, fn challengeFn) {
	c, err := fn(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, c)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) resolveEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result *bool `json:"result"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Result == nil {
		jsonErr(w, 400, "result is required")
		return
	}
	sum, err := s.engine.ResolveEvent(r.Context(), chi.URLParam(r, "id"), *req.Result, currentUser(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, sum)
}

func (s *Server) cancelEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.CancelEvent(r.Context(), chi.URLParam(r, "id"), currentUser(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, ev)
}

func (s *Server) resolveChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result model.ChallengeResult `json:"result"`
	}
	if !decode(w, r, &req) {
		return
	}
	sum, err := s.engine.ResolveChallenge(r.Context(), chi.URLParam(r, "id"), req.Result, currentUser(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, sum)
}

// adminDeposit credits a wallet. Replaying a reference returns the original
// row with duplicate=true and moves no funds.
func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		AmountCents int64  `json:"amount_cents"`
		Reference   string `json:"reference"`
	}
	if !decode(w, r, &req) {
		return
	}
	lt, err := s.engine.Deposit(r.Context(), req.UserID, req.AmountCents, req.Reference)
	switch {
	case errors.Is(err, model.ErrDuplicateReference):
		json200(w, map[string]any{"transaction": lt, "duplicate": true})
	case err != nil:
		s.fail(w, r, err)
	default:
		jsonStatus(w, 201, map[string]any{"transaction": lt, "duplicate": false})
	}
}

func (s *Server) platformFee(w http.ResponseWriter, r *http.Request) {
	fee, err := s.engine.PlatformFee(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, map[string]int64{"platform_fee_cents": fee})
}
