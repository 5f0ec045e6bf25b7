package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wager-escrow/internal/engine"
	"wager-escrow/internal/model"
	"wager-escrow/internal/ws"
)

type Server struct {
	engine   *engine.Engine
	hub      *ws.Hub
	secret   []byte
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// NewServer wires the HTTP surface. Tokens are issued elsewhere; the server
// only verifies HS256 signatures with secret.
func NewServer(eng *engine.Engine, hub *ws.Hub, secret string, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:   eng,
		hub:      hub,
		secret:   []byte(secret),
		gatherer: gatherer,
		log:      log.With(zap.String("component", "api")),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", s.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Wallet
		r.Get("/api/wallet", s.getWallet)
		r.Get("/api/ledger", s.getLedger)
		r.Get("/api/notifications", s.getNotifications)

		// Events
		r.Get("/api/events", s.listEvents)
		r.Post("/api/events", s.createEvent)
		r.Get("/api/events/{id}", s.getEvent)
		r.Get("/api/events/{id}/stats", s.poolStats)
		r.Get("/api/events/{id}/participants", s.listParticipants)
		r.Post("/api/events/{id}/join", s.joinEvent)
		r.Get("/api/events/{id}/join-requests", s.listJoinRequests)
		r.Post("/api/join-requests/{id}/approve", s.approveJoinRequest)
		r.Post("/api/join-requests/{id}/reject", s.rejectJoinRequest)

		// Challenges
		r.Get("/api/challenges", s.listChallenges)
		r.Post("/api/challenges", s.createChallenge)
		r.Get("/api/challenges/{id}", s.getChallenge)
		r.Post("/api/challenges/{id}/accept", s.acceptChallenge)
		r.Post("/api/challenges/{id}/decline", s.declineChallenge)
		r.Post("/api/challenges/{id}/cancel", s.cancelChallenge)
		r.Post("/api/challenges/{id}/dispute", s.disputeChallenge)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/events/{id}/resolve", s.resolveEvent)
			r.Post("/api/admin/events/{id}/cancel", s.cancelEvent)
			r.Post("/api/admin/challenges/{id}/resolve", s.resolveChallenge)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/platform-fee", s.platformFee)
		})
	})

	return r
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) parseToken(tokenStr string) (userID, role string, err error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid claims")
	}
	userID, _ = claims["sub"].(string)
	role, _ = claims["role"].(string)
	if userID == "" {
		return "", "", errors.New("token has no subject")
	}
	return userID, role, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		userID, role, err := s.parseToken(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			jsonErr(w, 401, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serveWS accepts anonymous viewers; a valid ?token= also subscribes the
// connection to the user's notifications.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	var userID string
	if tok := r.URL.Query().Get("token"); tok != "" {
		uid, _, err := s.parseToken(tok)
		if err != nil {
			jsonErr(w, 401, err.Error())
			return
		}
		userID = uid
	}
	s.hub.ServeWS(w, r, userID)
}

// ── Helpers ──────────────────────────────────────────

func currentUser(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserID).(string)
	return uid
}

func isAdmin(r *http.Request) bool {
	role, _ := r.Context().Value(ctxRole).(string)
	return role == string(model.RoleAdmin)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonErr(w, 400, "invalid json")
		return false
	}
	return true
}

// statusFor maps the error taxonomy to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return 404
	case errors.Is(err, model.ErrInvalidInput):
		return 400
	case errors.Is(err, model.ErrInsufficientFunds):
		return 402
	case errors.Is(err, model.ErrUnauthorized):
		return 403
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrCapacityExceeded),
		errors.Is(err, model.ErrDuplicateReference):
		return 409
	}
	return 500
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == 500 {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		jsonErr(w, 500, "internal error")
		return
	}
	jsonErr(w, code, err.Error())
}

func json200(w http.ResponseWriter, data any) {
	jsonStatus(w, 200, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonStatus(w, code, map[string]string{"error": msg})
}

// emptyIfNil keeps list endpoints returning [] instead of null.
func emptyIfNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
