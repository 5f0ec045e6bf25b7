// Package engine is the wager settlement engine: it escrows stakes for pooled
// events and 1v1 challenges, drives their lifecycle and pays them out exactly
// once. Every state change runs inside a single store transaction; collaborators
// are called only after that transaction commits.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
)

// Notifier delivers a message to one user. Failures never roll back the
// operation that triggered the notice.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message string, data map[string]any) error
}

// Broadcaster fans a wager summary out to external subscribers. Best effort.
type Broadcaster interface {
	Announce(ctx context.Context, s model.WagerSummary) error
}

type Options struct {
	CreatorFeeBps   int64
	PlatformFeeBps  int64
	AnnounceTimeout time.Duration
	Registerer      prometheus.Registerer
	Now             func() time.Time
}

type Engine struct {
	store       db.Store
	notifier    Notifier
	broadcaster Broadcaster
	log         *zap.Logger
	metrics     *Metrics

	creatorFeeBps   int64
	platformFeeBps  int64
	announceTimeout time.Duration
	now             func() time.Time

	locks    *keyedMutex
	inflight sync.WaitGroup
}

func New(store db.Store, notifier Notifier, broadcaster Broadcaster, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.AnnounceTimeout <= 0 {
		opts.AnnounceTimeout = 5 * time.Second
	}
	return &Engine{
		store:           store,
		notifier:        notifier,
		broadcaster:     broadcaster,
		log:             log.With(zap.String("component", "engine")),
		metrics:         NewMetrics(opts.Registerer),
		creatorFeeBps:   opts.CreatorFeeBps,
		platformFeeBps:  opts.PlatformFeeBps,
		announceTimeout: opts.AnnounceTimeout,
		now:             opts.Now,
		locks:           newKeyedMutex(),
	}
}

func (e *Engine) Metrics() *Metrics { return e.metrics }

// Wait blocks until in-flight announcements have finished.
func (e *Engine) Wait() { e.inflight.Wait() }

func newID() string { return uuid.NewString() }

// ── Keyed Mutex ──────────────────────────────────────

// keyedMutex serializes mutations per wager inside this process. The row
// locks taken in the store do the same across processes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// ── Collaborators ────────────────────────────────────

type notice struct {
	userID  string
	title   string
	message string
	data    map[string]any
}

// deliver sends each notice independently; one failed recipient does not
// stop the rest.
func (e *Engine) deliver(ctx context.Context, notices []notice) {
	if e.notifier == nil {
		return
	}
	for _, n := range notices {
		if err := e.notifier.Notify(ctx, n.userID, n.title, n.message, n.data); err != nil {
			e.metrics.CollaboratorFailures.WithLabelValues("notifier").Inc()
			e.log.Warn("notify failed", zap.String("user_id", n.userID), zap.String("title", n.title), zap.Error(err))
		}
	}
}

// announce runs the broadcast detached from the caller's request.
func (e *Engine) announce(s model.WagerSummary) {
	if e.broadcaster == nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.announceTimeout)
		defer cancel()
		if err := e.broadcaster.Announce(ctx, s); err != nil {
			e.metrics.CollaboratorFailures.WithLabelValues("broadcaster").Inc()
			e.log.Warn("announce failed", zap.String("kind", s.Kind), zap.String("wager_id", s.ID), zap.Error(err))
		}
	}()
}

func eventSummary(ev *model.Event, participants int, at time.Time) model.WagerSummary {
	s := model.WagerSummary{
		Kind:         "event",
		ID:           ev.ID,
		Title:        ev.Title,
		Status:       string(ev.Status),
		TotalCents:   ev.Pool.TotalCents,
		YesCents:     ev.Pool.YesCents,
		NoCents:      ev.Pool.NoCents,
		Participants: participants,
		At:           at,
	}
	if ev.AdminResult != nil {
		s.Result = "no"
		if *ev.AdminResult {
			s.Result = "yes"
		}
	}
	return s
}

func challengeSummary(c *model.Challenge, at time.Time) model.WagerSummary {
	s := model.WagerSummary{
		Kind:         "challenge",
		ID:           c.ID,
		Title:        c.Title,
		Status:       string(c.Status),
		Participants: 2,
		At:           at,
	}
	if c.Status != model.ChallengePending && c.Status != model.ChallengeCancelled {
		s.TotalCents = c.AmountCents * 2
	}
	if c.Result != nil {
		s.Result = string(*c.Result)
	}
	return s
}
