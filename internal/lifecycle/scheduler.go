// Package lifecycle ages wagers on a timer: it sends one-time "ending soon"
// notices, moves expired events to pending_admin and cancels challenges
// nobody accepted before their due date. It never settles funds.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"wager-escrow/internal/engine"
	"wager-escrow/internal/model"
)

// Ledger is the slice of the settlement engine the scheduler drives.
type Ledger interface {
	EventsEndingBetween(ctx context.Context, from, to time.Time) ([]model.Event, error)
	SendEndingNotice(ctx context.Context, eventID string) (bool, error)
	ExpiredEvents(ctx context.Context, now time.Time) ([]model.Event, error)
	ExpireEvent(ctx context.Context, eventID string, now time.Time) (bool, error)
	StaleChallenges(ctx context.Context, now time.Time) ([]model.Challenge, error)
	ExpireChallenge(ctx context.Context, challengeID string, now time.Time) (bool, error)
}

type Deps struct {
	Ledger  Ledger
	Metrics *engine.Metrics
	Logger  *zap.Logger
}

type Options struct {
	Interval         time.Duration
	EndingSoonWindow time.Duration
	Now              func() time.Time
}

const (
	sweepEndingSoon = "ending_soon"
	sweepExpiry     = "expiry"
	sweepStale      = "stale_challenge"
)

// Report counts what one run did.
type Report struct {
	EndingNotices     int
	EventsExpired     int
	ChallengesExpired int
	Errors            int
}

type Scheduler struct {
	ledger  Ledger
	metrics *engine.Metrics
	log     *zap.Logger
	opts    Options

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(deps Deps, opts Options) (*Scheduler, error) {
	if deps.Ledger == nil {
		return nil, errors.New("lifecycle: ledger is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("lifecycle: interval must be positive")
	}
	if opts.EndingSoonWindow <= 0 {
		opts.EndingSoonWindow = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		ledger:  deps.Ledger,
		metrics: deps.Metrics,
		log:     log.With(zap.String("component", "lifecycle")),
		opts:    opts,
	}, nil
}

// Start runs a sweep immediately and then on every tick until Stop or ctx
// cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.log.Info("scheduler started", zap.Duration("interval", s.opts.Interval),
		zap.Duration("ending_soon_window", s.opts.EndingSoonWindow))

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				s.log.Info("scheduler stopped")
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-progress run to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// RunOnce performs all three sweeps. A failure on one wager is logged and
// counted; the remaining wagers are still processed. Runs never overlap.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.opts.Now()
	var r Report
	s.endingSoon(ctx, now, &r)
	s.expire(ctx, now, &r)
	s.staleChallenges(ctx, now, &r)

	if r.EndingNotices+r.EventsExpired+r.ChallengesExpired+r.Errors > 0 {
		s.log.Info("sweep finished",
			zap.Int("ending_notices", r.EndingNotices),
			zap.Int("events_expired", r.EventsExpired),
			zap.Int("challenges_expired", r.ChallengesExpired),
			zap.Int("errors", r.Errors))
	}
	return r
}

func (s *Scheduler) endingSoon(ctx context.Context, now time.Time, r *Report) {
	events, err := s.ledger.EventsEndingBetween(ctx, now, now.Add(s.opts.EndingSoonWindow))
	if err != nil {
		s.fail(sweepEndingSoon, "", err, r)
		return
	}
	for _, ev := range events {
		ok, err := s.ledger.SendEndingNotice(ctx, ev.ID)
		if err != nil {
			s.fail(sweepEndingSoon, ev.ID, err, r)
			continue
		}
		if ok {
			r.EndingNotices++
			s.count(sweepEndingSoon)
		}
	}
}

func (s *Scheduler) expire(ctx context.Context, now time.Time, r *Report) {
	events, err := s.ledger.ExpiredEvents(ctx, now)
	if err != nil {
		s.fail(sweepExpiry, "", err, r)
		return
	}
	for _, ev := range events {
		ok, err := s.ledger.ExpireEvent(ctx, ev.ID, now)
		if err != nil {
			s.fail(sweepExpiry, ev.ID, err, r)
			continue
		}
		if ok {
			r.EventsExpired++
			s.count(sweepExpiry)
		}
	}
}

func (s *Scheduler) staleChallenges(ctx context.Context, now time.Time, r *Report) {
	challenges, err := s.ledger.StaleChallenges(ctx, now)
	if err != nil {
		s.fail(sweepStale, "", err, r)
		return
	}
	for _, c := range challenges {
		ok, err := s.ledger.ExpireChallenge(ctx, c.ID, now)
		if err != nil {
			s.fail(sweepStale, c.ID, err, r)
			continue
		}
		if ok {
			r.ChallengesExpired++
			s.count(sweepStale)
		}
	}
}

func (s *Scheduler) count(sweep string) {
	if s.metrics != nil {
		s.metrics.SchedulerTransitions.WithLabelValues(sweep).Inc()
	}
}

func (s *Scheduler) fail(sweep, wagerID string, err error, r *Report) {
	r.Errors++
	if s.metrics != nil {
		s.metrics.SchedulerErrors.WithLabelValues(sweep).Inc()
	}
	s.log.Error("sweep failed", zap.String("sweep", sweep), zap.String("wager_id", wagerID), zap.Error(err))
}
