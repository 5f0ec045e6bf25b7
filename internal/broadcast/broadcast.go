// Package broadcast announces wager state changes to external subscribers:
// websocket viewers of the wager, a Redis pub/sub channel and a Kafka topic.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"wager-escrow/internal/model"
)

// Sink is one broadcast destination.
type Sink interface {
	Name() string
	Announce(ctx context.Context, s model.WagerSummary) error
}

// Fanout announces to every sink. A failing sink is logged and reported in
// the joined error; the other sinks still receive the summary.
type Fanout struct {
	sinks []Sink
	log   *zap.Logger
}

func NewFanout(log *zap.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{sinks: sinks, log: log.With(zap.String("component", "broadcast"))}
}

func (f *Fanout) Announce(ctx context.Context, s model.WagerSummary) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Announce(ctx, s); err != nil {
			f.log.Warn("sink failed",
				zap.String("sink", sink.Name()),
				zap.String("kind", s.Kind),
				zap.String("wager_id", s.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Key identifies a wager across sinks, e.g. "event:<id>".
func Key(s model.WagerSummary) string {
	return s.Kind + ":" + s.ID
}
