// Package notify delivers user notifications. A Dispatcher hands every
// message to all registered senders (the persisted inbox, the websocket hub)
// and keeps going when one of them fails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one notification addressed to a single user.
type Message struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	Data      map[string]any
	CreatedAt time.Time
}

// Sender is implemented by each delivery channel.
type Sender interface {
	Send(ctx context.Context, m Message) error
	Name() string
}

type Dispatcher struct {
	senders []Sender
	log     *zap.Logger
	now     func() time.Time
}

func NewDispatcher(log *zap.Logger, senders ...Sender) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		senders: senders,
		log:     log.With(zap.String("component", "notifier")),
		now:     time.Now,
	}
}

// Notify builds the message once so every sender sees the same id and
// timestamp. Sender errors are joined; a failed sender does not stop the
// others.
func (d *Dispatcher) Notify(ctx context.Context, userID, title, message string, data map[string]any) error {
	if userID == "" {
		return errors.New("notify: empty user id")
	}
	m := Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: d.now().UTC(),
	}

	var errs []error
	for _, s := range d.senders {
		if err := s.Send(ctx, m); err != nil {
			d.log.Warn("sender failed",
				zap.String("sender", s.Name()),
				zap.String("user_id", userID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		d.log.Debug("notification sent", zap.String("sender", s.Name()), zap.String("title", title))
	}
	return errors.Join(errs...)
}
