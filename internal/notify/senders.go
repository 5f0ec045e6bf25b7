package notify

import (
	"context"
	"fmt"

	"wager-escrow/internal/db"
	"wager-escrow/internal/model"
)

// InboxSender persists notifications so users can list them later.
type InboxSender struct {
	store db.Store
}

func NewInboxSender(store db.Store) *InboxSender {
	return &InboxSender{store: store}
}

func (s *InboxSender) Name() string { return "inbox" }

func (s *InboxSender) Send(ctx context.Context, m Message) error {
	n := &model.Notification{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		Message:   m.Message,
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
	}
	err := s.store.InTx(ctx, func(tx db.Tx) error {
		return tx.InsertNotification(ctx, n)
	})
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	return nil
}

// UserPublisher pushes a message to one user's live connections.
type UserPublisher interface {
	PublishUser(userID, msgType string, data any)
}

// HubSender pushes notifications to the user's open websocket connections.
// Users without a connection simply miss the push; the inbox keeps the copy.
type HubSender struct {
	hub UserPublisher
}

func NewHubSender(hub UserPublisher) *HubSender {
	return &HubSender{hub: hub}
}

func (s *HubSender) Name() string { return "websocket" }

func (s *HubSender) Send(_ context.Context, m Message) error {
	s.hub.PublishUser(m.UserID, "notification", model.Notification{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		Message:   m.Message,
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
	})
	return nil
}
