package chat

import (
	"context"
	"fmt"
	"log/slog"

	"roomchat/internal/identity"
	"roomchat/internal/registry"
)

// Store is the slice of the Room Registry the message handlers write to.
type Store interface {
	CreateMessage(ctx context.Context, roomID, userID int64, username, avatarURL, body string) (*registry.Message, error)
	AddParticipant(ctx context.Context, roomID, userID int64, username string) error
	MarkMessageRead(ctx context.Context, roomID, messageID int64) (*registry.Message, error)
}

// Sender identifies the session a frame arrived on.
type Sender struct {
	SessionID string
	RoomID    int64
	Identity  identity.Identity
}

// Service owns the per-frame handlers. Each handler runs to completion for
// one frame before the session reads the next, so a single connection's
// messages are persisted and published in the order they were sent.
type Service struct {
	store      Store
	dispatcher Dispatcher
	metrics    *Metrics
	log        *slog.Logger
}

func NewService(store Store, dispatcher Dispatcher, metrics *Metrics, log *slog.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		log:        log,
	}
}

// SendMessage persists the message and then broadcasts it. Persistence is
// the durability point: if the write fails nothing is broadcast, and the
// caller surfaces the failure to the sending connection. Empty bodies are
// accepted as-is.
func (s *Service) SendMessage(ctx context.Context, from Sender, body string) (*registry.Message, error) {
	msg, err := s.store.CreateMessage(ctx, from.RoomID, from.Identity.UserID, from.Identity.Username, from.Identity.AvatarURL, body)
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	s.metrics.IncPersisted()

	// The author becomes a room participant on first message. The message
	// is already durable, so a failure here is logged, not fatal.
	if err := s.store.AddParticipant(ctx, from.RoomID, from.Identity.UserID, from.Identity.Username); err != nil {
		s.log.Warn("add participant", "room", from.RoomID, "userId", from.Identity.UserID, "error", err)
	}

	s.dispatcher.Publish(from.RoomID, NewChatMessageEvent(msg))
	return msg, nil
}

// SendTyping is pure fan-out, no persistence. The typist is excluded; they
// know they're typing.
func (s *Service) SendTyping(_ context.Context, from Sender, isTyping bool) {
	s.dispatcher.PublishExcept(from.RoomID, from.SessionID, NewTypingStatusEvent(from.Identity, isTyping))
}

// MarkRead flags a message read, persists, then broadcasts the receipt.
// The lookup is scoped to the sender's bound room, so a message id from a
// room the session never joined resolves the same as a missing one. Either
// way the error wraps registry.ErrNotFound; the session logs it and keeps
// serving.
func (s *Service) MarkRead(ctx context.Context, from Sender, messageID int64) error {
	msg, err := s.store.MarkMessageRead(ctx, from.RoomID, messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	s.dispatcher.Publish(msg.RoomID, NewReadReceiptEvent(msg.ID, from.Identity))
	return nil
}
