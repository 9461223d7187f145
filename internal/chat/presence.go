package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"roomchat/internal/identity"
	"roomchat/internal/registry"
)

// PresenceStore is the slice of the Room Registry the tracker needs.
type PresenceStore interface {
	GetOrInitPresence(ctx context.Context, userID int64, username string) (*registry.Presence, error)
	SetPresence(ctx context.Context, userID int64, username string, online bool, lastSeen time.Time) error
}

// PresenceTracker flips users online/offline as their connections come and
// go and broadcasts the change to the room.
//
// Semantics are last-transition-wins: connections are not reference-counted
// per user, so a user with two open tabs who closes one is marked offline
// even though the other tab is still live. This mirrors the platform's
// long-standing behavior; clients treat presence as a hint.
type PresenceTracker struct {
	store      PresenceStore
	dispatcher Dispatcher
	log        *slog.Logger
	now        func() time.Time
}

func NewPresenceTracker(store PresenceStore, dispatcher Dispatcher, log *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
}

// HandleJoin marks the user online and tells the room.
func (t *PresenceTracker) HandleJoin(ctx context.Context, roomID int64, who identity.Identity) error {
	if _, err := t.store.GetOrInitPresence(ctx, who.UserID, who.Username); err != nil {
		return fmt.Errorf("init presence: %w", err)
	}
	return t.transition(ctx, roomID, who, true)
}

// HandleLeave marks the user offline with a last-seen timestamp and tells
// the room. Runs on every disconnect path, abrupt ones included.
func (t *PresenceTracker) HandleLeave(ctx context.Context, roomID int64, who identity.Identity) error {
	return t.transition(ctx, roomID, who, false)
}

func (t *PresenceTracker) transition(ctx context.Context, roomID int64, who identity.Identity, online bool) error {
	seen := t.now()
	if err := t.store.SetPresence(ctx, who.UserID, who.Username, online, seen); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	t.dispatcher.Publish(roomID, NewPresenceUpdateEvent(who, online, seen))
	return nil
}
