package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/identity"
	"roomchat/internal/registry"
)

type presenceWrite struct {
	userID   int64
	online   bool
	lastSeen time.Time
}

type fakePresenceStore struct {
	mu     sync.Mutex
	rows   map[int64]*registry.Presence
	writes []presenceWrite
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{rows: make(map[int64]*registry.Presence)}
}

func (s *fakePresenceStore) GetOrInitPresence(_ context.Context, userID int64, username string) (*registry.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[userID]
	if !ok {
		p = &registry.Presence{UserID: userID, Username: username}
		s.rows[userID] = p
	}
	return p, nil
}

func (s *fakePresenceStore) SetPresence(_ context.Context, userID int64, username string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[userID] = &registry.Presence{UserID: userID, Username: username, IsOnline: online, LastSeen: lastSeen}
	s.writes = append(s.writes, presenceWrite{userID: userID, online: online, lastSeen: lastSeen})
	return nil
}

func (s *fakePresenceStore) current(userID int64) *registry.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[userID]
}

func TestPresenceTracker_JoinLeave(t *testing.T) {
	store := newFakePresenceStore()
	dispatcher := &fakeDispatcher{}
	tracker := NewPresenceTracker(store, dispatcher, testLogger())

	who := identity.Identity{UserID: 7, Username: "ada"}

	require.NoError(t, tracker.HandleJoin(context.Background(), 42, who))
	p := store.current(7)
	require.NotNil(t, p)
	assert.True(t, p.IsOnline)

	require.NoError(t, tracker.HandleLeave(context.Background(), 42, who))
	p = store.current(7)
	assert.False(t, p.IsOnline)
	assert.False(t, p.LastSeen.IsZero())

	// One presence_update per transition, both to the room.
	calls := dispatcher.calls()
	require.Len(t, calls, 2)
	join, ok := calls[0].event.(PresenceUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, "presence_update", join.Type)
	assert.True(t, join.IsOnline)
	leave, ok := calls[1].event.(PresenceUpdateEvent)
	require.True(t, ok)
	assert.False(t, leave.IsOnline)
	assert.Equal(t, "7", leave.UserID)
}

// Presence is last-transition-wins: with two live sessions for one user,
// closing either one marks the user offline. Known limitation, kept on
// purpose.
func TestPresenceTracker_LastTransitionWins(t *testing.T) {
	store := newFakePresenceStore()
	dispatcher := &fakeDispatcher{}
	tracker := NewPresenceTracker(store, dispatcher, testLogger())

	who := identity.Identity{UserID: 7, Username: "ada"}

	// Two tabs join.
	require.NoError(t, tracker.HandleJoin(context.Background(), 42, who))
	require.NoError(t, tracker.HandleJoin(context.Background(), 42, who))
	assert.True(t, store.current(7).IsOnline)

	// Closing one tab flips the user offline even though the other tab
	// is still connected.
	require.NoError(t, tracker.HandleLeave(context.Background(), 42, who))
	assert.False(t, store.current(7).IsOnline)
}

func TestPresenceTracker_LastSeenAdvances(t *testing.T) {
	store := newFakePresenceStore()
	dispatcher := &fakeDispatcher{}
	tracker := NewPresenceTracker(store, dispatcher, testLogger())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	tracker.now = func() time.Time {
		current = current.Add(time.Minute)
		return current
	}

	who := identity.Identity{UserID: 7, Username: "ada"}
	require.NoError(t, tracker.HandleJoin(context.Background(), 42, who))
	require.NoError(t, tracker.HandleLeave(context.Background(), 42, who))

	require.Len(t, store.writes, 2)
	assert.True(t, store.writes[1].lastSeen.After(store.writes[0].lastSeen))

	leave, ok := dispatcher.calls()[1].event.(PresenceUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, store.writes[1].lastSeen.Format(time.RFC3339Nano), leave.LastSeen)
}
