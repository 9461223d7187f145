package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/identity"
	"roomchat/internal/registry"
)

type fakeRegistry struct {
	*fakeStore
	*fakePresenceStore
	rooms     map[int64]*registry.Room
	recentErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		fakeStore:         newFakeStore(),
		fakePresenceStore: newFakePresenceStore(),
		rooms:             map[int64]*registry.Room{42: {ID: 42, Name: "databases"}},
	}
}

func (s *fakeRegistry) GetRoom(_ context.Context, roomID int64) (*registry.Room, error) {
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %d: %w", roomID, registry.ErrNotFound)
	}
	return room, nil
}

func (s *fakeRegistry) setRecentErr(err error) {
	s.fakeStore.mu.Lock()
	defer s.fakeStore.mu.Unlock()
	s.recentErr = err
}

func (s *fakeRegistry) RecentMessages(_ context.Context, roomID int64, limit int) ([]*registry.Message, error) {
	s.fakeStore.mu.Lock()
	defer s.fakeStore.mu.Unlock()
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	var out []*registry.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].RoomID == roomID {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

func (s *fakeRegistry) GetPresence(_ context.Context, userID int64) (*registry.Presence, error) {
	p := s.current(userID)
	if p == nil {
		return nil, fmt.Errorf("presence %d: %w", userID, registry.ErrNotFound)
	}
	return p, nil
}

// newChatServer wires the real core against the fake registry. Identity is
// injected from query params instead of a token so each test client can pick
// who it is.
func newChatServer(t *testing.T) (*httptest.Server, *fakeRegistry) {
	t.Helper()
	store := newFakeRegistry()
	metrics := NewMetrics()
	logger := testLogger()

	dispatcher := NewLocalDispatcher(metrics, logger)
	presence := NewPresenceTracker(store.fakePresenceStore, dispatcher, logger)
	service := NewService(store.fakeStore, dispatcher, metrics, logger)
	router := NewRouter(service, metrics, logger)
	handler := NewHandler(store, dispatcher, router, presence, metrics, logger)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if uid, err := strconv.ParseInt(req.URL.Query().Get("uid"), 10, 64); err == nil {
				who := identity.Identity{UserID: uid, Username: req.URL.Query().Get("user")}
				req = req.WithContext(identity.WithIdentity(req.Context(), who))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/ws/rooms/{roomID}", handler.ServeWs)
	r.Get("/api/rooms/{roomID}/messages", handler.GetRoomHistory)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, store
}

func dial(t *testing.T, ts *httptest.Server, room string, uid int64, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + fmt.Sprintf("/ws/rooms/%s?uid=%d&user=%s", room, uid, user)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads the next frame and decodes it. Every frame must be
// exactly one JSON document; that is the wire contract.
func readEvent(t *testing.T, conn *websocket.Conn, deadline time.Time) map[string]any {
	t.Helper()
	conn.SetReadDeadline(deadline)
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err, "reading frame")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(payload, &ev), "frame is not a single JSON event: %s", payload)
	return ev
}

// waitForEvent reads frames until an event of the wanted type satisfies
// pred, or the deadline hits.
func waitForEvent(t *testing.T, conn *websocket.Conn, eventType string, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev := readEvent(t, conn, deadline)
		if ev["type"] == eventType && (pred == nil || pred(ev)) {
			return ev
		}
	}
	t.Fatalf("never received %q", eventType)
	return nil
}

func TestServeWs_RefusesBadUpgrades(t *testing.T) {
	ts, _ := newChatServer(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"unparseable room id", "/ws/rooms/not-a-number?uid=7&user=ada", http.StatusBadRequest},
		{"unknown room", "/ws/rooms/404?uid=7&user=ada", http.StatusNotFound},
		{"unauthenticated", "/ws/rooms/42", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestServeWs_ChatMessageScenario(t *testing.T) {
	ts, store := newChatServer(t)

	connA := dial(t, ts, "42", 7, "ada")
	waitForEvent(t, connA, EventPresenceUpdate, func(ev map[string]any) bool {
		return ev["user_id"] == "7" && ev["is_online"] == true
	})

	connB := dial(t, ts, "42", 8, "grace")
	// Both sides see grace come online; once A has, B is fully joined.
	waitForEvent(t, connA, EventPresenceUpdate, func(ev map[string]any) bool {
		return ev["user_id"] == "8" && ev["is_online"] == true
	})

	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"message": "hi"}`)))

	for _, conn := range []*websocket.Conn{connA, connB} {
		ev := waitForEvent(t, conn, EventChatMessage, nil)
		assert.Equal(t, "hi", ev["message"])
		assert.Equal(t, "7", ev["user_id"])
		assert.Equal(t, "ada", ev["username"])
		assert.NotEmpty(t, ev["message_id"])

		_, err := time.Parse(time.RFC3339Nano, ev["timestamp"].(string))
		assert.NoError(t, err, "timestamp must be ISO 8601")
	}

	// The broadcast corresponds to exactly one persisted row.
	msgs, err := store.RecentMessages(context.Background(), 42, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, int64(7), msgs[0].UserID)
	assert.True(t, store.participants["42:7"])
}

func TestServeWs_TypingAndReadReceipts(t *testing.T) {
	ts, store := newChatServer(t)

	connA := dial(t, ts, "42", 7, "ada")
	connB := dial(t, ts, "42", 8, "grace")
	waitForEvent(t, connA, EventPresenceUpdate, func(ev map[string]any) bool {
		return ev["user_id"] == "8"
	})

	// Typing fans out to the room but not back to the typist.
	require.NoError(t, connB.WriteMessage(websocket.TextMessage, []byte(`{"type": "typing", "is_typing": true}`)))
	ev := waitForEvent(t, connA, EventTypingStatus, nil)
	assert.Equal(t, "8", ev["user_id"])
	assert.Equal(t, true, ev["is_typing"])
	assert.Empty(t, store.persistedBodies(), "typing must not create a message row")

	// A sends a message; B acknowledges it with a read receipt.
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"message": "did you see this?"}`)))
	msgEv := waitForEvent(t, connB, EventChatMessage, nil)
	receipt := fmt.Sprintf(`{"type": "read_receipt", "message_id": "%s"}`, msgEv["message_id"])
	require.NoError(t, connB.WriteMessage(websocket.TextMessage, []byte(receipt)))

	rr := waitForEvent(t, connA, EventReadReceipt, nil)
	assert.Equal(t, msgEv["message_id"], rr["message_id"])
	assert.Equal(t, "8", rr["user_id"])

	msgs, err := store.RecentMessages(context.Background(), 42, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func TestServeWs_SessionSurvivesUnknownMessageReceipt(t *testing.T) {
	ts, _ := newChatServer(t)

	connA := dial(t, ts, "42", 7, "ada")
	waitForEvent(t, connA, EventPresenceUpdate, nil)

	// A receipt for a message that doesn't exist must not kill the
	// session.
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"type": "read_receipt", "message_id": "999"}`)))
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"message": "still here"}`)))

	ev := waitForEvent(t, connA, EventChatMessage, nil)
	assert.Equal(t, "still here", ev["message"])
}

func TestServeWs_DisconnectBroadcastsOffline(t *testing.T) {
	ts, store := newChatServer(t)

	connA := dial(t, ts, "42", 7, "ada")
	connB := dial(t, ts, "42", 8, "grace")
	waitForEvent(t, connB, EventPresenceUpdate, func(ev map[string]any) bool {
		return ev["user_id"] == "8"
	})

	// Abrupt close, no close frame: cleanup must still run.
	connA.Close()

	ev := waitForEvent(t, connB, EventPresenceUpdate, func(ev map[string]any) bool {
		return ev["user_id"] == "7" && ev["is_online"] == false
	})
	assert.Equal(t, "ada", ev["username"])

	require.Eventually(t, func() bool {
		p := store.current(7)
		return p != nil && !p.IsOnline
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServeWs_HistoryReplayOnJoin(t *testing.T) {
	ts, store := newChatServer(t)

	// Two rows already in the registry before anyone connects.
	_, err := store.CreateMessage(context.Background(), 42, 7, "ada", "", "first")
	require.NoError(t, err)
	_, err = store.CreateMessage(context.Background(), 42, 7, "ada", "", "second")
	require.NoError(t, err)

	conn := dial(t, ts, "42", 8, "grace")

	first := waitForEvent(t, conn, EventChatMessage, nil)
	assert.Equal(t, "first", first["message"], "history replays oldest first")
	second := waitForEvent(t, conn, EventChatMessage, nil)
	assert.Equal(t, "second", second["message"])
}

// Every outbound event arrives in its own websocket frame, even when a
// burst (join presence + history backlog) is queued at once.
func TestServeWs_OneEventPerFrame(t *testing.T) {
	ts, store := newChatServer(t)

	_, err := store.CreateMessage(context.Background(), 42, 7, "ada", "", "first")
	require.NoError(t, err)
	_, err = store.CreateMessage(context.Background(), 42, 7, "ada", "", "second")
	require.NoError(t, err)

	conn := dial(t, ts, "42", 8, "grace")
	deadline := time.Now().Add(3 * time.Second)

	// readEvent rejects any frame that is not exactly one JSON document.
	var types []string
	var bodies []string
	for i := 0; i < 3; i++ {
		ev := readEvent(t, conn, deadline)
		types = append(types, ev["type"].(string))
		if ev["type"] == EventChatMessage {
			bodies = append(bodies, ev["message"].(string))
		}
	}

	assert.Equal(t, []string{EventPresenceUpdate, EventChatMessage, EventChatMessage}, types)
	assert.Equal(t, []string{"first", "second"}, bodies)
}

// A persistence failure surfaces an error frame to the sender only; the
// connection stays open and a retry goes through once the store recovers.
func TestServeWs_PersistFailureSurfacesErrorFrame(t *testing.T) {
	ts, store := newChatServer(t)

	conn := dial(t, ts, "42", 7, "ada")
	waitForEvent(t, conn, EventPresenceUpdate, nil)

	store.setCreateErr(errors.New("connection refused"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message": "hi"}`)))

	ev := waitForEvent(t, conn, EventError, nil)
	assert.NotEmpty(t, ev["error"])

	store.setCreateErr(nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message": "second try"}`)))

	got := waitForEvent(t, conn, EventChatMessage, nil)
	assert.Equal(t, "second try", got["message"])
	assert.Equal(t, []string{"second try"}, store.persistedBodies(), "the failed send persisted nothing")
}

// A broken backlog read degrades the join instead of failing it: the
// session comes up without history and live traffic still flows.
func TestServeWs_HistoryReplayFailureKeepsSessionAlive(t *testing.T) {
	ts, store := newChatServer(t)
	store.setRecentErr(errors.New("backlog unavailable"))

	conn := dial(t, ts, "42", 7, "ada")
	waitForEvent(t, conn, EventPresenceUpdate, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message": "hello"}`)))
	ev := waitForEvent(t, conn, EventChatMessage, nil)
	assert.Equal(t, "hello", ev["message"])
}

func TestGetRoomHistory_ChronologicalOrder(t *testing.T) {
	ts, store := newChatServer(t)

	for _, body := range []string{"one", "two", "three"} {
		_, err := store.CreateMessage(context.Background(), 42, 7, "ada", "", body)
		require.NoError(t, err)
	}

	resp, err := http.Get(ts.URL + "/api/rooms/42/messages?uid=7&user=ada")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msgs []*registry.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Body)
	assert.Equal(t, "three", msgs[2].Body)
}
