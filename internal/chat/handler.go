package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"roomchat/internal/identity"
	"roomchat/internal/registry"
)

const defaultHistoryLimit = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// ReadStore is the slice of the Room Registry the HTTP read path consumes.
type ReadStore interface {
	GetRoom(ctx context.Context, roomID int64) (*registry.Room, error)
	RecentMessages(ctx context.Context, roomID int64, limit int) ([]*registry.Message, error)
	GetPresence(ctx context.Context, userID int64) (*registry.Presence, error)
}

type Handler struct {
	store      ReadStore
	dispatcher Dispatcher
	router     *Router
	presence   *PresenceTracker
	metrics    *Metrics
	log        *slog.Logger
}

func NewHandler(store ReadStore, dispatcher Dispatcher, router *Router, presence *PresenceTracker, metrics *Metrics, log *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		router:     router,
		presence:   presence,
		metrics:    metrics,
		log:        log,
	}
}

// ServeWs upgrades the connection and runs the session lifecycle. The
// upgrade is refused outright when the room id doesn't parse, the caller
// carries no identity, or the room doesn't exist; there is no retry state.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "room", roomID, "error", err)
		return
	}

	sess := newSession(conn, roomID, who, h.dispatcher, h.router, h.presence, h.metrics, h.log)
	sess.join(r.Context())

	// Replay recent history to the joining socket so the client renders
	// something before live traffic arrives.
	msgs, err := h.store.RecentMessages(r.Context(), roomID, defaultHistoryLimit)
	if err != nil {
		// The session still runs; the client just starts without
		// backlog and can retry over the REST read path.
		h.log.Warn("history replay failed", "room", roomID, "sessionId", sess.ID(), "error", err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if payload, merr := json.Marshal(NewChatMessageEvent(msgs[i])); merr == nil {
			sess.Deliver(payload)
		}
	}

	go sess.writePump()
	go sess.readPump()
}

// GetRoom returns the room with its participant list.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	room, err := h.store.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(room)
}

// GetRoomHistory returns recent messages for a room, oldest first.
func (h *Handler) GetRoomHistory(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	limit := defaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	msgs, err := h.store.RecentMessages(r.Context(), roomID, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Registry returns newest first; clients want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

// GetPresence returns a user's online/last-seen record.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	p, err := h.store.GetPresence(r.Context(), userID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "presence not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}
