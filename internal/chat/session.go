package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomchat/internal/identity"
	"roomchat/internal/registry"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
	sendBuffer     = 256                 // Outbound event buffer per session.

	// handlerTimeout bounds one frame's persistence work. The context is
	// detached from the connection, so an in-flight write still completes
	// if the sender disconnects mid-handler.
	handlerTimeout = 5 * time.Second
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateJoined
	stateClosed
)

// Session is the live server-side state for one open connection. It owns
// the socket and the authenticated identity, is bound to exactly one room,
// and dies with the connection. Never persisted.
type Session struct {
	id     string
	conn   *websocket.Conn
	roomID int64
	who    identity.Identity

	dispatcher Dispatcher
	router     *Router
	presence   *PresenceTracker
	metrics    *Metrics
	log        *slog.Logger

	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, roomID int64, who identity.Identity,
	dispatcher Dispatcher, router *Router, presence *PresenceTracker,
	metrics *Metrics, log *slog.Logger) *Session {

	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		roomID:     roomID,
		who:        who,
		dispatcher: dispatcher,
		router:     router,
		presence:   presence,
		metrics:    metrics,
		log:        log,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(stateConnecting))
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Deliver enqueues an encoded event without blocking. False means the
// buffer is full: this client can't keep up and the dispatcher will evict
// it so other recipients aren't stalled.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// CloseSlow is called by the dispatcher after eviction. Closing the socket
// makes the read pump fail, which runs the normal disconnect cleanup.
func (s *Session) CloseSlow() {
	s.close()
}

func (s *Session) sender() Sender {
	return Sender{SessionID: s.id, RoomID: s.roomID, Identity: s.who}
}

// join moves Connecting -> Joined: register with the dispatcher, mark the
// user online, announce to the room.
func (s *Session) join(ctx context.Context) {
	s.dispatcher.Join(s.roomID, s)
	s.state.Store(int32(stateJoined))
	s.metrics.IncSession()

	if err := s.presence.HandleJoin(ctx, s.roomID, s.who); err != nil {
		s.log.Warn("presence join", "sessionId", s.id, "userId", s.who.UserID, "error", err)
	}
}

// leave moves Joined -> Closed exactly once, no matter how the connection
// died: deregister, mark offline with a last-seen stamp, announce.
func (s *Session) leave() {
	if !s.state.CompareAndSwap(int32(stateJoined), int32(stateClosed)) {
		return
	}
	s.dispatcher.Leave(s.roomID, s)
	s.metrics.DecSession()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := s.presence.HandleLeave(ctx, s.roomID, s.who); err != nil {
		s.log.Warn("presence leave", "sessionId", s.id, "userId", s.who.UserID, "error", err)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump pumps frames from the socket through the router, one frame to
// completion before the next. The deferred cleanup is the Joined -> Closed
// transition and runs on every exit path.
func (s *Session) readPump() {
	defer func() {
		s.leave()
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("read error", "sessionId", s.id, "error", err)
			}
			break
		}
		s.handleFrame(raw)
	}
}

func (s *Session) handleFrame(raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := s.router.Dispatch(ctx, s.sender(), raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrValidation):
		// Dropped; the router already logged it.
	case errors.Is(err, registry.ErrNotFound):
		s.log.Warn("frame referenced a missing row", "sessionId", s.id, "error", err)
	default:
		// Persistence failed before anything was broadcast. Tell this
		// client only; the connection stays open so it can retry.
		s.log.Error("handler failed", "sessionId", s.id, "error", err)
		if payload, merr := json.Marshal(NewErrorEvent("message not delivered")); merr == nil {
			s.Deliver(payload)
		}
	}
}

// writePump pumps queued events to the socket and keeps the connection
// alive with pings. One writer per connection; nobody else touches conn
// writes.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case payload := <-s.send:
			// One logical event per websocket frame; clients parse
			// each frame as a single JSON document.
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
