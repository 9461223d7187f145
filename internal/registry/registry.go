package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced room or message does not exist.
var ErrNotFound = errors.New("not found")

// Registry is the persistent store of rooms, participants, messages and
// presence. The real-time core only consumes this narrow surface; the rest
// of the platform's CRUD lives elsewhere.
type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) GetRoom(ctx context.Context, roomID int64) (*Room, error) {
	room := &Room{}
	query := "SELECT id, name, COALESCE(description, ''), created_at FROM rooms WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, roomID).Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %d: %w", roomID, ErrNotFound)
		}
		return nil, err
	}

	q := "SELECT user_id, username, joined_at FROM participants WHERE room_id = $1 ORDER BY joined_at"
	rows, err := r.db.QueryContext(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Username, &p.JoinedAt); err != nil {
			return nil, err
		}
		room.Participants = append(room.Participants, p)
	}
	return room, rows.Err()
}

func (r *Registry) CreateMessage(ctx context.Context, roomID, userID int64, username, avatarURL, body string) (*Message, error) {
	msg := &Message{
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		AvatarURL: avatarURL,
		Body:      body,
	}
	query := `
		INSERT INTO messages (room_id, user_id, username, avatar_url, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query, roomID, userID, username, avatarURL, body).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Registry) AddParticipant(ctx context.Context, roomID, userID int64, username string) error {
	query := `
		INSERT INTO participants (room_id, user_id, username)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, roomID, userID, username)
	return err
}

// MarkMessageRead flips the read flag on a message scoped to one room. A
// message id from some other room is indistinguishable from a missing one,
// so a session can only acknowledge messages in its own room.
func (r *Registry) MarkMessageRead(ctx context.Context, roomID, messageID int64) (*Message, error) {
	msg := &Message{ID: messageID, RoomID: roomID, Read: true}
	query := `
		UPDATE messages SET read = TRUE
		WHERE id = $1 AND room_id = $2
		RETURNING user_id, username, COALESCE(avatar_url, ''), body, created_at
	`
	err := r.db.QueryRowContext(ctx, query, messageID, roomID).
		Scan(&msg.UserID, &msg.Username, &msg.AvatarURL, &msg.Body, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

func (r *Registry) GetOrInitPresence(ctx context.Context, userID int64, username string) (*Presence, error) {
	p := &Presence{}
	query := `
		INSERT INTO presence (user_id, username)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username
		RETURNING user_id, username, is_online, last_seen
	`
	err := r.db.QueryRowContext(ctx, query, userID, username).
		Scan(&p.UserID, &p.Username, &p.IsOnline, &p.LastSeen)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Registry) SetPresence(ctx context.Context, userID int64, username string, online bool, lastSeen time.Time) error {
	query := `
		INSERT INTO presence (user_id, username, is_online, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET is_online = $3, last_seen = $4
	`
	_, err := r.db.ExecContext(ctx, query, userID, username, online, lastSeen)
	return err
}

func (r *Registry) GetPresence(ctx context.Context, userID int64) (*Presence, error) {
	p := &Presence{}
	query := "SELECT user_id, username, is_online, last_seen FROM presence WHERE user_id = $1"

	err := r.db.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &p.Username, &p.IsOnline, &p.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("presence %d: %w", userID, ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

// RecentMessages returns up to limit messages for a room, newest first.
// Callers that want chronological order reverse the slice.
func (r *Registry) RecentMessages(ctx context.Context, roomID int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, room_id, user_id, username, COALESCE(avatar_url, ''), body, read, created_at
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Username, &msg.AvatarURL, &msg.Body, &msg.Read, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
