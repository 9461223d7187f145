package chat

import (
	"encoding/json"
	"strconv"
	"time"

	"roomchat/internal/identity"
	"roomchat/internal/registry"
)

// Outbound event discriminants. The set is closed: everything a client can
// receive is one of these, matched exhaustively when serializing.
const (
	EventChatMessage    = "chat_message"
	EventTypingStatus   = "typing_status"
	EventReadReceipt    = "read_receipt"
	EventPresenceUpdate = "presence_update"
	EventError          = "error"
)

type ChatMessageEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Username  string `json:"username"`
	UserID    string `json:"user_id"`
	AvatarURL string `json:"avatar_url"`
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`
}

type TypingStatusEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type ReadReceiptEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

type PresenceUpdateEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen"`
}

// ErrorEvent is only ever delivered to the connection whose handler failed,
// never fanned out.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewChatMessageEvent builds the broadcast payload for a freshly persisted
// message. The id and timestamp always come from the registry row, never
// from the client.
func NewChatMessageEvent(msg *registry.Message) ChatMessageEvent {
	return ChatMessageEvent{
		Type:      EventChatMessage,
		Message:   msg.Body,
		Username:  msg.Username,
		UserID:    strconv.FormatInt(msg.UserID, 10),
		AvatarURL: msg.AvatarURL,
		MessageID: strconv.FormatInt(msg.ID, 10),
		Timestamp: msg.CreatedAt.Format(time.RFC3339Nano),
	}
}

func NewTypingStatusEvent(who identity.Identity, isTyping bool) TypingStatusEvent {
	return TypingStatusEvent{
		Type:     EventTypingStatus,
		UserID:   strconv.FormatInt(who.UserID, 10),
		Username: who.Username,
		IsTyping: isTyping,
	}
}

func NewReadReceiptEvent(messageID int64, reader identity.Identity) ReadReceiptEvent {
	return ReadReceiptEvent{
		Type:      EventReadReceipt,
		MessageID: strconv.FormatInt(messageID, 10),
		UserID:    strconv.FormatInt(reader.UserID, 10),
		Username:  reader.Username,
	}
}

func NewPresenceUpdateEvent(who identity.Identity, online bool, lastSeen time.Time) PresenceUpdateEvent {
	return PresenceUpdateEvent{
		Type:     EventPresenceUpdate,
		UserID:   strconv.FormatInt(who.UserID, 10),
		Username: who.Username,
		IsOnline: online,
		LastSeen: lastSeen.Format(time.RFC3339Nano),
	}
}

func NewErrorEvent(msg string) ErrorEvent {
	return ErrorEvent{Type: EventError, Error: msg}
}

// Inbound is the closed set of frames a client may send. Classification
// happens once, in DecodeFrame; handlers switch on the concrete type.
type Inbound interface {
	inbound()
}

type ChatFrame struct {
	Body string
}

type TypingFrame struct {
	IsTyping bool
}

type ReadReceiptFrame struct {
	MessageID int64
}

// UnknownFrame carries an unrecognized discriminant. It is safely ignored
// so newer clients don't kill older servers.
type UnknownFrame struct {
	Type string
}

func (ChatFrame) inbound()        {}
func (TypingFrame) inbound()      {}
func (ReadReceiptFrame) inbound() {}
func (UnknownFrame) inbound()     {}

// rawFrame is the wire shape before classification. Pointer fields
// distinguish "absent" from "zero value": an empty chat body is legal, a
// missing one is not.
type rawFrame struct {
	Type      string  `json:"type"`
	Message   *string `json:"message"`
	IsTyping  *bool   `json:"is_typing"`
	MessageID string  `json:"message_id"`
}

// DecodeFrame classifies one inbound frame by its discriminant. A missing
// required field or unparseable payload is ErrValidation; the frame is
// dropped and the connection lives on.
func DecodeFrame(raw []byte) (Inbound, error) {
	var f rawFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, ErrValidation
	}

	switch f.Type {
	case "":
		// No discriminant means a chat message.
		if f.Message == nil {
			return nil, ErrValidation
		}
		return ChatFrame{Body: *f.Message}, nil

	case "typing":
		if f.IsTyping == nil {
			return nil, ErrValidation
		}
		return TypingFrame{IsTyping: *f.IsTyping}, nil

	case "read_receipt":
		if f.MessageID == "" {
			return nil, ErrValidation
		}
		id, err := strconv.ParseInt(f.MessageID, 10, 64)
		if err != nil {
			return nil, ErrValidation
		}
		return ReadReceiptFrame{MessageID: id}, nil

	default:
		return UnknownFrame{Type: f.Type}, nil
	}
}
