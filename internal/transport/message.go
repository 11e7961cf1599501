package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"collabtext/internal/ot"
	"collabtext/internal/presence"
)

type MessageType string

const (
	UserJoined      MessageType = "userJoined"
	UserLeft        MessageType = "userLeft"
	DocumentChange  MessageType = "documentChange"
	CursorUpdate    MessageType = "cursorUpdate"
	SelectionUpdate MessageType = "selectionUpdate"
	ICECandidate    MessageType = "iceCandidate"
	Offer           MessageType = "offer"
	Answer          MessageType = "answer"
	DirectMessage   MessageType = "directMessage"
	PresenceSync    MessageType = "presenceSync"

	DocumentCreated MessageType = "documentCreated"
	RoomSnapshot    MessageType = "roomSnapshot"
	Ack             MessageType = "ack"
	Error           MessageType = "error"
)

// ServerTarget is the reserved user id of the hub itself.
const ServerTarget = "server"

// Message is the signaling envelope. A directMessage carries another message
// in Message and is addressed to TargetUser; the hub unwraps it and stamps
// From before delivery.
type Message struct {
	Type       MessageType     `json:"type"`
	From       string          `json:"from,omitempty"`
	TargetUser string          `json:"targetUser,omitempty"`
	RoomID     string          `json:"roomId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Message    *Message        `json:"message,omitempty"`
}

// NewMessage encodes payload into a message of type t.
func NewMessage(t MessageType, roomID string, payload any) (Message, error) {
	m := Message{Type: t, RoomID: roomID}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return m, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	m.Payload = raw
	return m, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// Direct wraps inner for relay to target.
func Direct(target string, inner Message) Message {
	return Message{Type: DirectMessage, TargetUser: target, RoomID: inner.RoomID, Message: &inner}
}

// Unwrap resolves what the hub should deliver for m sent by from, and to
// whom. A directMessage yields its inner message; any other message with a
// TargetUser is delivered as is.
func Unwrap(from string, m Message) (target string, out Message, ok bool) {
	switch {
	case m.Type == DirectMessage && m.Message != nil:
		out = *m.Message
		if out.RoomID == "" {
			out.RoomID = m.RoomID
		}
		target = m.TargetUser
	case m.TargetUser != "":
		out = m
		target = m.TargetUser
	default:
		return "", m, false
	}
	out.From = from
	out.TargetUser = target
	return target, out, target != ""
}

// Payloads.

type MemberInfo struct {
	UserID    string              `json:"userId"`
	Profile   map[string]any      `json:"profile,omitempty"`
	Status    string              `json:"status,omitempty"`
	Cursor    *presence.Cursor    `json:"cursor,omitempty"`
	Selection *presence.Selection `json:"selection,omitempty"`
	JoinedAt  time.Time           `json:"joinedAt"`
}

type UserJoinedPayload struct {
	Member   MemberInfo `json:"member"`
	RoomName string     `json:"roomName,omitempty"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
}

type DocumentInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Initial    string         `json:"initialContent"`
	CreatedBy  string         `json:"createdBy"`
	CreatedAt  time.Time      `json:"createdAt"`
	Operations []ot.Operation `json:"operations,omitempty"`
}

type DocumentCreatedPayload struct {
	Document DocumentInfo `json:"document"`
}

// DocumentChangePayload is both the broadcast form of an edit and the
// delivery queue entry relayed to the hub.
type DocumentChangePayload struct {
	DocID     string       `json:"docId"`
	Operation ot.Operation `json:"operation"`
	Timestamp time.Time    `json:"timestamp"`
	UserID    string       `json:"userId"`
}

type CursorPayload struct {
	DocID  string          `json:"docId"`
	UserID string          `json:"userId"`
	Cursor presence.Cursor `json:"cursor"`
}

type SelectionPayload struct {
	DocID     string             `json:"docId"`
	UserID    string             `json:"userId"`
	Selection presence.Selection `json:"selection"`
}

type PresencePayload struct {
	UserID          string    `json:"userId"`
	Status          string    `json:"status"`
	LastActivity    time.Time `json:"lastActivity"`
	CurrentDocument string    `json:"currentDocument,omitempty"`
}

type RoomSnapshotPayload struct {
	RoomID    string         `json:"roomId"`
	Name      string         `json:"name"`
	CreatorID string         `json:"creatorId"`
	Member    MemberInfo     `json:"member"`
	Documents []DocumentInfo `json:"documents"`
}

type AckPayload struct {
	DocID string  `json:"docId"`
	OpID  ot.OpID `json:"opId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SessionDescriptionPayload struct {
	SDP string `json:"sdp"`
}

type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Text is the payload of a chat line sent with SendToUser.
type Text struct {
	Body string `json:"body"`
}

// AckFor builds the hub's acknowledgement of a relayed documentChange.
func AckFor(m Message) (Message, bool) {
	if m.Type != DocumentChange {
		return Message{}, false
	}
	var change DocumentChangePayload
	if err := m.Decode(&change); err != nil {
		return Message{}, false
	}
	ack, err := NewMessage(Ack, m.RoomID, AckPayload{DocID: change.DocID, OpID: change.Operation.ID})
	if err != nil {
		return Message{}, false
	}
	ack.TargetUser = m.From
	return ack, true
}

// ErrorMessage builds an error report from the hub.
func ErrorMessage(from, code, text string) Message {
	m, _ := NewMessage(Error, "", ErrorPayload{Code: code, Message: text})
	m.From = from
	return m
}
