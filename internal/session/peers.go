package session

import (
	"context"
	"errors"
	"fmt"

	"collabtext/internal/delivery"
	"collabtext/internal/events"
	"collabtext/internal/transport"
)

type MediaKind string

const (
	Voice  MediaKind = "voice"
	Video  MediaKind = "video"
	Screen MediaKind = "screen"
)

// MediaSource hands out already captured tracks.
type MediaSource interface {
	Acquire(ctx context.Context, kind MediaKind) (*transport.MediaStream, error)
}

// SendToUser delivers msg over the peer link to userID when its data
// channel is open and through the hub otherwise.
func (m *Manager) SendToUser(ctx context.Context, userID string, msg transport.Message) error {
	if link, ok := m.tr.PeerLink(userID); ok && link.State().Open() {
		err := link.Send(ctx, msg)
		if err == nil {
			return nil
		}
		m.log.Debug().Err(err).Str("peer", userID).Msg("peer link send failed, relaying")
	}
	return m.tr.Send(ctx, transport.Direct(userID, msg))
}

// SendText sends a chat line to one user.
func (m *Manager) SendText(ctx context.Context, userID, body string) error {
	m.mu.Lock()
	roomID := m.currentRoom
	m.mu.Unlock()
	msg, err := transport.NewMessage(transport.DirectMessage, roomID, transport.Text{Body: body})
	if err != nil {
		return err
	}
	return m.SendToUser(ctx, userID, msg)
}

// broadcast sends msg to each recipient. Delivery is best effort: failures
// are logged and the rest still get the message.
func (m *Manager) broadcast(ctx context.Context, recipients []string, msg transport.Message) {
	for _, id := range recipients {
		if err := m.SendToUser(ctx, id, msg); err != nil {
			m.log.Warn().Err(err).Str("peer", id).Str("type", string(msg.Type)).Msg("broadcast failed")
		}
	}
}

// CreatePeerConnection opens a direct link to userID, carrying stream's
// tracks when stream is not nil.
func (m *Manager) CreatePeerConnection(ctx context.Context, userID string, stream *transport.MediaStream) (transport.PeerLink, error) {
	link, err := m.tr.CreatePeerLink(ctx, userID, stream)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", userID, err)
	}
	return link, nil
}

// StartMedia acquires a stream of kind and offers it to every other member
// of the current room. A failure leaves room and document state untouched.
func (m *Manager) StartMedia(ctx context.Context, kind MediaKind) error {
	if m.media == nil {
		return fmt.Errorf("%w: no media source", ErrMediaUnavailable)
	}
	stream, err := m.media.Acquire(ctx, kind)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMediaUnavailable, kind, err)
	}
	if stream == nil {
		return fmt.Errorf("%w: %s", ErrMediaUnavailable, kind)
	}

	m.mu.Lock()
	recipients := m.recipients(m.currentRoom)
	m.mu.Unlock()

	var errs []error
	for _, id := range recipients {
		if _, err := m.CreatePeerConnection(ctx, id, stream); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Relay forwards a queued edit to the relay target. It is called by the
// sync loop.
func (m *Manager) Relay(ctx context.Context, e delivery.Entry) error {
	msg, err := transport.NewMessage(transport.DocumentChange, e.RoomID, transport.DocumentChangePayload{
		DocID:     e.DocID,
		Operation: e.Operation,
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
	})
	if err != nil {
		return err
	}
	return m.tr.Send(ctx, transport.Direct(m.relayTarget, msg))
}

func (m *Manager) handleRemoteStream(s transport.RemoteStream) {
	m.log.Info().Str("peer", s.UserID).Str("kind", s.Kind).Msg("remote stream")
	m.mu.Lock()
	roomID := m.currentRoom
	m.mu.Unlock()
	m.emit(events.Event{Type: events.RemoteStream, RoomID: roomID, UserID: s.UserID, Data: s})
}
