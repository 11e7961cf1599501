package session

import (
	"context"

	"collabtext/internal/presence"
	"collabtext/internal/transport"
)

// UpdateCursor records the local user's cursor in docID and sends it to
// the other members of the current room.
func (m *Manager) UpdateCursor(ctx context.Context, docID string, c presence.Cursor) error {
	m.mu.Lock()
	user, err := m.requireUser()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	roomID := m.currentRoom
	if r, ok := m.rooms[roomID]; ok {
		if mb, ok := r.members[user.ID]; ok {
			cc := c
			mb.Cursor = &cc
		}
		r.lastActivity = m.now()
	}
	recipients := m.recipients(roomID)
	m.mu.Unlock()

	m.presence.SetCursor(docID, user.ID, c)
	msg, err := transport.NewMessage(transport.CursorUpdate, roomID, transport.CursorPayload{DocID: docID, UserID: user.ID, Cursor: c})
	if err != nil {
		return err
	}
	m.broadcast(ctx, recipients, msg)
	return nil
}

// UpdateSelection is UpdateCursor for a selected range.
func (m *Manager) UpdateSelection(ctx context.Context, docID string, s presence.Selection) error {
	m.mu.Lock()
	user, err := m.requireUser()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	roomID := m.currentRoom
	if r, ok := m.rooms[roomID]; ok {
		if mb, ok := r.members[user.ID]; ok {
			sc := s
			mb.Selection = &sc
		}
		r.lastActivity = m.now()
	}
	recipients := m.recipients(roomID)
	m.mu.Unlock()

	m.presence.SetSelection(docID, user.ID, s)
	msg, err := transport.NewMessage(transport.SelectionUpdate, roomID, transport.SelectionPayload{DocID: docID, UserID: user.ID, Selection: s})
	if err != nil {
		return err
	}
	m.broadcast(ctx, recipients, msg)
	return nil
}

// SyncPresenceData refreshes the local presence record and sends it to the
// current room. It does nothing outside a room.
func (m *Manager) SyncPresenceData(ctx context.Context) error {
	m.mu.Lock()
	user, err := m.requireUser()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	roomID := m.currentRoom
	docID := m.currentDoc
	recipients := m.recipients(roomID)
	m.mu.Unlock()

	now := m.now()
	if cur, ok := m.presence.Get(user.ID); !ok || cur.CurrentDocument != docID {
		m.presence.SetDocument(user.ID, docID, now)
	}
	rec := m.presence.Touch(user.ID, now)
	if roomID == "" {
		return nil
	}
	msg, err := transport.NewMessage(transport.PresenceSync, roomID, transport.PresencePayload{
		UserID:          rec.UserID,
		Status:          rec.Status,
		LastActivity:    rec.LastActivity,
		CurrentDocument: rec.CurrentDocument,
	})
	if err != nil {
		return err
	}
	m.broadcast(ctx, recipients, msg)
	return nil
}
