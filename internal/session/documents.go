package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"collabtext/internal/delivery"
	"collabtext/internal/document"
	"collabtext/internal/events"
	"collabtext/internal/ot"
	"collabtext/internal/transport"
)

// CreateSharedDocument registers a document under the current room, if
// any, announces it to the room and makes it the current document.
func (m *Manager) CreateSharedDocument(ctx context.Context, name, initial, typ string) (string, error) {
	if typ == "" {
		typ = "text"
	}
	now := m.now()

	m.mu.Lock()
	creator := ""
	if m.user != nil {
		creator = m.user.ID
	}
	doc := document.New(document.Options{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		Initial:   initial,
		CreatedBy: creator,
		CreatedAt: now,
	})
	m.docs[doc.ID()] = doc
	roomID := m.currentRoom
	if r, ok := m.rooms[roomID]; ok {
		r.documents[doc.ID()] = doc
		r.lastActivity = now
		m.docRoom[doc.ID()] = roomID
	}
	m.currentDoc = doc.ID()
	recipients := m.recipients(roomID)
	m.mu.Unlock()

	if creator != "" {
		m.presence.SetDocument(creator, doc.ID(), now)
	}
	if roomID != "" {
		msg, err := transport.NewMessage(transport.DocumentCreated, roomID, transport.DocumentCreatedPayload{Document: documentInfo(doc, false)})
		if err != nil {
			return doc.ID(), err
		}
		m.broadcast(ctx, recipients, msg)
	}

	m.log.Info().Str("doc", doc.ID()).Str("room", roomID).Str("name", name).Msg("document created")
	m.emit(events.Event{Type: events.DocumentCreated, RoomID: roomID, DocID: doc.ID(), UserID: creator, Data: doc})
	return doc.ID(), nil
}

// OpenDocument makes docID the current document.
func (m *Manager) OpenDocument(docID string) error {
	m.mu.Lock()
	if _, ok := m.docs[docID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	m.currentDoc = docID
	user := m.user
	m.mu.Unlock()
	if user != nil {
		m.presence.SetDocument(user.ID, docID, m.now())
	}
	return nil
}

// EditDocument applies a local edit. The edit is integrated into the
// replica, transformed against whatever concurrent operations the replica
// already holds, queued for the relay target and broadcast to the room.
// It returns the operation in the form it was applied.
func (m *Manager) EditDocument(ctx context.Context, docID string, op ot.Operation) (ot.Operation, error) {
	now := m.now()

	m.mu.Lock()
	user, err := m.requireUser()
	if err != nil {
		m.mu.Unlock()
		return ot.Operation{}, err
	}
	doc, ok := m.docs[docID]
	if !ok {
		m.mu.Unlock()
		return ot.Operation{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	prepared, err := doc.Prepare(user.ID, op, now)
	if err != nil {
		m.mu.Unlock()
		return ot.Operation{}, fmt.Errorf("editing %s: %w", docID, err)
	}
	res, err := doc.Integrate(prepared)
	if err != nil {
		m.mu.Unlock()
		return ot.Operation{}, fmt.Errorf("editing %s: %w", docID, err)
	}
	roomID := m.docRoom[docID]
	if r, ok := m.rooms[roomID]; ok {
		r.lastActivity = now
	}
	recipients := m.recipients(roomID)
	m.mu.Unlock()

	applied := prepared
	if len(res.Applied) > 0 {
		applied = res.Applied[0]
	}

	m.queue.Push(delivery.Entry{
		RoomID:    roomID,
		DocID:     docID,
		Operation: prepared,
		Timestamp: now,
		UserID:    user.ID,
	})
	m.presence.Touch(user.ID, now)

	if roomID != "" {
		msg, err := transport.NewMessage(transport.DocumentChange, roomID, transport.DocumentChangePayload{
			DocID:     docID,
			Operation: prepared,
			Timestamp: now,
			UserID:    user.ID,
		})
		if err != nil {
			return applied, err
		}
		m.broadcast(ctx, recipients, msg)
	}

	m.log.Debug().Str("doc", docID).Str("op", prepared.ID.String()).Str("kind", string(prepared.Kind)).Msg("document edited")
	m.emit(events.Event{Type: events.DocumentEdited, RoomID: roomID, DocID: docID, UserID: user.ID, Data: applied})
	return applied, nil
}

func (m *Manager) Insert(ctx context.Context, docID string, position int, content string) (ot.Operation, error) {
	return m.EditDocument(ctx, docID, ot.NewInsert(position, content))
}

func (m *Manager) Delete(ctx context.Context, docID string, position, length int) (ot.Operation, error) {
	return m.EditDocument(ctx, docID, ot.NewDelete(position, length))
}

func (m *Manager) Replace(ctx context.Context, docID string, position, length int, content string) (ot.Operation, error) {
	return m.EditDocument(ctx, docID, ot.NewReplace(position, length, content))
}

func documentInfo(d *document.Document, withOps bool) transport.DocumentInfo {
	info := transport.DocumentInfo{
		ID:        d.ID(),
		Name:      d.Name(),
		Type:      d.Type(),
		Initial:   d.Initial(),
		CreatedBy: d.CreatedBy(),
		CreatedAt: d.CreatedAt(),
	}
	if withOps {
		info.Operations = d.Originals()
	}
	return info
}

// adoptDocument returns the replica for info, creating it in roomID when it
// is new. Callers hold mu.
func (m *Manager) adoptDocument(roomID string, info transport.DocumentInfo) (*document.Document, bool) {
	if d, ok := m.docs[info.ID]; ok {
		return d, false
	}
	d := document.New(document.Options{
		ID:        info.ID,
		Name:      info.Name,
		Type:      info.Type,
		Initial:   info.Initial,
		CreatedBy: info.CreatedBy,
		CreatedAt: info.CreatedAt,
	})
	m.docs[d.ID()] = d
	if r, ok := m.rooms[roomID]; ok {
		r.documents[d.ID()] = d
		m.docRoom[d.ID()] = roomID
	}
	return d, true
}
