package session

import (
	"context"
	"errors"

	"collabtext/internal/document"
	"collabtext/internal/events"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/transport"
)

// handleMessage is the transport's message handler.
func (m *Manager) handleMessage(msg transport.Message) {
	log := m.log.With().Str("type", string(msg.Type)).Str("from", msg.From).Logger()
	var err error
	switch msg.Type {
	case transport.UserJoined:
		err = m.onUserJoined(msg)
	case transport.UserLeft:
		err = m.onUserLeft(msg)
	case transport.DocumentCreated:
		err = m.onDocumentCreated(msg)
	case transport.DocumentChange:
		err = m.onDocumentChange(msg)
	case transport.CursorUpdate:
		err = m.onCursorUpdate(msg)
	case transport.SelectionUpdate:
		err = m.onSelectionUpdate(msg)
	case transport.PresenceSync:
		err = m.onPresenceSync(msg)
	case transport.RoomSnapshot:
		err = m.onRoomSnapshot(msg)
	case transport.Ack:
		err = m.onAck(msg)
	case transport.DirectMessage:
		m.emit(events.Event{Type: events.DirectMessage, RoomID: msg.RoomID, UserID: msg.From, Data: msg})
	case transport.Error:
		var p transport.ErrorPayload
		if err = msg.Decode(&p); err == nil {
			log.Warn().Str("code", p.Code).Msg(p.Message)
		}
	default:
		log.Debug().Msg("ignoring message")
	}
	if err != nil {
		log.Warn().Err(err).Msg("handling message")
	}
}

func (m *Manager) onUserJoined(msg transport.Message) error {
	var p transport.UserJoinedPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.Member.UserID == "" {
		p.Member.UserID = msg.From
	}
	now := m.now()

	m.mu.Lock()
	r, ok := m.rooms[msg.RoomID]
	if !ok || m.user == nil {
		m.mu.Unlock()
		m.log.Debug().Str("room", msg.RoomID).Msg("userJoined for unknown room")
		return nil
	}
	r.members[p.Member.UserID] = &Member{
		UserID:    p.Member.UserID,
		Profile:   p.Member.Profile,
		Cursor:    p.Member.Cursor,
		Selection: p.Member.Selection,
		Status:    p.Member.Status,
		JoinedAt:  p.Member.JoinedAt,
	}
	r.lastActivity = now
	var snapshot transport.RoomSnapshotPayload
	self, member := r.members[m.user.ID]
	if member {
		snapshot = transport.RoomSnapshotPayload{
			RoomID:    r.id,
			Name:      r.name,
			CreatorID: r.creatorID,
			Member:    memberInfo(self),
			Documents: make([]transport.DocumentInfo, 0, len(r.documents)),
		}
		for _, d := range r.documents {
			snapshot.Documents = append(snapshot.Documents, documentInfo(d, true))
		}
	}
	m.mu.Unlock()

	if member {
		reply, err := transport.NewMessage(transport.RoomSnapshot, msg.RoomID, snapshot)
		if err != nil {
			return err
		}
		if err := m.SendToUser(context.Background(), p.Member.UserID, reply); err != nil {
			m.log.Warn().Err(err).Str("peer", p.Member.UserID).Msg("sending room snapshot")
		}
	}
	m.emit(events.Event{Type: events.UserJoined, RoomID: msg.RoomID, UserID: p.Member.UserID, Data: p.Member})
	return nil
}

func (m *Manager) onUserLeft(msg transport.Message) error {
	var p transport.UserLeftPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.UserID == "" {
		p.UserID = msg.From
	}

	m.mu.Lock()
	r, ok := m.rooms[msg.RoomID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(r.members, p.UserID)
	docIDs := make([]string, 0, len(r.documents))
	for id := range r.documents {
		docIDs = append(docIDs, id)
	}
	if len(r.members) == 0 {
		m.dropRoom(r)
	}
	m.mu.Unlock()

	if err := m.tr.ClosePeerLink(p.UserID); err != nil {
		m.log.Warn().Err(err).Str("peer", p.UserID).Msg("closing peer link")
	}
	m.presence.Forget(p.UserID, docIDs...)
	m.emit(events.Event{Type: events.UserLeft, RoomID: msg.RoomID, UserID: p.UserID})
	return nil
}

func (m *Manager) onDocumentCreated(msg transport.Message) error {
	var p transport.DocumentCreatedPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.rooms[msg.RoomID]; !ok {
		m.mu.Unlock()
		return nil
	}
	d, created := m.adoptDocument(msg.RoomID, p.Document)
	applied, err := integrateAll(d, p.Document.Operations)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if created {
		m.emit(events.Event{Type: events.DocumentCreated, RoomID: msg.RoomID, DocID: d.ID(), UserID: msg.From, Data: d})
	}
	m.emitRemoteChanges(msg.RoomID, d.ID(), applied)
	return nil
}

func (m *Manager) onDocumentChange(msg transport.Message) error {
	var p transport.DocumentChangePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	m.mu.Lock()
	d, ok := m.docs[p.DocID]
	if !ok {
		m.mu.Unlock()
		m.log.Debug().Str("doc", p.DocID).Msg("change for unknown document")
		return nil
	}
	res, err := d.Integrate(p.Operation)
	if r, ok := m.rooms[m.docRoom[p.DocID]]; ok && len(res.Applied) > 0 {
		r.lastActivity = m.now()
	}
	m.mu.Unlock()
	if res.Buffered {
		m.log.Debug().Str("doc", p.DocID).Str("op", p.Operation.ID.String()).Msg("operation buffered")
	}
	m.emitRemoteChanges(msg.RoomID, p.DocID, res.Applied)
	return err
}

func (m *Manager) emitRemoteChanges(roomID, docID string, applied []ot.Operation) {
	for _, op := range applied {
		m.emit(events.Event{Type: events.RemoteDocumentChange, RoomID: roomID, DocID: docID, UserID: op.Origin, Data: op})
	}
}

// integrateAll integrates ops in order, skipping the ones the replica
// rejects.
func integrateAll(d *document.Document, ops []ot.Operation) ([]ot.Operation, error) {
	var applied []ot.Operation
	var errs []error
	for _, op := range ops {
		res, err := d.Integrate(op)
		applied = append(applied, res.Applied...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return applied, errors.Join(errs...)
}

func (m *Manager) onCursorUpdate(msg transport.Message) error {
	var p transport.CursorPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.UserID == "" {
		p.UserID = msg.From
	}
	m.mu.Lock()
	if r, ok := m.rooms[msg.RoomID]; ok {
		if mb, ok := r.members[p.UserID]; ok {
			c := p.Cursor
			mb.Cursor = &c
		}
	}
	m.mu.Unlock()
	m.presence.SetCursor(p.DocID, p.UserID, p.Cursor)
	m.emit(events.Event{Type: events.RemoteCursorUpdate, RoomID: msg.RoomID, DocID: p.DocID, UserID: p.UserID, Data: p.Cursor})
	return nil
}

func (m *Manager) onSelectionUpdate(msg transport.Message) error {
	var p transport.SelectionPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.UserID == "" {
		p.UserID = msg.From
	}
	m.mu.Lock()
	if r, ok := m.rooms[msg.RoomID]; ok {
		if mb, ok := r.members[p.UserID]; ok {
			s := p.Selection
			mb.Selection = &s
		}
	}
	m.mu.Unlock()
	m.presence.SetSelection(p.DocID, p.UserID, p.Selection)
	m.emit(events.Event{Type: events.RemoteSelectionUpdate, RoomID: msg.RoomID, DocID: p.DocID, UserID: p.UserID, Data: p.Selection})
	return nil
}

func (m *Manager) onPresenceSync(msg transport.Message) error {
	var p transport.PresencePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.UserID == "" {
		p.UserID = msg.From
	}
	changed := m.presence.Upsert(presence.Record{
		UserID:          p.UserID,
		Status:          p.Status,
		LastActivity:    p.LastActivity,
		CurrentDocument: p.CurrentDocument,
	}, m.now())
	rec, _ := m.presence.Get(p.UserID)
	m.emit(events.Event{Type: events.PresenceUpdate, RoomID: msg.RoomID, UserID: p.UserID, Data: PresenceChange{Record: rec, Changed: changed}})
	return nil
}

// PresenceChange is the data of a presenceUpdate event.
type PresenceChange struct {
	Record  presence.Record
	Changed bool
}

func (m *Manager) onRoomSnapshot(msg transport.Message) error {
	var p transport.RoomSnapshotPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.RoomID == "" {
		p.RoomID = msg.RoomID
	}
	type adopted struct {
		id      string
		created bool
		applied []ot.Operation
	}
	var docs []adopted

	m.mu.Lock()
	r, ok := m.rooms[p.RoomID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if r.name == "" {
		r.name = p.Name
	}
	if r.creatorID == "" {
		r.creatorID = p.CreatorID
	}
	if p.Member.UserID != "" {
		r.members[p.Member.UserID] = &Member{
			UserID:    p.Member.UserID,
			Profile:   p.Member.Profile,
			Cursor:    p.Member.Cursor,
			Selection: p.Member.Selection,
			Status:    p.Member.Status,
			JoinedAt:  p.Member.JoinedAt,
		}
	}
	var firstErr error
	for _, info := range p.Documents {
		d, created := m.adoptDocument(p.RoomID, info)
		applied, err := integrateAll(d, info.Operations)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		docs = append(docs, adopted{id: d.ID(), created: created, applied: applied})
	}
	m.mu.Unlock()

	for _, a := range docs {
		if a.created {
			d, _ := m.Document(a.id)
			m.emit(events.Event{Type: events.DocumentCreated, RoomID: p.RoomID, DocID: a.id, UserID: msg.From, Data: d})
		}
		m.emitRemoteChanges(p.RoomID, a.id, a.applied)
	}
	m.log.Debug().Str("room", p.RoomID).Str("from", msg.From).Int("documents", len(p.Documents)).Msg("room snapshot merged")
	return firstErr
}

func (m *Manager) onAck(msg transport.Message) error {
	var p transport.AckPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	d, ok := m.Document(p.DocID)
	if !ok {
		return nil
	}
	if d.Acknowledge(p.OpID) {
		m.emit(events.Event{Type: events.OperationAcknowledged, RoomID: msg.RoomID, DocID: p.DocID, UserID: p.OpID.User, Data: p.OpID})
	}
	return nil
}
