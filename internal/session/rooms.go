package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"collabtext/internal/directory"
	"collabtext/internal/document"
	"collabtext/internal/events"
	"collabtext/internal/presence"
	"collabtext/internal/transport"
)

// CreateRoom registers a new room with the current user, if any, as its
// creator and joins it.
func (m *Manager) CreateRoom(ctx context.Context, name string, opts RoomOptions) (string, error) {
	now := m.now()
	r := &room{
		id:           uuid.NewString(),
		name:         name,
		members:      make(map[string]*Member),
		documents:    make(map[string]*document.Document),
		settings:     opts.Settings,
		createdAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	joinAfter := m.user != nil
	if joinAfter {
		r.creatorID = m.user.ID
	}
	m.rooms[r.id] = r
	m.mu.Unlock()

	err := m.dir.Announce(ctx, directory.RoomInfo{
		ID:        r.id,
		Name:      r.name,
		CreatorID: r.creatorID,
		Settings:  r.settings,
		CreatedAt: r.createdAt,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.rooms, r.id)
		m.mu.Unlock()
		return "", fmt.Errorf("announcing room: %w", err)
	}

	m.log.Info().Str("room", r.id).Str("name", name).Msg("room created")
	m.emit(events.Event{Type: events.RoomCreated, RoomID: r.id, UserID: r.creatorID, Data: name})

	if joinAfter {
		if err := m.JoinRoom(ctx, r.id, nil); err != nil {
			return r.id, err
		}
	}
	return r.id, nil
}

// JoinRoom adds user, or the current user when nil, to a room and makes it
// the current room. A room unknown to this replica is looked up in the
// directory. The previous current room is not left.
func (m *Manager) JoinRoom(ctx context.Context, roomID string, user *User) error {
	m.mu.Lock()
	if user == nil && m.user != nil {
		u := *m.user
		user = &u
	}
	_, known := m.rooms[roomID]
	m.mu.Unlock()
	if user == nil {
		return ErrNoUserSpecified
	}

	var found directory.RoomInfo
	if !known {
		info, err := m.lookupRoom(ctx, roomID)
		if err != nil {
			return err
		}
		found = info
	}
	if err := m.dir.AddMember(ctx, roomID, user.ID); err != nil {
		if errors.Is(err, directory.ErrRoomNotFound) {
			return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		m.log.Warn().Err(err).Str("room", roomID).Msg("registering membership")
	}

	now := m.now()
	member := &Member{
		UserID:   user.ID,
		Profile:  user.Profile,
		Status:   presence.StatusActive,
		JoinedAt: now,
	}

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok && found.ID == "" {
		// the room was dropped locally after it was seen
		m.mu.Unlock()
		info, err := m.lookupRoom(ctx, roomID)
		if err != nil {
			return err
		}
		found = info
		m.mu.Lock()
		r, ok = m.rooms[roomID]
	}
	if m.user == nil {
		u := *user
		m.user = &u
	}
	if !ok {
		r = &room{
			id:        roomID,
			name:      found.Name,
			creatorID: found.CreatorID,
			members:   make(map[string]*Member),
			documents: make(map[string]*document.Document),
			settings:  found.Settings,
			createdAt: found.CreatedAt,
		}
		for _, id := range found.Members {
			if id != user.ID {
				r.members[id] = &Member{UserID: id}
			}
		}
		m.rooms[roomID] = r
	}
	r.members[user.ID] = member
	r.lastActivity = now
	m.currentRoom = roomID
	recipients := r.others(user.ID)
	name := r.name
	m.mu.Unlock()

	m.presence.Touch(user.ID, now)
	msg, err := transport.NewMessage(transport.UserJoined, roomID, transport.UserJoinedPayload{
		Member:   memberInfo(member),
		RoomName: name,
	})
	if err != nil {
		return err
	}
	m.broadcast(ctx, recipients, msg)

	m.log.Info().Str("room", roomID).Str("user", user.ID).Int("members", len(recipients)+1).Msg("joined room")
	m.emit(events.Event{Type: events.JoinedRoom, RoomID: roomID, UserID: user.ID, Data: name})
	return nil
}

func (m *Manager) lookupRoom(ctx context.Context, roomID string) (directory.RoomInfo, error) {
	info, err := m.dir.Lookup(ctx, roomID)
	if errors.Is(err, directory.ErrRoomNotFound) {
		return info, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return info, fmt.Errorf("looking up room %s: %w", roomID, err)
	}
	return info, nil
}

// LeaveRoom leaves roomID, or the current room when empty. Peer links to
// the room's members are closed and the room is dropped once nobody is
// left in it.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if roomID == "" {
		roomID = m.currentRoom
	}
	user, err := m.requireUser()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomID)
	}
	delete(r.members, user.ID)
	recipients := r.others(user.ID)
	docIDs := make([]string, 0, len(r.documents))
	for id := range r.documents {
		docIDs = append(docIDs, id)
	}
	if len(r.members) == 0 {
		m.dropRoom(r)
	}
	if m.currentRoom == roomID {
		m.currentRoom = ""
	}
	if _, inRoom := r.documents[m.currentDoc]; inRoom {
		m.currentDoc = ""
	}
	r.lastActivity = m.now()
	m.mu.Unlock()

	msg, err := transport.NewMessage(transport.UserLeft, roomID, transport.UserLeftPayload{UserID: user.ID})
	if err != nil {
		return err
	}
	m.broadcast(ctx, recipients, msg)

	for _, id := range recipients {
		if err := m.tr.ClosePeerLink(id); err != nil {
			m.log.Warn().Err(err).Str("peer", id).Msg("closing peer link")
		}
		m.presence.Forget(id, docIDs...)
	}
	if _, err := m.dir.RemoveMember(ctx, roomID, user.ID); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
		m.log.Warn().Err(err).Str("room", roomID).Msg("deregistering membership")
	}

	m.log.Info().Str("room", roomID).Str("user", user.ID).Msg("left room")
	m.emit(events.Event{Type: events.LeftRoom, RoomID: roomID, UserID: user.ID})
	return nil
}

// dropRoom removes a room and its documents. Callers hold mu.
func (m *Manager) dropRoom(r *room) {
	for id := range r.documents {
		delete(m.docs, id)
		delete(m.docRoom, id)
		if m.currentDoc == id {
			m.currentDoc = ""
		}
	}
	delete(m.rooms, r.id)
	if m.currentRoom == r.id {
		m.currentRoom = ""
	}
	m.log.Debug().Str("room", r.id).Msg("room dropped")
}

// recipients returns the other members of roomID. Callers hold mu.
func (m *Manager) recipients(roomID string) []string {
	r, ok := m.rooms[roomID]
	if !ok || m.user == nil {
		return nil
	}
	return r.others(m.user.ID)
}

func memberInfo(mb *Member) transport.MemberInfo {
	return transport.MemberInfo{
		UserID:    mb.UserID,
		Profile:   mb.Profile,
		Status:    mb.Status,
		Cursor:    mb.Cursor,
		Selection: mb.Selection,
		JoinedAt:  mb.JoinedAt,
	}
}
