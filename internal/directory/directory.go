// Package directory lets processes find rooms created elsewhere. The hub
// serves one over HTTP; agents reach it through HTTPClient.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrInvalidRoom  = errors.New("invalid room")
)

type RoomInfo struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatorID string         `json:"creatorId"`
	Settings  map[string]any `json:"settings,omitempty"`
	Members   []string       `json:"members"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Directory records rooms and their members. A room is removed when its
// last member leaves.
type Directory interface {
	Announce(ctx context.Context, room RoomInfo) error
	Lookup(ctx context.Context, roomID string) (RoomInfo, error)
	AddMember(ctx context.Context, roomID, userID string) error
	// RemoveMember returns how many members remain.
	RemoveMember(ctx context.Context, roomID, userID string) (int, error)
}

type memoryRoom struct {
	info    RoomInfo
	members mapset.Set[string]
}

// Memory is a Directory held in process.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

var _ Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*memoryRoom)}
}

func (m *Memory) Announce(_ context.Context, room RoomInfo) error {
	if room.ID == "" {
		return ErrInvalidRoom
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	members := mapset.NewThreadUnsafeSet(room.Members...)
	if existing, ok := m.rooms[room.ID]; ok {
		members = members.Union(existing.members)
	}
	room.Members = nil
	m.rooms[room.ID] = &memoryRoom{info: room, members: members}
	return nil
}

func (m *Memory) Lookup(_ context.Context, roomID string) (RoomInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return RoomInfo{}, ErrRoomNotFound
	}
	info := r.info
	info.Members = sorted(r.members)
	return info, nil
}

func (m *Memory) AddMember(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.members.Add(userID)
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, roomID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	r.members.Remove(userID)
	n := r.members.Cardinality()
	if n == 0 {
		delete(m.rooms, roomID)
	}
	return n, nil
}

// Rooms lists known rooms by id.
func (m *Memory) Rooms() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		info := r.info
		info.Members = sorted(r.members)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
