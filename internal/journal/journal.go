// Package journal records hub activity: room lifecycle and the metadata of
// operations relayed to the hub.
package journal

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	RoomAnnounced Kind = "roomAnnounced"
	MemberJoined  Kind = "memberJoined"
	MemberLeft    Kind = "memberLeft"
	Connected     Kind = "connected"
	Disconnected  Kind = "disconnected"
)

type RoomEvent struct {
	Kind   Kind
	RoomID string
	UserID string
	At     time.Time
}

// Operation is what the hub keeps of a relayed edit. Content is not
// stored.
type Operation struct {
	RoomID  string
	DocID   string
	OpID    string
	Kind    string
	UserID  string
	Lamport uint64
	At      time.Time
}

type Journal interface {
	RecordRoom(ctx context.Context, ev RoomEvent) error
	RecordOperation(ctx context.Context, op Operation) error
	Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRoom(context.Context, RoomEvent) error      { return nil }
func (Nop) RecordOperation(context.Context, Operation) error { return nil }
func (Nop) Close()                                           {}

// Memory keeps entries in process.
type Memory struct {
	mu    sync.Mutex
	rooms []RoomEvent
	ops   []Operation
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) RecordRoom(_ context.Context, ev RoomEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = append(m.rooms, ev)
	return nil
}

func (m *Memory) RecordOperation(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func (m *Memory) Close() {}

func (m *Memory) RoomEvents() []RoomEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RoomEvent(nil), m.rooms...)
}

func (m *Memory) Operations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Operation(nil), m.ops...)
}
