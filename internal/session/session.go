// Package session is the collaboration service a client constructs once:
// it owns the room and document registries, applies local and remote edits
// to document replicas, keeps presence, and talks to other collaborators
// through a transport.
//
// A Manager is safe for concurrent use. Its mutex guards the registries and
// is never held while sending or while events are dispatched, so transports
// that deliver synchronously may call back into the manager.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabtext/internal/delivery"
	"collabtext/internal/directory"
	"collabtext/internal/document"
	"collabtext/internal/events"
	"collabtext/internal/presence"
	"collabtext/internal/transport"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrNoUserSpecified  = errors.New("no user specified")
	ErrMediaUnavailable = errors.New("media unavailable")
)

// User is the identity of a collaborator as supplied by the caller.
type User struct {
	ID      string
	Name    string
	Profile map[string]any
}

type Member struct {
	UserID    string
	Profile   map[string]any
	Cursor    *presence.Cursor
	Selection *presence.Selection
	Status    string
	JoinedAt  time.Time
}

type RoomOptions struct {
	Settings map[string]any
}

// Room is a snapshot of a room as this replica sees it.
type Room struct {
	ID           string
	Name         string
	CreatorID    string
	Members      map[string]Member
	Documents    map[string]*document.Document
	Settings     map[string]any
	CreatedAt    time.Time
	LastActivity time.Time
}

type room struct {
	id           string
	name         string
	creatorID    string
	members      map[string]*Member
	documents    map[string]*document.Document
	settings     map[string]any
	createdAt    time.Time
	lastActivity time.Time
}

func (r *room) snapshot() Room {
	out := Room{
		ID:           r.id,
		Name:         r.name,
		CreatorID:    r.creatorID,
		Members:      make(map[string]Member, len(r.members)),
		Documents:    make(map[string]*document.Document, len(r.documents)),
		Settings:     r.settings,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
	}
	for id, m := range r.members {
		out.Members[id] = *m
	}
	for id, d := range r.documents {
		out.Documents[id] = d
	}
	return out
}

// others lists member ids except self, sorted.
func (r *room) others(self string) []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		if id != self {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

type Config struct {
	Transport transport.Transport
	// Directory finds rooms created by other processes. Defaults to a
	// process-local directory.
	Directory directory.Directory
	Media     MediaSource
	// RelayTarget receives queued edits. Defaults to the hub.
	RelayTarget string
	Logger      zerolog.Logger
	Clock       func() time.Time
}

type Manager struct {
	tr          transport.Transport
	dir         directory.Directory
	media       MediaSource
	relayTarget string
	log         zerolog.Logger
	now         func() time.Time

	bus      *events.Bus
	presence *presence.Tracker
	queue    *delivery.Queue

	mu          sync.Mutex
	user        *User
	rooms       map[string]*room
	docs        map[string]*document.Document
	docRoom     map[string]string
	currentRoom string
	currentDoc  string
}

func New(cfg Config) *Manager {
	m := &Manager{
		tr:          cfg.Transport,
		dir:         cfg.Directory,
		media:       cfg.Media,
		relayTarget: cfg.RelayTarget,
		log:         cfg.Logger.With().Str("component", "session").Logger(),
		now:         cfg.Clock,
		bus:         events.NewBus(cfg.Logger),
		presence:    presence.NewTracker(),
		queue:       delivery.NewQueue(),
		rooms:       make(map[string]*room),
		docs:        make(map[string]*document.Document),
		docRoom:     make(map[string]string),
	}
	if m.dir == nil {
		m.dir = directory.NewMemory()
	}
	if m.relayTarget == "" {
		m.relayTarget = transport.ServerTarget
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.tr.OnMessage(m.handleMessage)
	m.tr.OnRemoteStream(m.handleRemoteStream)
	return m
}

func (m *Manager) Events() *events.Bus            { return m.bus }
func (m *Manager) Presence() *presence.Tracker    { return m.presence }
func (m *Manager) Queue() *delivery.Queue         { return m.queue }
func (m *Manager) Transport() transport.Transport { return m.tr }

// SyncLoop returns the delivery loop that drains this manager's queue.
func (m *Manager) SyncLoop(interval time.Duration) *delivery.Loop {
	return delivery.NewLoop(m.queue, m, interval, m.log)
}

func (m *Manager) SetCurrentUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = &u
}

func (m *Manager) CurrentUser() (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return User{}, false
	}
	return *m.user, true
}

func (m *Manager) GetCurrentRoom() (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[m.currentRoom]
	if !ok {
		return Room{}, false
	}
	return r.snapshot(), true
}

// Room returns a snapshot of any room in the registry.
func (m *Manager) Room(roomID string) (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return r.snapshot(), true
}

// RoomIDs lists the registry, sorted.
func (m *Manager) RoomIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) GetCurrentDocument() (*document.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[m.currentDoc]
	return d, ok
}

func (m *Manager) Document(docID string) (*document.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	return d, ok
}

// Cleanup closes every peer link and clears all registries and the queue.
// The transport itself stays open.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	peers := make(map[string]struct{})
	self := ""
	if m.user != nil {
		self = m.user.ID
	}
	for _, r := range m.rooms {
		for _, id := range r.others(self) {
			peers[id] = struct{}{}
		}
	}
	m.rooms = make(map[string]*room)
	m.docs = make(map[string]*document.Document)
	m.docRoom = make(map[string]string)
	m.currentRoom, m.currentDoc = "", ""
	m.mu.Unlock()

	for id := range peers {
		if err := m.tr.ClosePeerLink(id); err != nil {
			m.log.Warn().Err(err).Str("peer", id).Msg("closing peer link")
		}
	}
	m.presence.Reset()
	m.queue.Clear()
	m.log.Debug().Int("peers", len(peers)).Msg("cleaned up")
}

func (m *Manager) emit(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	m.bus.Emit(ev)
}

// requireUser returns the current user or ErrNoUserSpecified. Callers hold mu.
func (m *Manager) requireUser() (User, error) {
	if m.user == nil {
		return User{}, ErrNoUserSpecified
	}
	return *m.user, nil
}
