package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHub is an in-process hub. Delivery is synchronous: Send returns
// after the recipient's handler has run. It keeps a record of everything it
// relayed so tests can count messages.
type MemoryHub struct {
	mu        sync.Mutex
	clients   map[string]*MemoryTransport
	delivered []Message
	server    []Message
	frames    []Message
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{clients: make(map[string]*MemoryTransport)}
}

// Connect attaches userID to the hub, replacing any earlier connection.
func (h *MemoryHub) Connect(userID string) *MemoryTransport {
	t := &MemoryTransport{hub: h, user: userID, links: make(map[string]*memoryLink)}
	h.mu.Lock()
	h.clients[userID] = t
	h.mu.Unlock()
	return t
}

// Delivered returns every message the hub relayed to a user, in order.
func (h *MemoryHub) Delivered() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.delivered...)
}

// DeliveredOfType filters Delivered by type.
func (h *MemoryHub) DeliveredOfType(t MessageType) []Message {
	var out []Message
	for _, m := range h.Delivered() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// ServerMessages returns messages addressed to the hub itself.
func (h *MemoryHub) ServerMessages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.server...)
}

// Frames returns messages carried over peer links.
func (h *MemoryHub) Frames() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.frames...)
}

// Reset forgets the recorded traffic.
func (h *MemoryHub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered, h.server, h.frames = nil, nil, nil
}

func (h *MemoryHub) client(userID string) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[userID]
}

func (h *MemoryHub) disconnect(t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[t.user] == t {
		delete(h.clients, t.user)
	}
}

func (h *MemoryHub) route(from string, m Message) error {
	target, out, ok := Unwrap(from, m)
	if !ok {
		return fmt.Errorf("%w: %s message has no target", ErrSendFailed, m.Type)
	}
	if target == ServerTarget {
		h.mu.Lock()
		h.server = append(h.server, out)
		h.mu.Unlock()
		if ack, ok := AckFor(out); ok {
			if sender := h.client(from); sender != nil {
				ack.From = ServerTarget
				sender.deliver(ack)
			}
		}
		return nil
	}

	dst := h.client(target)
	if dst == nil {
		if sender := h.client(from); sender != nil {
			sender.deliver(ErrorMessage(ServerTarget, "unknown_target", fmt.Sprintf("user %s is not connected", target)))
		}
		return nil
	}
	h.mu.Lock()
	h.delivered = append(h.delivered, out)
	h.mu.Unlock()
	dst.deliver(out)
	return nil
}

// MemoryTransport is one user's connection to a MemoryHub.
type MemoryTransport struct {
	hub  *MemoryHub
	user string

	mu        sync.RWMutex
	onMessage MessageHandler
	onStream  StreamHandler
	links     map[string]*memoryLink
	closed    bool
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) UserID() string { return t.user }

func (t *MemoryTransport) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return t.hub.route(t.user, m)
}

func (t *MemoryTransport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

func (t *MemoryTransport) OnRemoteStream(h StreamHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStream = h
}

func (t *MemoryTransport) deliver(m Message) {
	t.mu.RLock()
	h, closed := t.onMessage, t.closed
	t.mu.RUnlock()
	if h != nil && !closed {
		h(m)
	}
}

func (t *MemoryTransport) deliverStream(s RemoteStream) {
	t.mu.RLock()
	h := t.onStream
	t.mu.RUnlock()
	if h != nil {
		h(s)
	}
}

// CreatePeerLink opens a link to a connected user. The link is open at once
// and the remote side gets the matching link.
func (t *MemoryTransport) CreatePeerLink(ctx context.Context, userID string, stream *MediaStream) (PeerLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peer := t.hub.client(userID)
	if peer == nil || userID == t.user {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, userID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	link, ok := t.links[userID]
	if !ok {
		link = &memoryLink{owner: t, peer: userID, state: LinkState{Connection: StateConnected, DataChannel: StateOpen}}
		t.links[userID] = link
	}
	t.mu.Unlock()

	peer.mu.Lock()
	if _, ok := peer.links[t.user]; !ok {
		peer.links[t.user] = &memoryLink{owner: peer, peer: t.user, state: LinkState{Connection: StateConnected, DataChannel: StateOpen}}
	}
	peer.mu.Unlock()

	if stream != nil {
		for _, track := range stream.Tracks {
			peer.deliverStream(RemoteStream{UserID: t.user, StreamID: stream.ID, Kind: track.Kind().String()})
		}
	}
	return link, nil
}

func (t *MemoryTransport) PeerLink(userID string) (PeerLink, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	link, ok := t.links[userID]
	if !ok {
		return nil, false
	}
	return link, true
}

func (t *MemoryTransport) ClosePeerLink(userID string) error {
	t.mu.RLock()
	link, ok := t.links[userID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return link.Close()
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*memoryLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	t.hub.disconnect(t)
	return nil
}

type memoryLink struct {
	owner *MemoryTransport
	peer  string

	mu    sync.Mutex
	state LinkState
}

func (l *memoryLink) UserID() string { return l.peer }

func (l *memoryLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Send pushes m through the frame codec to the remote side.
func (l *memoryLink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if !l.State().Open() {
		return fmt.Errorf("%w: link to %s is not open", ErrSendFailed, l.peer)
	}
	m.From = l.owner.user
	m.TargetUser = l.peer
	frame, err := EncodeFrame(m)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	peer := l.owner.hub.client(l.peer)
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, l.peer)
	}
	decoded, err := DecodeFrame(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	l.owner.hub.mu.Lock()
	l.owner.hub.frames = append(l.owner.hub.frames, decoded)
	l.owner.hub.mu.Unlock()
	peer.deliver(decoded)
	return nil
}

// Close closes both ends of the link.
func (l *memoryLink) Close() error {
	l.mu.Lock()
	if l.state.Connection == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = LinkState{Connection: StateClosed, DataChannel: StateClosed}
	l.mu.Unlock()

	l.owner.mu.Lock()
	if l.owner.links[l.peer] == l {
		delete(l.owner.links, l.peer)
	}
	l.owner.mu.Unlock()

	if peer := l.owner.hub.client(l.peer); peer != nil {
		peer.mu.RLock()
		remote := peer.links[l.owner.user]
		peer.mu.RUnlock()
		if remote != nil {
			remote.Close()
		}
	}
	return nil
}
