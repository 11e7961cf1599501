// Package hub is the signaling and relay server agents connect to. It
// keeps one websocket client per user, relays direct messages between
// users, acknowledges operations addressed to it and serves the room
// directory over HTTP.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabtext/internal/directory"
	"collabtext/internal/journal"
	"collabtext/internal/transport"
)

const routeTimeout = 5 * time.Second

type Config struct {
	// Router defaults to a LocalRouter.
	Router Router
	// Directory defaults to an in-memory directory.
	Directory directory.Directory
	// Journal defaults to journal.Nop.
	Journal journal.Journal
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// Hub maintains the set of connected clients and routes messages between
// them.
type Hub struct {
	router  Router
	dir     directory.Directory
	journal journal.Journal
	log     zerolog.Logger
	now     func() time.Time

	register   chan *Client
	unregister chan *Client
	quit       chan struct{}

	mu      sync.RWMutex
	clients map[string]*Client
}

func New(cfg Config) *Hub {
	h := &Hub{
		router:     cfg.Router,
		dir:        cfg.Directory,
		journal:    cfg.Journal,
		log:        cfg.Logger.With().Str("component", "hub").Logger(),
		now:        cfg.Clock,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		clients:    make(map[string]*Client),
	}
	if h.router == nil {
		h.router = NewLocalRouter()
	}
	if h.dir == nil {
		h.dir = directory.NewMemory()
	}
	if h.journal == nil {
		h.journal = journal.Nop{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Run registers and unregisters clients until ctx is done, then
// disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			for _, c := range clients {
				if c.detach != nil {
					c.detach()
				}
				c.close()
			}
			h.log.Info().Int("clients", len(clients)).Msg("hub stopped")
			return

		case c := <-h.register:
			detach, err := h.router.Attach(ctx, c.user, c.deliver)
			if err != nil {
				h.log.Error().Err(err).Str("user", c.user).Msg("attaching client")
				c.close()
				continue
			}
			c.detach = detach
			h.mu.Lock()
			old := h.clients[c.user]
			h.clients[c.user] = c
			n := len(h.clients)
			h.mu.Unlock()
			if old != nil {
				h.log.Info().Str("user", c.user).Msg("replacing earlier connection")
				old.close()
			}
			h.log.Info().Str("user", c.user).Int("clients", n).Msg("client registered")
			h.record(ctx, journal.RoomEvent{Kind: journal.Connected, UserID: c.user})

		case c := <-h.unregister:
			h.mu.Lock()
			current := h.clients[c.user] == c
			if current {
				delete(h.clients, c.user)
			}
			n := len(h.clients)
			h.mu.Unlock()
			if c.detach != nil {
				c.detach()
			}
			c.close()
			if current {
				h.log.Info().Str("user", c.user).Int("clients", n).Msg("client unregistered")
				h.record(ctx, journal.RoomEvent{Kind: journal.Disconnected, UserID: c.user})
			}
		}
	}
}

// Online reports whether userID has a registered connection here.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// route handles one message read from from's connection.
func (h *Hub) route(ctx context.Context, from string, m transport.Message) {
	target, out, ok := transport.Unwrap(from, m)
	if !ok {
		h.reply(ctx, from, transport.ErrorMessage(transport.ServerTarget, "bad_message",
			fmt.Sprintf("%s message has no target", m.Type)))
		return
	}
	if target == transport.ServerTarget {
		h.serve(ctx, from, out)
		return
	}

	frame, err := json.Marshal(out)
	if err != nil {
		h.log.Error().Err(err).Str("from", from).Msg("encoding relayed message")
		return
	}
	delivered, err := h.router.Publish(ctx, target, frame)
	if err != nil {
		h.log.Warn().Err(err).Str("from", from).Str("to", target).Msg("relay failed")
		h.reply(ctx, from, transport.ErrorMessage(transport.ServerTarget, "relay_failed", err.Error()))
		return
	}
	if !delivered {
		h.log.Debug().Str("from", from).Str("to", target).Str("type", string(out.Type)).Msg("unknown target")
		h.reply(ctx, from, transport.ErrorMessage(transport.ServerTarget, "unknown_target",
			fmt.Sprintf("user %s is not connected", target)))
	}
}

// serve handles a message addressed to the hub itself. Relayed document
// changes are journaled and acknowledged.
func (h *Hub) serve(ctx context.Context, from string, m transport.Message) {
	if m.Type == transport.DocumentChange {
		var change transport.DocumentChangePayload
		if err := m.Decode(&change); err != nil {
			h.reply(ctx, from, transport.ErrorMessage(transport.ServerTarget, "bad_message", err.Error()))
			return
		}
		err := h.journal.RecordOperation(ctx, journal.Operation{
			RoomID:  m.RoomID,
			DocID:   change.DocID,
			OpID:    change.Operation.ID.String(),
			Kind:    string(change.Operation.Kind),
			UserID:  from,
			Lamport: change.Operation.Lamport,
			At:      h.now(),
		})
		if err != nil {
			h.log.Warn().Err(err).Str("op", change.Operation.ID.String()).Msg("journaling operation")
		}
	}
	if ack, ok := transport.AckFor(m); ok {
		ack.From = transport.ServerTarget
		h.reply(ctx, from, ack)
	}
}

func (h *Hub) reply(ctx context.Context, userID string, m transport.Message) {
	frame, err := json.Marshal(m)
	if err != nil {
		h.log.Error().Err(err).Msg("encoding reply")
		return
	}
	if _, err := h.router.Publish(ctx, userID, frame); err != nil {
		h.log.Warn().Err(err).Str("to", userID).Msg("reply failed")
	}
}

func (h *Hub) record(ctx context.Context, ev journal.RoomEvent) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	if err := h.journal.RecordRoom(ctx, ev); err != nil {
		h.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("journaling room event")
	}
}
