// Package events is the typed publish/subscribe bus a session uses to tell
// its consumers what happened. Listeners run synchronously in subscription
// order; an error or panic in one listener is logged and does not stop
// delivery to the others.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Type string

const (
	RoomCreated           Type = "roomCreated"
	JoinedRoom            Type = "joinedRoom"
	LeftRoom              Type = "leftRoom"
	DocumentCreated       Type = "documentCreated"
	DocumentEdited        Type = "documentEdited"
	RemoteDocumentChange  Type = "remoteDocumentChange"
	RemoteCursorUpdate    Type = "remoteCursorUpdate"
	RemoteSelectionUpdate Type = "remoteSelectionUpdate"
	UserJoined            Type = "userJoined"
	UserLeft              Type = "userLeft"
	PresenceUpdate        Type = "presenceUpdate"
	RemoteStream          Type = "remoteStream"
	DirectMessage         Type = "directMessage"
	OperationAcknowledged Type = "operationAcknowledged"
)

type Event struct {
	Type   Type
	RoomID string
	DocID  string
	UserID string
	Data   any
	Time   time.Time
}

type Listener func(Event) error

type subscription struct {
	id  uint64
	typ Type
	fn  Listener
}

type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	log    zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "events").Logger()}
}

// Subscribe registers fn for events of typ; an empty typ receives every
// event. The returned function removes the subscription.
func (b *Bus) Subscribe(typ Type, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: typ, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev to every matching listener and returns how many ran
// without error.
func (b *Bus) Emit(ev Event) int {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.typ == "" || s.typ == ev.Type {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	ok := 0
	for _, s := range targets {
		if err := b.call(s.fn, ev); err != nil {
			b.log.Error().Err(err).Str("event", string(ev.Type)).Uint64("listener", s.id).Msg("listener failed")
			continue
		}
		ok++
	}
	return ok
}

func (b *Bus) call(fn Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ev)
}

// Len is the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
