// Package delivery decouples edit rate from send rate. Local edits are
// queued and a loop drains the queue on a fixed tick, relaying each entry
// once and refreshing presence.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabtext/internal/ot"
)

const DefaultInterval = 100 * time.Millisecond

type Entry struct {
	RoomID    string
	DocID     string
	Operation ot.Operation
	Timestamp time.Time
	UserID    string
}

type Queue struct {
	mu      sync.Mutex
	entries []Entry
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
}

// Drain removes and returns every queued entry in push order.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops everything queued.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// Sink is what the loop drives on each tick.
type Sink interface {
	Relay(ctx context.Context, e Entry) error
	SyncPresenceData(ctx context.Context) error
}

type Loop struct {
	queue    *Queue
	sink     Sink
	interval time.Duration
	log      zerolog.Logger
}

func NewLoop(queue *Queue, sink Sink, interval time.Duration, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		queue:    queue,
		sink:     sink,
		interval: interval,
		log:      log.With().Str("component", "delivery").Logger(),
	}
}

func (l *Loop) Interval() time.Duration { return l.interval }

// Tick drains the queue, relays each entry and syncs presence. Failed
// entries are logged and dropped. It returns how many entries were relayed.
func (l *Loop) Tick(ctx context.Context) int {
	relayed := 0
	for _, e := range l.queue.Drain() {
		if err := l.sink.Relay(ctx, e); err != nil {
			l.log.Warn().Err(err).
				Str("doc", e.DocID).
				Str("op", e.Operation.ID.String()).
				Msg("relay failed, dropping entry")
			continue
		}
		relayed++
	}
	if err := l.sink.SyncPresenceData(ctx); err != nil {
		l.log.Debug().Err(err).Msg("presence sync skipped")
	}
	return relayed
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.log.Debug().Dur("interval", l.interval).Msg("sync loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Debug().Msg("sync loop stopped")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}
