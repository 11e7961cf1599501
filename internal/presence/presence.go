// Package presence tracks who is active where: per-user status records and
// per-document cursor and selection positions.
package presence

import (
	"sort"
	"sync"
	"time"
)

const (
	StatusActive  = "active"
	StatusIdle    = "idle"
	StatusOffline = "offline"
)

type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Record is one user's presence. LastActivity is set by the user's own
// replica and decides which of two records wins; LastUpdate is when this
// process last received a record for the user.
type Record struct {
	UserID          string    `json:"userId"`
	Status          string    `json:"status"`
	LastActivity    time.Time `json:"lastActivity"`
	CurrentDocument string    `json:"currentDocument,omitempty"`
	LastUpdate      time.Time `json:"-"`
}

type Tracker struct {
	mu         sync.RWMutex
	records    map[string]Record
	cursors    map[string]Cursor
	selections map[string]Selection
}

func NewTracker() *Tracker {
	return &Tracker{
		records:    make(map[string]Record),
		cursors:    make(map[string]Cursor),
		selections: make(map[string]Selection),
	}
}

// Key is the cursor and selection key for a user in a document.
func Key(docID, userID string) string {
	return docID + "-" + userID
}

// Upsert merges rec, received at now, into the tracker. A record older than
// the stored one only refreshes LastUpdate. It reports whether the stored
// fields other than LastUpdate changed.
func (t *Tracker) Upsert(rec Record, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.records[rec.UserID]
	if ok && cur.LastActivity.After(rec.LastActivity) {
		cur.LastUpdate = now
		t.records[rec.UserID] = cur
		return false
	}
	rec.LastUpdate = now
	t.records[rec.UserID] = rec
	if !ok {
		return true
	}
	cur.LastUpdate = now
	return cur != rec
}

// Touch marks userID active now, keeping its current document.
func (t *Tracker) Touch(userID string, now time.Time) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[userID]
	rec.UserID = userID
	rec.Status = StatusActive
	rec.LastActivity = now
	rec.LastUpdate = now
	t.records[userID] = rec
	return rec
}

// SetDocument records the document userID is looking at.
func (t *Tracker) SetDocument(userID, docID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[userID]
	rec.UserID = userID
	rec.CurrentDocument = docID
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	rec.LastActivity = now
	rec.LastUpdate = now
	t.records[userID] = rec
}

func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// Records returns every record sorted by user id.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *Tracker) SetCursor(docID, userID string, c Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[Key(docID, userID)] = c
}

func (t *Tracker) Cursor(docID, userID string) (Cursor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.cursors[Key(docID, userID)]
	return c, ok
}

func (t *Tracker) SetSelection(docID, userID string, s Selection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selections[Key(docID, userID)] = s
}

func (t *Tracker) Selection(docID, userID string) (Selection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.selections[Key(docID, userID)]
	return s, ok
}

// Cursors returns a copy of the cursor keyspace.
func (t *Tracker) Cursors() map[string]Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Cursor, len(t.cursors))
	for k, v := range t.cursors {
		out[k] = v
	}
	return out
}

// Forget drops a user's record and its cursors and selections in docIDs.
func (t *Tracker) Forget(userID string, docIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, userID)
	for _, docID := range docIDs {
		delete(t.cursors, Key(docID, userID))
		delete(t.selections, Key(docID, userID))
	}
}

// Reset clears everything.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]Record)
	t.cursors = make(map[string]Cursor)
	t.selections = make(map[string]Selection)
}
