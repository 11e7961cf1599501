// Package document holds the in-memory replica of a shared document.
//
// A replica integrates operations in a canonical total order (Lamport clock,
// then origin). An operation is transformed only against operations missing
// from its context, i.e. concurrent with it, so every replica holding the
// same set of operations reaches the same content no matter the order in
// which they arrived. Operations whose causal predecessors are missing wait
// in a buffer until the predecessors arrive.
package document

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/zeebo/blake3"

	"collabtext/internal/ot"
)

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrUnknownContext   = errors.New("operation context is ahead of the replica")
)

// Options describe a new document.
type Options struct {
	ID        string
	Name      string
	Type      string
	Initial   string
	CreatedBy string
	CreatedAt time.Time
}

// Document is a replica of one shared document. All methods are safe for
// concurrent use.
type Document struct {
	mu sync.RWMutex

	id        string
	name      string
	kind      string
	initial   string
	createdBy string
	createdAt time.Time

	content  string
	version  int
	modified time.Time

	// log holds applied operations in canonical order; replaying it from
	// initial yields content.
	log       []ot.Operation
	order     []ot.OpID
	originals map[ot.OpID]ot.Operation
	states    map[ot.OpID]ot.State
	vv        ot.VersionVector
	lamport   uint64
	pending   []ot.Operation

	// forms caches an operation's edits rebased onto a causally closed set,
	// keyed by id and the set's version vector.
	forms map[string][]ot.Edit

	collaborators mapset.Set[string]
}

// Result reports what Integrate did.
type Result struct {
	// Applied holds the operations integrated by this call, in the form
	// they were applied, including buffered ones released by it.
	Applied   []ot.Operation
	Buffered  bool
	Duplicate bool
	// Rebuilt is set when an operation sorted before already applied ones
	// and the tail of the log was recomputed.
	Rebuilt bool
}

func New(opts Options) *Document {
	d := &Document{
		id:            opts.ID,
		name:          opts.Name,
		kind:          opts.Type,
		initial:       opts.Initial,
		createdBy:     opts.CreatedBy,
		createdAt:     opts.CreatedAt,
		content:       opts.Initial,
		modified:      opts.CreatedAt,
		originals:     make(map[ot.OpID]ot.Operation),
		states:        make(map[ot.OpID]ot.State),
		vv:            make(ot.VersionVector),
		forms:         make(map[string][]ot.Edit),
		collaborators: mapset.NewSet[string](),
	}
	if opts.CreatedBy != "" {
		d.collaborators.Add(opts.CreatedBy)
	}
	return d
}

func (d *Document) ID() string           { return d.id }
func (d *Document) Name() string         { return d.name }
func (d *Document) Type() string         { return d.kind }
func (d *Document) Initial() string      { return d.initial }
func (d *Document) CreatedBy() string    { return d.createdBy }
func (d *Document) CreatedAt() time.Time { return d.createdAt }

func (d *Document) Content() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.content
}

// Version is the number of operations applied since creation.
func (d *Document) Version() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

func (d *Document) LastModified() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modified
}

// Operations returns the applied log in application order.
func (d *Document) Operations() []ot.Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ot.Operation, len(d.log))
	copy(out, d.log)
	return out
}

// Originals returns every integrated operation as its origin issued it, in
// canonical order. Integrating them in this order never buffers.
func (d *Document) Originals() []ot.Operation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ot.Operation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.originals[id].WithState(d.states[id]))
	}
	return out
}

func (d *Document) VersionVector() ot.VersionVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vv.Clone()
}

// Pending is the number of operations waiting for causal predecessors.
func (d *Document) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

func (d *Document) Collaborators() []string {
	out := d.collaborators.ToSlice()
	sort.Strings(out)
	return out
}

func (d *Document) AddCollaborator(userID string) {
	d.collaborators.Add(userID)
}

// State returns the lifecycle state of an operation known to the replica.
func (d *Document) State(id ot.OpID) (ot.State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.states[id]
	return s, ok
}

// Digest is the hex BLAKE3 hash of the content.
func (d *Document) Digest() string {
	sum := blake3.Sum256([]byte(d.Content()))
	return hex.EncodeToString(sum[:])
}

// Prepare stamps a locally issued operation with identity and logical
// clock. An operation without a context is taken to be issued against the
// current content. An operation carrying an older context is accepted as
// long as the replica has seen that context, and is validated against the
// content the replica had at that context.
func (d *Document) Prepare(origin string, op ot.Operation, now time.Time) (ot.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if origin == "" {
		return op, fmt.Errorf("%w: no origin", ErrInvalidOperation)
	}
	if op.Context == nil {
		op.Context = d.vv.Clone()
	} else {
		if err := op.Kind.Validate(); err != nil {
			return op, err
		}
		if !d.vv.Covers(op.Context) {
			return op, ErrUnknownContext
		}
		op.Context = op.Context.Clone()
	}
	if err := op.Validate(utf8.RuneCountInString(d.contentAt(op.Context))); err != nil {
		return op, err
	}
	op.ID = ot.OpID{User: origin, Seq: d.vv[origin] + 1}
	op.Origin = origin
	op.Lamport = d.lamport + 1
	op.Timestamp = now
	op.State = ot.StatePending
	op.Edits = nil
	return op.Normalize(), nil
}

// Integrate adds an operation to the replica, local or remote. Edits are
// derived from the issued fields, which are checked against the content at
// the operation's context once its predecessors are applied. A buffered
// operation that fails that check when released is dropped and its error
// joined to the returned one; the operations applied so far are still in
// the Result.
func (d *Document) Integrate(op ot.Operation) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	op.Edits = nil
	op = op.Normalize()
	if op.ID.User == "" || op.ID.Seq == 0 {
		return Result{}, fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if err := op.ValidateShape(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrInvalidOperation, op.ID, err)
	}
	if op.Context == nil {
		op.Context = make(ot.VersionVector)
	}
	if d.known(op.ID) {
		return Result{Duplicate: true}, nil
	}
	if !d.ready(op) {
		d.pending = append(d.pending, op)
		return Result{Buffered: true}, nil
	}
	if err := d.checkRange(op); err != nil {
		return Result{}, err
	}

	var res Result
	if err := d.integrate(op, &res); err != nil {
		return res, err
	}
	var errs []error
	for released := true; released; {
		released = false
		for i, p := range d.pending {
			if !d.ready(p) {
				continue
			}
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			released = true
			if err := d.checkRange(p); err != nil {
				errs = append(errs, err)
				break
			}
			if err := d.integrate(p, &res); err != nil {
				return res, err
			}
			break
		}
	}
	return res, errors.Join(errs...)
}

// Acknowledge marks an operation as confirmed by the relay target.
func (d *Document) Acknowledge(id ot.OpID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.states[id]; !ok || s == ot.StateAcknowledged {
		return false
	}
	d.states[id] = ot.StateAcknowledged
	for i := range d.log {
		if d.log[i].ID == id {
			d.log[i].State = ot.StateAcknowledged
		}
	}
	return true
}

func (d *Document) known(id ot.OpID) bool {
	if d.vv.Includes(id) {
		return true
	}
	for _, p := range d.pending {
		if p.ID == id {
			return true
		}
	}
	return false
}

// checkRange validates op against the content at its context. op must be
// ready.
func (d *Document) checkRange(op ot.Operation) error {
	if err := op.Validate(utf8.RuneCountInString(d.contentAt(op.Context))); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidOperation, op.ID, err)
	}
	return nil
}

// contentAt returns the content of the replica holding exactly the
// operations in ctx, which must be covered by the replica's version vector.
func (d *Document) contentAt(ctx ot.VersionVector) string {
	if ctx.Covers(d.vv) {
		return d.content
	}
	content := d.initial
	cur := make(ot.VersionVector)
	for _, id := range d.order {
		if !ctx.Includes(id) {
			continue
		}
		content, _ = ot.ApplyClamped(content, d.formIn(d.originals[id], cur))
		cur.Advance(id)
	}
	return content
}

// ready reports whether every causal predecessor of op is applied.
func (d *Document) ready(op ot.Operation) bool {
	return d.vv[op.ID.User] == op.ID.Seq-1 && d.vv.Covers(op.Context)
}

func (d *Document) integrate(op ot.Operation, res *Result) error {
	d.originals[op.ID] = op.WithState(ot.StatePending)
	d.states[op.ID] = ot.StatePending
	d.lamport = max(d.lamport, op.Lamport)
	d.collaborators.Add(op.Origin)

	idx := sort.Search(len(d.order), func(i int) bool {
		return ot.Before(op, d.originals[d.order[i]])
	})
	d.order = append(d.order, ot.OpID{})
	copy(d.order[idx+1:], d.order[idx:])
	d.order[idx] = op.ID

	var applied ot.Operation
	if idx == len(d.log) {
		applied = d.apply(op, d.vv.Clone())
	} else {
		var err error
		if applied, err = d.rebuild(idx); err != nil {
			return err
		}
		res.Rebuilt = true
	}

	d.vv.Advance(op.ID)
	d.version++
	if op.Timestamp.After(d.modified) {
		d.modified = op.Timestamp
	}
	res.Applied = append(res.Applied, applied)
	return nil
}

// apply rebases op onto the operations in prefix, which must be exactly
// the current log, and appends it.
func (d *Document) apply(op ot.Operation, prefix ot.VersionVector) ot.Operation {
	d.states[op.ID] = ot.StateTransformed
	edits := d.formIn(op, prefix)

	content, edits := ot.ApplyClamped(d.content, edits)
	d.content = content
	d.states[op.ID] = ot.StateApplied

	entry := op.WithEdits(edits).WithState(ot.StateApplied)
	d.log = append(d.log, entry)
	return entry
}

// rebuild recomputes the log from position idx of the canonical order after
// an operation was placed there. It returns that operation as applied.
func (d *Document) rebuild(idx int) (ot.Operation, error) {
	d.log = d.log[:idx]
	content, err := ot.Replay(d.initial, d.log)
	if err != nil {
		return ot.Operation{}, err
	}
	d.content = content

	prefix := make(ot.VersionVector)
	for _, e := range d.log {
		prefix.Advance(e.ID)
	}
	var inserted ot.Operation
	for i, id := range d.order[idx:] {
		state := d.states[id]
		entry := d.apply(d.originals[id], prefix)
		if i == 0 {
			inserted = entry
		} else if state == ot.StateAcknowledged {
			d.states[id] = state
			d.log[len(d.log)-1].State = state
		}
		prefix.Advance(id)
	}
	return inserted, nil
}

// formIn returns op's edits rebased onto the causally closed set described
// by ctx, which must contain op's context but not op. Operations in ctx that
// op's origin had not seen are folded in one at a time in canonical order,
// each one first rebased onto what has been folded so far.
func (d *Document) formIn(op ot.Operation, ctx ot.VersionVector) []ot.Edit {
	key := op.ID.String() + "@" + ctx.Key()
	if edits, ok := d.forms[key]; ok {
		return edits
	}

	edits := op.Edits
	cur := op.Context.Clone()
	for _, id := range d.order {
		if !ctx.Includes(id) || cur.Includes(id) {
			continue
		}
		concurrent := d.originals[id]
		edits = ot.TransformEdits(edits, d.formIn(concurrent, cur), ot.LeftOf(op, concurrent))
		cur.Advance(id)
	}
	d.forms[key] = edits
	return edits
}
