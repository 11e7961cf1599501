package ot

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOutOfRange  = errors.New("operation out of range")
	ErrUnknownKind = errors.New("unknown operation kind")
)

// Kind is the operation variant as issued by the user.
type Kind string

const (
	Insert  Kind = "insert"
	Delete  Kind = "delete"
	Replace Kind = "replace"
)

func (k Kind) Validate() error {
	switch k {
	case Insert, Delete, Replace:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

// State tracks where an operation is in its lifecycle on the local replica.
type State string

const (
	StatePending      State = "pending"
	StateTransformed  State = "transformed"
	StateApplied      State = "applied"
	StateAcknowledged State = "acknowledged"
)

// Edit is one splice: remove Delete runes at Position, then insert Insert there.
type Edit struct {
	Position int    `json:"position"`
	Delete   int    `json:"delete,omitempty"`
	Insert   string `json:"insert,omitempty"`
}

func (e Edit) noop() bool {
	return e.Delete == 0 && e.Insert == ""
}

// Operation is an immutable edit of a document. Kind, Position, Content and
// Length describe the edit as issued; Edits is the form the operation takes
// against the state it is applied to. A transformed operation is a new value
// with the same ID and different Edits.
type Operation struct {
	ID        OpID          `json:"id"`
	Kind      Kind          `json:"type"`
	Position  int           `json:"position"`
	Content   string        `json:"content,omitempty"`
	Length    int           `json:"length,omitempty"`
	Origin    string        `json:"originUserId"`
	Lamport   uint64        `json:"lamport"`
	Context   VersionVector `json:"context,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	State     State         `json:"state,omitempty"`
	Edits     []Edit        `json:"edits,omitempty"`
}

// NewInsert, NewDelete and NewReplace build an operation with no identity;
// a document assigns ID, Lamport and Context when it accepts it.
func NewInsert(position int, content string) Operation {
	return build(Insert, position, content, 0)
}

func NewDelete(position, length int) Operation {
	return build(Delete, position, "", length)
}

func NewReplace(position, length int, content string) Operation {
	return build(Replace, position, content, length)
}

func build(kind Kind, position int, content string, length int) Operation {
	op := Operation{Kind: kind, Position: position, Content: content, Length: length, State: StatePending}
	op.Edits = op.issuedEdits()
	return op
}

// issuedEdits derives the single edit an operation makes in its own context.
func (o Operation) issuedEdits() []Edit {
	switch o.Kind {
	case Insert:
		return []Edit{{Position: o.Position, Insert: o.Content}}
	case Delete:
		return []Edit{{Position: o.Position, Delete: o.Length}}
	case Replace:
		return []Edit{{Position: o.Position, Delete: o.Length, Insert: o.Content}}
	}
	return nil
}

// Normalize fills Edits from the issued fields when a decoded operation
// arrives without them. An empty non-nil Edits is a transformed no-op and is
// left alone.
func (o Operation) Normalize() Operation {
	if o.Edits == nil {
		o.Edits = o.issuedEdits()
	}
	return o
}

// ValidateShape checks what can be checked without a document: a known
// kind, a non-negative position, content for an insert and a positive length
// for a delete or replace.
func (o Operation) ValidateShape() error {
	if err := o.Kind.Validate(); err != nil {
		return err
	}
	if o.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrOutOfRange, o.Position)
	}
	switch o.Kind {
	case Insert:
		if o.Content == "" {
			return fmt.Errorf("%w: empty insert", ErrOutOfRange)
		}
	case Delete, Replace:
		if o.Length <= 0 {
			return fmt.Errorf("%w: length %d", ErrOutOfRange, o.Length)
		}
	}
	return nil
}

// Validate checks the issued fields against a document of length runes.
func (o Operation) Validate(length int) error {
	if err := o.ValidateShape(); err != nil {
		return err
	}
	if o.Position > length {
		return fmt.Errorf("%w: position %d in document of length %d", ErrOutOfRange, o.Position, length)
	}
	if (o.Kind == Delete || o.Kind == Replace) && o.Position+o.Length > length {
		return fmt.Errorf("%w: delete [%d,%d) in document of length %d", ErrOutOfRange, o.Position, o.Position+o.Length, length)
	}
	return nil
}

// WithEdits returns a copy of o carrying edits.
func (o Operation) WithEdits(edits []Edit) Operation {
	o.Edits = make([]Edit, len(edits))
	copy(o.Edits, edits)
	return o
}

// WithState returns a copy of o in state s.
func (o Operation) WithState(s State) Operation {
	o.State = s
	return o
}

// Noop reports whether the operation's edits change nothing, which happens
// when a concurrent delete already removed everything it targeted.
func (o Operation) Noop() bool {
	for _, e := range o.Edits {
		if !e.noop() {
			return false
		}
	}
	return true
}
