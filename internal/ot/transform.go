package ot

import "unicode/utf8"

// prim is a primitive splice: an insert of text or a delete of n runes.
type prim struct {
	insert bool
	pos    int
	n      int
	text   string
}

func decompose(edits []Edit) []prim {
	out := make([]prim, 0, len(edits)*2)
	for _, e := range edits {
		if e.Delete > 0 {
			out = append(out, prim{pos: e.Position, n: e.Delete})
		}
		if e.Insert != "" {
			out = append(out, prim{insert: true, pos: e.Position, n: utf8.RuneCountInString(e.Insert), text: e.Insert})
		}
	}
	return out
}

// compose folds a delete immediately followed by an insert at the same
// position back into one replace edit.
func compose(prims []prim) []Edit {
	out := make([]Edit, 0, len(prims))
	for i := 0; i < len(prims); i++ {
		p := prims[i]
		if p.insert {
			out = append(out, Edit{Position: p.pos, Insert: p.text})
			continue
		}
		if i+1 < len(prims) && prims[i+1].insert && prims[i+1].pos == p.pos {
			out = append(out, Edit{Position: p.pos, Delete: p.n, Insert: prims[i+1].text})
			i++
			continue
		}
		out = append(out, Edit{Position: p.pos, Delete: p.n})
	}
	return out
}

// transformPrims rebases two concurrent edit sequences defined on the same
// state: a2 is a applied after b, b2 is b applied after a. aLeft breaks ties
// between inserts at the same position.
func transformPrims(a, b []prim, aLeft bool) (a2, b2 []prim) {
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}
	if len(a) > 1 {
		head, rest := a[:1], a[1:]
		headT, bT := transformPrims(head, b, aLeft)
		restT, bTT := transformPrims(rest, bT, aLeft)
		return concat(headT, restT), bTT
	}
	if len(b) > 1 {
		head, rest := b[:1], b[1:]
		aT, headT := transformPrims(a, head, aLeft)
		aTT, restT := transformPrims(aT, rest, aLeft)
		return aTT, concat(headT, restT)
	}
	return itPrim(a[0], b[0], aLeft), itPrim(b[0], a[0], !aLeft)
}

func concat(a, b []prim) []prim {
	out := make([]prim, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

// itPrim is the inclusion transform of a against b for single primitives.
func itPrim(a, b prim, aLeft bool) []prim {
	switch {
	case a.insert && b.insert:
		if b.pos < a.pos || (b.pos == a.pos && !aLeft) {
			a.pos += b.n
		}
		return []prim{a}

	case a.insert && !b.insert:
		switch {
		case a.pos <= b.pos:
		case a.pos >= b.pos+b.n:
			a.pos -= b.n
		default:
			// inside the deleted range: land where the range was
			a.pos = b.pos
		}
		return []prim{a}

	case !a.insert && b.insert:
		switch {
		case b.pos <= a.pos:
			a.pos += b.n
			return []prim{a}
		case b.pos >= a.pos+a.n:
			return []prim{a}
		default:
			// the insert lands inside the deleted range and survives
			before := b.pos - a.pos
			return []prim{
				{pos: a.pos, n: before},
				{pos: a.pos + b.n, n: a.n - before},
			}
		}

	default:
		aEnd, bEnd := a.pos+a.n, b.pos+b.n
		switch {
		case aEnd <= b.pos:
			return []prim{a}
		case a.pos >= bEnd:
			a.pos -= b.n
			return []prim{a}
		}
		overlap := min(aEnd, bEnd) - max(a.pos, b.pos)
		a.n -= overlap
		a.pos = min(a.pos, b.pos)
		if a.n == 0 {
			return nil
		}
		return []prim{a}
	}
}

// TransformEdits rebases a so it applies after b, both defined on the same
// state.
func TransformEdits(a, b []Edit, aLeft bool) []Edit {
	rebased, _ := transformPrims(decompose(a), decompose(b), aLeft)
	return compose(rebased)
}

// LeftOf decides which of two inserts at the same position goes first.
// Distinct origins order lexically; otherwise the earlier sequence number
// wins, and identical ids favor the operation being transformed.
func LeftOf(a, b Operation) bool {
	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}
	if a.ID.Seq != b.ID.Seq {
		return a.ID.Seq < b.ID.Seq
	}
	return true
}

// Transform returns op rebased to apply after against. Both must be defined
// on the same document state.
func Transform(op, against Operation) Operation {
	op = op.Normalize()
	against = against.Normalize()
	out := op.WithEdits(TransformEdits(op.Edits, against.Edits, LeftOf(op, against)))
	out.State = StateTransformed
	return out
}

// TransformAll rebases op across existing in order; existing[i] must be
// defined on the state produced by existing[:i].
func TransformAll(op Operation, existing []Operation) Operation {
	for _, against := range existing {
		op = Transform(op, against)
	}
	return op
}
