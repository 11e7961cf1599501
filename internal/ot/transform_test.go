package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withOrigin(op Operation, origin string) Operation {
	op.Origin = origin
	op.ID = OpID{User: origin, Seq: 1}
	return op
}

// converge applies a then b' and b then a' and returns both results.
func converge(t *testing.T, content string, a, b Operation) (string, string) {
	t.Helper()
	left, err := Apply(content, a)
	require.NoError(t, err)
	left, err = Apply(left, Transform(b, a))
	require.NoError(t, err)

	right, err := Apply(content, b)
	require.NoError(t, err)
	right, err = Apply(right, Transform(a, b))
	require.NoError(t, err)
	return left, right
}

func TestConvergenceInsertInsert(t *testing.T) {
	a := withOrigin(NewInsert(0, "X"), "alice")
	b := withOrigin(NewInsert(1, "Y"), "bob")

	left, right := converge(t, "abc", a, b)
	assert.Equal(t, left, right)
	assert.Equal(t, "XaYbc", left)
}

func TestConvergenceAllKindPairs(t *testing.T) {
	const content = "hello world"
	ops := map[string]Operation{
		"insert-start": NewInsert(0, ">>"),
		"insert-mid":   NewInsert(5, ","),
		"insert-end":   NewInsert(11, "!"),
		"delete-head":  NewDelete(0, 3),
		"delete-mid":   NewDelete(3, 5),
		"delete-tail":  NewDelete(6, 5),
		"replace-word": NewReplace(6, 5, "there"),
		"replace-span": NewReplace(2, 6, "-"),
		"replace-head": NewReplace(0, 1, "J"),
	}

	for nameA, opA := range ops {
		for nameB, opB := range ops {
			if nameA == nameB {
				continue
			}
			a := withOrigin(opA, "alice")
			b := withOrigin(opB, "bob")
			left, right := converge(t, content, a, b)
			assert.Equal(t, left, right, "%s vs %s", nameA, nameB)
		}
	}
}

func TestSamePositionInsertTieBreak(t *testing.T) {
	a := withOrigin(NewInsert(1, "A"), "alice")
	b := withOrigin(NewInsert(1, "B"), "bob")

	left, right := converge(t, "xy", a, b)
	assert.Equal(t, "xABy", left)
	assert.Equal(t, left, right)
}

func TestTransformIsLeftBiasedWithoutOrigins(t *testing.T) {
	op := NewInsert(2, "new")
	against := NewInsert(2, "old")

	got := Transform(op, against)
	assert.Equal(t, 2, got.Edits[0].Position)
	assert.Equal(t, StateTransformed, got.State)
}

func TestTransformDoesNotMutateInput(t *testing.T) {
	op := withOrigin(NewDelete(2, 4), "alice")
	against := withOrigin(NewInsert(3, "zz"), "bob")
	before := op.Edits[0]

	got := Transform(op, against)
	assert.Equal(t, before, op.Edits[0])
	assert.Len(t, got.Edits, 2)
}

func TestDeleteSplitsAroundConcurrentInsert(t *testing.T) {
	del := withOrigin(NewDelete(1, 4), "alice")
	ins := withOrigin(NewInsert(3, "X"), "bob")

	left, right := converge(t, "abcdef", del, ins)
	assert.Equal(t, "aXf", left)
	assert.Equal(t, left, right)
}

func TestOverlappingDeletes(t *testing.T) {
	a := withOrigin(NewDelete(1, 4), "alice")
	b := withOrigin(NewDelete(3, 3), "bob")

	left, right := converge(t, "abcdefg", a, b)
	assert.Equal(t, "ag", left)
	assert.Equal(t, left, right)
}

func TestCoveredDeleteBecomesNoop(t *testing.T) {
	inner := withOrigin(NewDelete(2, 2), "alice")
	outer := withOrigin(NewDelete(1, 5), "bob")

	got := Transform(inner, outer)
	assert.True(t, got.Noop())
}

func TestTransformAllSequential(t *testing.T) {
	log := []Operation{
		withOrigin(NewInsert(0, "ab"), "bob"),
		{Origin: "bob", ID: OpID{User: "bob", Seq: 2}, Edits: []Edit{{Position: 2, Insert: "cd"}}},
	}
	op := withOrigin(NewInsert(0, "Z"), "carol")

	got := TransformAll(op, log)
	assert.Equal(t, 4, got.Edits[0].Position)
}

func TestApplyRejectsOutOfRange(t *testing.T) {
	_, err := Apply("abc", NewDelete(2, 5))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestApplyCountsRunes(t *testing.T) {
	got, err := Apply("héllo", NewReplace(1, 1, "e"))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestApplyClampedReturnsAppliedEdits(t *testing.T) {
	got, applied := ApplyClamped("abc", []Edit{{Position: 5, Insert: "!"}, {Position: 1, Delete: 10}})
	assert.Equal(t, "a", got)
	require.Len(t, applied, 2)
	assert.Equal(t, Edit{Position: 3, Insert: "!"}, applied[0])
	assert.Equal(t, Edit{Position: 1, Delete: 3}, applied[1])

	replayed, err := Replay("abc", []Operation{{Edits: applied[:1]}, {Edits: applied[1:]}})
	require.NoError(t, err)
	assert.Equal(t, got, replayed)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, NewInsert(3, "x").Validate(3))
	assert.ErrorIs(t, NewInsert(4, "x").Validate(3), ErrOutOfRange)
	assert.ErrorIs(t, NewDelete(1, 0).Validate(3), ErrOutOfRange)
	assert.ErrorIs(t, NewReplace(2, 2, "x").Validate(3), ErrOutOfRange)
	assert.ErrorIs(t, Operation{Kind: "move"}.Validate(3), ErrUnknownKind)
}
