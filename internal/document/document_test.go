package document

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/ot"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newDoc(initial string) *Document {
	return New(Options{ID: "doc1", Name: "notes", Type: "text", Initial: initial, CreatedBy: "alice", CreatedAt: epoch})
}

// local prepares and integrates op on d as user.
func local(t *testing.T, d *Document, user string, op ot.Operation) ot.Operation {
	t.Helper()
	prepared, err := d.Prepare(user, op, epoch)
	require.NoError(t, err)
	res, err := d.Integrate(prepared)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	return prepared
}

func requireReplayInvariant(t *testing.T, d *Document) {
	t.Helper()
	replayed, err := ot.Replay(d.Initial(), d.Operations())
	require.NoError(t, err)
	require.Equal(t, d.Content(), replayed)
}

func TestVersionCountsAppliedOperations(t *testing.T) {
	d := newDoc("")
	assert.Equal(t, 0, d.Version())

	for i := 0; i < 10; i++ {
		before := d.Version()
		local(t, d, "alice", ot.NewInsert(i, "x"))
		assert.Equal(t, before+1, d.Version())
	}
	assert.Equal(t, 10, d.Version())
	assert.Equal(t, "xxxxxxxxxx", d.Content())
	requireReplayInvariant(t, d)
}

func TestPrepareValidatesAgainstContent(t *testing.T) {
	d := newDoc("abc")
	_, err := d.Prepare("alice", ot.NewDelete(2, 5), epoch)
	assert.ErrorIs(t, err, ot.ErrOutOfRange)

	_, err = d.Prepare("", ot.NewInsert(0, "x"), epoch)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = d.Prepare("alice", ot.Operation{Kind: ot.Insert, Content: "x", Context: ot.VersionVector{"bob": 3}}, epoch)
	assert.ErrorIs(t, err, ErrUnknownContext)
}

func TestTwoReplicasConverge(t *testing.T) {
	a := newDoc("abc")
	b := newDoc("abc")

	opA := local(t, a, "alice", ot.NewInsert(0, "X"))
	opB := local(t, b, "bob", ot.NewInsert(1, "Y"))

	_, err := a.Integrate(opB)
	require.NoError(t, err)
	_, err = b.Integrate(opA)
	require.NoError(t, err)

	assert.Equal(t, "XaYbc", a.Content())
	assert.Equal(t, a.Content(), b.Content())
	assert.Equal(t, a.Digest(), b.Digest())
	assert.Equal(t, 2, a.Version())
	assert.Equal(t, 2, b.Version())
	requireReplayInvariant(t, a)
	requireReplayInvariant(t, b)
}

func TestBurstAgainstConcurrentEdit(t *testing.T) {
	a := newDoc("0123456789")
	b := newDoc("0123456789")

	a1 := local(t, a, "alice", ot.NewDelete(2, 3))
	a2 := local(t, a, "alice", ot.NewInsert(2, "AB"))
	b1 := local(t, b, "bob", ot.NewReplace(4, 4, "Z"))

	for _, op := range []ot.Operation{a1, a2} {
		_, err := b.Integrate(op)
		require.NoError(t, err)
	}
	_, err := a.Integrate(b1)
	require.NoError(t, err)

	assert.Equal(t, a.Content(), b.Content())
	requireReplayInvariant(t, a)
	requireReplayInvariant(t, b)
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	source := newDoc("")
	first := local(t, source, "alice", ot.NewInsert(0, "hello"))
	second := local(t, source, "alice", ot.NewInsert(5, " world"))

	replica := newDoc("")
	res, err := replica.Integrate(second)
	require.NoError(t, err)
	assert.True(t, res.Buffered)
	assert.Equal(t, 1, replica.Pending())
	assert.Equal(t, "", replica.Content())

	res, err = replica.Integrate(first)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 2)
	assert.Equal(t, 0, replica.Pending())
	assert.Equal(t, "hello world", replica.Content())
}

func TestPrepareChecksRangeAtContext(t *testing.T) {
	d := newDoc("abc")
	local(t, d, "alice", ot.NewInsert(3, "def"))

	tooLong := ot.NewDelete(1, 500)
	tooLong.Context = d.VersionVector()
	_, err := d.Prepare("alice", tooLong, epoch)
	assert.ErrorIs(t, err, ot.ErrOutOfRange)

	negative := ot.NewInsert(-7, "Q")
	negative.Context = d.VersionVector()
	_, err = d.Prepare("alice", negative, epoch)
	assert.ErrorIs(t, err, ot.ErrOutOfRange)

	// in range now, but not in the content the empty context saw
	late := ot.NewDelete(4, 1)
	late.Context = ot.VersionVector{}
	_, err = d.Prepare("alice", late, epoch)
	assert.ErrorIs(t, err, ot.ErrOutOfRange)

	stale := ot.NewDelete(1, 2)
	stale.Context = ot.VersionVector{}
	local(t, d, "alice", stale)
	assert.Equal(t, "adef", d.Content())
	assert.Equal(t, 2, d.Version())
	requireReplayInvariant(t, d)
}

func TestIntegrateRejectsMalformedOperations(t *testing.T) {
	d := newDoc("abcdef")
	cases := []struct {
		name string
		op   ot.Operation
		want error
	}{
		{"unknown kind", ot.Operation{Kind: "bogus", Position: -4}, ot.ErrUnknownKind},
		{"negative position", ot.Operation{Kind: ot.Delete, Position: -3, Length: 50}, ot.ErrOutOfRange},
		{"zero length", ot.Operation{Kind: ot.Delete, Position: 1}, ot.ErrOutOfRange},
		{"empty insert", ot.Operation{Kind: ot.Insert, Position: 1}, ot.ErrOutOfRange},
		{"delete past the end", ot.Operation{Kind: ot.Delete, Position: 2, Length: 50}, ot.ErrOutOfRange},
		{"replace past the end", ot.Operation{Kind: ot.Replace, Position: 7, Length: 1, Content: "x"}, ot.ErrOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := tc.op
			op.ID = ot.OpID{User: "bob", Seq: 1}
			op.Origin = "bob"
			op.Lamport = 1
			op.Context = ot.VersionVector{}
			res, err := d.Integrate(op)
			assert.ErrorIs(t, err, ErrInvalidOperation)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, res.Applied)
		})
	}
	assert.Equal(t, "abcdef", d.Content())
	assert.Equal(t, 0, d.Version())
	assert.Equal(t, 0, d.Pending())
}

func TestIntegrateDerivesEditsFromIssuedFields(t *testing.T) {
	d := newDoc("abcdef")
	op := ot.NewInsert(0, "x")
	op.ID = ot.OpID{User: "bob", Seq: 1}
	op.Origin = "bob"
	op.Lamport = 1
	op.Context = ot.VersionVector{}
	op.Edits = []ot.Edit{{Position: 0, Delete: 6}}

	_, err := d.Integrate(op)
	require.NoError(t, err)
	assert.Equal(t, "xabcdef", d.Content())
	requireReplayInvariant(t, d)
}

func TestRemoteRangeIsCheckedAtItsContext(t *testing.T) {
	a := newDoc("abc")
	b := newDoc("abc")
	local(t, a, "alice", ot.NewDelete(0, 3))
	bobOp := local(t, b, "bob", ot.NewInsert(3, "!"))

	_, err := a.Integrate(bobOp)
	require.NoError(t, err)
	assert.Equal(t, "!", a.Content())
	requireReplayInvariant(t, a)
}

func TestInvalidBufferedOperationIsDropped(t *testing.T) {
	source := newDoc("abc")
	first := local(t, source, "bob", ot.NewInsert(3, "d"))
	bad := ot.NewDelete(0, 50)
	bad.ID = ot.OpID{User: "bob", Seq: 2}
	bad.Origin = "bob"
	bad.Lamport = 2
	bad.Context = ot.VersionVector{"bob": 1}

	d := newDoc("abc")
	res, err := d.Integrate(bad)
	require.NoError(t, err)
	assert.True(t, res.Buffered)

	res, err = d.Integrate(first)
	assert.ErrorIs(t, err, ot.ErrOutOfRange)
	assert.Len(t, res.Applied, 1)
	assert.Equal(t, "abcd", d.Content())
	assert.Equal(t, 1, d.Version())
	assert.Equal(t, 0, d.Pending())
}

func TestDuplicateIsIgnored(t *testing.T) {
	d := newDoc("")
	op := local(t, d, "alice", ot.NewInsert(0, "a"))

	res, err := d.Integrate(op)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, d.Version())
}

func TestLateEarlierOperationRebuildsTail(t *testing.T) {
	a := newDoc("abc")
	b := newDoc("abc")

	// bob's op sorts between alice's two, so alice's second edit is redone.
	bobOp := local(t, b, "bob", ot.NewDelete(0, 1))
	local(t, a, "alice", ot.NewInsert(3, "d"))
	local(t, a, "alice", ot.NewInsert(4, "e"))

	res, err := a.Integrate(bobOp)
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)

	for _, op := range a.Originals() {
		if op.Origin == "alice" {
			_, err := b.Integrate(op)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, "bcde", a.Content())
	assert.Equal(t, a.Content(), b.Content())
	requireReplayInvariant(t, b)
}

func TestRebuildKeepsInvariant(t *testing.T) {
	a := newDoc("abc")
	z := newDoc("abc")

	// alice's op sorts before both of zed's.
	z1 := local(t, z, "zed", ot.NewInsert(0, "1"))
	z2 := local(t, z, "zed", ot.NewInsert(0, "2"))
	aOp := local(t, a, "alice", ot.NewInsert(3, "!"))

	res, err := z.Integrate(aOp)
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
	assert.Equal(t, 3, z.Version())

	for _, op := range []ot.Operation{z1, z2} {
		_, err := a.Integrate(op)
		require.NoError(t, err)
	}
	assert.Equal(t, "21abc!", z.Content())
	assert.Equal(t, z.Content(), a.Content())
	requireReplayInvariant(t, z)
}

func TestStaleContextTransformsAgainstNewerLocalEdits(t *testing.T) {
	d := newDoc("abc")
	local(t, d, "alice", ot.NewInsert(0, "X"))

	stale := ot.NewInsert(1, "Y")
	stale.Context = ot.VersionVector{}
	local(t, d, "alice", stale)

	assert.Equal(t, "XaYbc", d.Content())
	requireReplayInvariant(t, d)
}

func TestLifecycleStates(t *testing.T) {
	d := newDoc("")
	prepared, err := d.Prepare("alice", ot.NewInsert(0, "a"), epoch)
	require.NoError(t, err)
	assert.Equal(t, ot.StatePending, prepared.State)

	_, err = d.Integrate(prepared)
	require.NoError(t, err)
	state, ok := d.State(prepared.ID)
	require.True(t, ok)
	assert.Equal(t, ot.StateApplied, state)

	assert.True(t, d.Acknowledge(prepared.ID))
	assert.False(t, d.Acknowledge(prepared.ID))
	state, _ = d.State(prepared.ID)
	assert.Equal(t, ot.StateAcknowledged, state)
	assert.Equal(t, ot.StateAcknowledged, d.Operations()[0].State)
}

func TestCollaboratorsTrackOrigins(t *testing.T) {
	d := newDoc("")
	local(t, d, "carol", ot.NewInsert(0, "c"))
	local(t, d, "bob", ot.NewInsert(0, "b"))
	assert.Equal(t, []string{"alice", "bob", "carol"}, d.Collaborators())
}

// TestRandomizedConvergence runs three replicas issuing random edits and
// delivers every operation to every other replica in a shuffled order.
func TestRandomizedConvergence(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			users := []string{"alice", "bob", "carol"}
			replicas := map[string]*Document{}
			inbox := map[string][]ot.Operation{}
			for _, u := range users {
				replicas[u] = newDoc("the quick brown fox")
			}

			for step := 0; step < 40; step++ {
				user := users[rng.Intn(len(users))]
				d := replicas[user]
				op := randomOp(rng, d.Content())
				prepared := local(t, d, user, op)
				for _, other := range users {
					if other != user {
						inbox[other] = append(inbox[other], prepared)
					}
				}
				// deliver a random subset, in random order
				for _, other := range users {
					rng.Shuffle(len(inbox[other]), func(i, j int) {
						inbox[other][i], inbox[other][j] = inbox[other][j], inbox[other][i]
					})
					n := rng.Intn(len(inbox[other]) + 1)
					for _, msg := range inbox[other][:n] {
						_, err := replicas[other].Integrate(msg)
						require.NoError(t, err)
					}
					inbox[other] = inbox[other][n:]
				}
			}
			for _, other := range users {
				for _, msg := range inbox[other] {
					_, err := replicas[other].Integrate(msg)
					require.NoError(t, err)
				}
			}

			want := replicas["alice"].Content()
			for _, u := range users {
				d := replicas[u]
				assert.Equal(t, want, d.Content(), u)
				assert.Equal(t, 40, d.Version(), u)
				assert.Equal(t, 0, d.Pending(), u)
				requireReplayInvariant(t, d)
			}
		})
	}
}

func randomOp(rng *rand.Rand, content string) ot.Operation {
	n := utf8.RuneCountInString(content)
	if n == 0 || rng.Intn(3) == 0 {
		return ot.NewInsert(rng.Intn(n+1), string(rune('a'+rng.Intn(26))))
	}
	pos := rng.Intn(n)
	length := 1 + rng.Intn(min(3, n-pos))
	if rng.Intn(2) == 0 {
		return ot.NewDelete(pos, length)
	}
	return ot.NewReplace(pos, length, "#")
}
