package ot

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OpID identifies an operation globally: the Seq-th operation issued by User
// on one document.
type OpID struct {
	User string `json:"user"`
	Seq  uint64 `json:"seq"`
}

func (id OpID) String() string {
	return id.User + "#" + strconv.FormatUint(id.Seq, 10)
}

func (id OpID) IsZero() bool {
	return id.User == "" && id.Seq == 0
}

// VersionVector maps a user to the number of that user's operations seen.
// Because operations from one user are applied in sequence, a vector
// describes a causally closed set of operations.
type VersionVector map[string]uint64

func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for user, seq := range v {
		out[user] = seq
	}
	return out
}

// Includes reports whether the operation id is in the set described by v.
func (v VersionVector) Includes(id OpID) bool {
	return v[id.User] >= id.Seq
}

// Covers reports whether every operation in other is also in v.
func (v VersionVector) Covers(other VersionVector) bool {
	for user, seq := range other {
		if v[user] < seq {
			return false
		}
	}
	return true
}

// Advance records id as seen.
func (v VersionVector) Advance(id OpID) {
	if v[id.User] < id.Seq {
		v[id.User] = id.Seq
	}
}

// Merge takes the pointwise maximum of v and other.
func (v VersionVector) Merge(other VersionVector) {
	for user, seq := range other {
		if v[user] < seq {
			v[user] = seq
		}
	}
}

// Concurrent reports whether neither vector covers the other.
func (v VersionVector) Concurrent(other VersionVector) bool {
	return !v.Covers(other) && !other.Covers(v)
}

// Key renders v canonically, skipping zero entries, for use as a map key.
func (v VersionVector) Key() string {
	users := make([]string, 0, len(v))
	for user, seq := range v {
		if seq > 0 {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	var b strings.Builder
	for i, user := range users {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", user, v[user])
	}
	return b.String()
}

// Before orders operations canonically: by Lamport clock, then origin, then
// sequence. The order respects causality, so every prefix of it is a
// causally closed set.
func Before(a, b Operation) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if a.ID.User != b.ID.User {
		return a.ID.User < b.ID.User
	}
	return a.ID.Seq < b.ID.Seq
}
