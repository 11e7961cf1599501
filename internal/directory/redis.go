package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/redis/go-redis/v9"
)

const roomKeyPrefix = "collab:room:"

// maxTxRetries bounds optimistic transaction retries on a contended room.
const maxTxRetries = 8

// Redis stores rooms as JSON under collab:room:<id> so several hubs share
// one directory.
type Redis struct {
	rdb *redis.Client
}

var _ Directory = (*Redis)(nil)

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func roomKey(id string) string { return roomKeyPrefix + id }

func (r *Redis) Announce(ctx context.Context, room RoomInfo) error {
	if room.ID == "" {
		return ErrInvalidRoom
	}
	return r.update(ctx, room.ID, func(cur *RoomInfo, found bool) (bool, error) {
		members := room.Members
		if found {
			members = append(members, cur.Members...)
		}
		*cur = room
		cur.Members = dedupe(members)
		return true, nil
	}, true)
}

func (r *Redis) Lookup(ctx context.Context, roomID string) (RoomInfo, error) {
	data, err := r.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RoomInfo{}, ErrRoomNotFound
	}
	if err != nil {
		return RoomInfo{}, fmt.Errorf("reading room %s: %w", roomID, err)
	}
	var info RoomInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return RoomInfo{}, fmt.Errorf("decoding room %s: %w", roomID, err)
	}
	return info, nil
}

func (r *Redis) AddMember(ctx context.Context, roomID, userID string) error {
	return r.update(ctx, roomID, func(cur *RoomInfo, _ bool) (bool, error) {
		cur.Members = dedupe(append(cur.Members, userID))
		return true, nil
	}, false)
}

func (r *Redis) RemoveMember(ctx context.Context, roomID, userID string) (int, error) {
	var remaining int
	err := r.update(ctx, roomID, func(cur *RoomInfo, _ bool) (bool, error) {
		kept := cur.Members[:0]
		for _, m := range cur.Members {
			if m != userID {
				kept = append(kept, m)
			}
		}
		cur.Members = kept
		remaining = len(kept)
		return remaining > 0, nil
	}, false)
	return remaining, err
}

// update runs fn on the stored room inside WATCH/MULTI. fn returns false to
// delete the key. When create is false a missing room is ErrRoomNotFound.
func (r *Redis) update(ctx context.Context, roomID string, fn func(cur *RoomInfo, found bool) (bool, error), create bool) error {
	key := roomKey(roomID)
	txf := func(tx *redis.Tx) error {
		var cur RoomInfo
		found := true
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if !create {
				return ErrRoomNotFound
			}
			found = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("decoding room %s: %w", roomID, err)
			}
		}
		keep, err := fn(&cur, found)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !keep {
				pipe.Del(ctx, key)
				return nil
			}
			out, err := json.Marshal(cur)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("updating room %s: %w", roomID, redis.TxFailedErr)
}

// dedupe returns the distinct non-empty ids of in, sorted.
func dedupe(in []string) []string {
	set := mapset.NewThreadUnsafeSetWithSize[string](len(in))
	for _, s := range in {
		if s != "" {
			set.Add(s)
		}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
