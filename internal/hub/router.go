package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const userChannelPrefix = "collab:user:"

// A Router moves encoded messages to whichever hub instance holds the
// recipient's connection.
type Router interface {
	// Attach registers deliver for userID on this instance. The returned
	// function undoes it.
	Attach(ctx context.Context, userID string, deliver func([]byte)) (detach func(), err error)
	// Publish hands frame to userID and reports whether any instance had
	// the user attached.
	Publish(ctx context.Context, userID string, frame []byte) (bool, error)
	Close() error
}

// LocalRouter routes within one process.
type LocalRouter struct {
	mu    sync.RWMutex
	users map[string]*attachment
}

type attachment struct {
	deliver func([]byte)
}

func NewLocalRouter() *LocalRouter {
	return &LocalRouter{users: make(map[string]*attachment)}
}

func (r *LocalRouter) Attach(_ context.Context, userID string, deliver func([]byte)) (func(), error) {
	a := &attachment{deliver: deliver}
	r.mu.Lock()
	r.users[userID] = a
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.users[userID] == a {
			delete(r.users, userID)
		}
	}, nil
}

func (r *LocalRouter) Publish(_ context.Context, userID string, frame []byte) (bool, error) {
	r.mu.RLock()
	a, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	a.deliver(frame)
	return true, nil
}

func (r *LocalRouter) Close() error { return nil }

// RedisRouter routes through Redis pub/sub, one channel per user, so users
// connected to different hub instances reach each other.
type RedisRouter struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisRouter(rdb *redis.Client, log zerolog.Logger) *RedisRouter {
	return &RedisRouter{rdb: rdb, log: log.With().Str("component", "router").Logger()}
}

func userChannel(userID string) string { return userChannelPrefix + userID }

func (r *RedisRouter) Attach(ctx context.Context, userID string, deliver func([]byte)) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, userChannel(userID))
	// wait for the subscription so nothing published after Attach is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing for %s: %w", userID, err)
	}
	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			deliver([]byte(msg.Payload))
		}
	}()
	return func() {
		if err := pubsub.Close(); err != nil {
			r.log.Debug().Err(err).Str("user", userID).Msg("closing subscription")
		}
	}, nil
}

func (r *RedisRouter) Publish(ctx context.Context, userID string, frame []byte) (bool, error) {
	n, err := r.rdb.Publish(ctx, userChannel(userID), frame).Result()
	if err != nil {
		return false, fmt.Errorf("publishing to %s: %w", userID, err)
	}
	return n > 0, nil
}

func (r *RedisRouter) Close() error {
	return r.rdb.Close()
}
