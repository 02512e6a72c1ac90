package classifier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock serializes concurrent dispatches on the same runId, per the
// concurrency model's shared-resource policy.
type RunLock interface {
	// Acquire blocks (respecting ctx) until the lock for runID is held, and
	// returns a release function.
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

// inProcessLock is the fallback used when no Redis client is configured:
// single-process deployments and tests. Grounded on the same per-key mutex
// map idiom the design notes call out as an acceptable concurrency strategy.
type inProcessLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewInProcessLock constructs a RunLock backed by an in-process mutex map.
func NewInProcessLock() RunLock {
	return &inProcessLock{locks: make(map[string]*sync.Mutex)}
}

func (l *inProcessLock) Acquire(ctx context.Context, runID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[runID] = m
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
	}()
	select {
	case <-done:
		return m.Unlock, nil
	case <-ctx.Done():
		go func() { <-done; m.Unlock() }()
		return nil, ctx.Err()
	}
}

// redisLock implements RunLock with a SETNX-with-TTL distributed lock,
// falling back to polling since go-redis has no built-in blocking lock
// primitive.
type redisLock struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLock constructs a RunLock backed by Redis SETNX, used when
// multiple agent processes may dispatch against the same runId.
func NewRedisLock(client *redis.Client) RunLock {
	return &redisLock{client: client, ttl: 30 * time.Second, poll: 50 * time.Millisecond}
}

func (l *redisLock) Acquire(ctx context.Context, runID string) (func(), error) {
	key := "classifier:lock:" + runID
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			release := func() {
				// Best-effort release; a stale lock still expires via TTL.
				val, err := l.client.Get(context.Background(), key).Result()
				if err == nil && val == token {
					l.client.Del(context.Background(), key)
				}
			}
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}
