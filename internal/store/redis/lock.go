package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var _ store.Lock = (*Lock)(nil)

// releaseScript deletes the key only if it still holds our token, so an
// expired-then-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a TTL lock keyed by name. Each process holds a random token per
// acquired name.
type Lock struct {
	client *Client

	mu     sync.Mutex
	tokens map[string]string
}

func NewLock(client *Client) *Lock {
	return &Lock{client: client, tokens: make(map[string]string)}
}

func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.rdb.SetNX(ctx, l.client.key("lock", name), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.tokens[name] = token
	l.mu.Unlock()
	return true, nil
}

func (l *Lock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.client.key("lock", name)}, token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
