// Package lock serializes webhook reconciliation per audit log across
// processes. Locking is SET NX with a TTL; unlock verifies the token via a
// Lua script so an expired holder cannot release a successor's lock.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"

	"github.com/fanvault/pointpay/pkg/tool"
)

// ErrBusy is returned when the lock is held elsewhere. Callers should treat
// it as transient and retry later (the gateway redelivers webhooks).
var ErrBusy = errors.New("lock held by another process")

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

// Manager acquires short-lived mutual-exclusion locks. With a nil redis
// client it falls back to in-process locking, which is sufficient for a
// single-instance deployment and for tests.
type Manager struct {
	client *redis.Client

	mu    sync.Mutex
	local map[string]struct{}
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client, local: make(map[string]struct{})}
}

// WithLock runs fn while holding the named lock, or returns ErrBusy without
// running fn. fn must not outlive ttl.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	if m.client == nil {
		return m.withLocalLock(key, fn)
	}

	token := tool.GenerateUUIDV7()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrBusy
	}
	defer func() {
		// Best effort: an expired key simply means the TTL released it.
		_, _ = m.client.Eval(context.Background(), unlockScript, []string{key}, token).Result()
	}()

	return fn()
}

func (m *Manager) withLocalLock(key string, fn func() error) error {
	m.mu.Lock()
	if _, held := m.local[key]; held {
		m.mu.Unlock()
		return ErrBusy
	}
	m.local[key] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.local, key)
		m.mu.Unlock()
	}()
	return fn()
}

var Module = fx.Options(
	fx.Provide(NewManager),
)
