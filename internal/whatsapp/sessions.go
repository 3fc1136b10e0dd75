package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionTracker records when a patient last wrote in, so free-form sends can
// be gated to the provider's customer service window.
type SessionTracker interface {
	RecordInbound(ctx context.Context, phone string, at time.Time) error
	LastInbound(ctx context.Context, phone string) (time.Time, bool, error)
}

// MemorySessions is a process-local tracker for single-instance deployments
// and tests.
type MemorySessions struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{last: make(map[string]time.Time)}
}

func (m *MemorySessions) RecordInbound(_ context.Context, phone string, at time.Time) error {
	key := sanitizePhone(phone)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.last[key]; !ok || at.After(existing) {
		m.last[key] = at
	}
	return nil
}

func (m *MemorySessions) LastInbound(_ context.Context, phone string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.last[sanitizePhone(phone)]
	return at, ok, nil
}

// RedisSessions shares the inbound timestamps across instances. Entries expire
// on their own once the window has long passed.
type RedisSessions struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessions(client *redis.Client, window time.Duration) *RedisSessions {
	if client == nil {
		panic("whatsapp: redis client is required")
	}
	return &RedisSessions{client: client, ttl: 2 * window}
}

func sessionKey(phone string) string {
	return "wa:session:" + sanitizePhone(phone)
}

func (r *RedisSessions) RecordInbound(ctx context.Context, phone string, at time.Time) error {
	if err := r.client.Set(ctx, sessionKey(phone), at.UTC().Format(time.RFC3339Nano), r.ttl).Err(); err != nil {
		return fmt.Errorf("whatsapp: record inbound: %w", err)
	}
	return nil
}

func (r *RedisSessions) LastInbound(ctx context.Context, phone string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, sessionKey(phone)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("whatsapp: last inbound: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("whatsapp: last inbound: %w", err)
	}
	return at, true, nil
}
