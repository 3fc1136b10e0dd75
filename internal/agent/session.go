package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Turn roles follow the model API convention.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one exchange half in a conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Session is the per-phone conversation state.
type Session struct {
	Phone     string    `json:"phone"`
	History   []Turn    `json:"history"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append adds a turn, trimming the oldest ones past the cap.
func (s *Session) Append(role, text string, capTurns int) {
	s.History = append(s.History, Turn{Role: role, Text: text})
	if capTurns > 0 && len(s.History) > capTurns {
		s.History = s.History[len(s.History)-capTurns:]
	}
}

// SessionStore persists per-phone conversation state. Get returns (nil, nil)
// when no live session exists.
type SessionStore interface {
	Get(ctx context.Context, phone string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, phone string) error
}

func sessionKey(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String()
}

// MemorySessionStore holds sessions in process memory with an expiry janitor,
// for single-instance deployments and tests.
type MemorySessionStore struct {
	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemorySessionStore{ttl: ttl, sessions: make(map[string]*Session)}
}

func (m *MemorySessionStore) Get(_ context.Context, phone string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey(phone)]
	if !ok || time.Since(s.UpdatedAt) > m.ttl {
		return nil, nil
	}
	copied := *s
	copied.History = append([]Turn(nil), s.History...)
	return &copied, nil
}

func (m *MemorySessionStore) Put(_ context.Context, s *Session) error {
	s.UpdatedAt = time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionKey(s.Phone)] = s
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey(phone))
	return nil
}

// Janitor drops expired sessions until the context is cancelled.
func (m *MemorySessionStore) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for k, s := range m.sessions {
				if time.Since(s.UpdatedAt) > m.ttl {
					delete(m.sessions, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// RedisSessionStore shares sessions across instances; the TTL doubles as the
// inactivity timeout.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if client == nil {
		panic("agent: redis client is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func (r *RedisSessionStore) redisKey(phone string) string {
	return "agent:session:" + sessionKey(phone)
}

func (r *RedisSessionStore) Get(ctx context.Context, phone string) (*Session, error) {
	raw, err := r.client.Get(ctx, r.redisKey(phone)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent: load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("agent: decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisSessionStore) Put(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now()
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("agent: encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.redisKey(s.Phone), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("agent: save session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, phone string) error {
	if err := r.client.Del(ctx, r.redisKey(phone)).Err(); err != nil {
		return fmt.Errorf("agent: delete session: %w", err)
	}
	return nil
}
