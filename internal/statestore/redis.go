// Package statestore caches controller session state in front of the
// message store, in redis or in a local bbolt file.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"pulsar-assistant/internal/domain"
)

const (
	DefaultTTL    = 48 * time.Hour
	defaultPrefix = "assistant:state:"
)

// redisAPI is the subset of *redis.Client used by Store.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Store struct {
	client redisAPI
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = prefix
		}
	}
}

func New(client redisAPI, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("statestore: client must not be nil")
	}
	s := &Store{client: client, ttl: DefaultTTL, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect dials redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("statestore: ping redis: %w", err)
	}
	return client, nil
}

func (s *Store) key(sessionKey string) string {
	return s.prefix + sessionKey
}

// LoadState returns the state of a session; ok is false on a cache miss.
func (s *Store) LoadState(ctx context.Context, key string) (domain.SessionState, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.SessionState{}, false, nil
	}
	if err != nil {
		return domain.SessionState{}, false, fmt.Errorf("statestore: get state: %w", err)
	}
	var st domain.SessionState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return domain.SessionState{}, false, fmt.Errorf("statestore: unmarshal state: %w", err)
	}
	st.Key = key
	return st, true, nil
}

// SaveState stores st and refreshes its TTL.
func (s *Store) SaveState(ctx context.Context, st domain.SessionState) error {
	if strings.TrimSpace(st.Key) == "" {
		return errors.New("statestore: session key is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now().UTC()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("statestore: marshal state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(st.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("statestore: set state: %w", err)
	}
	return nil
}

// DeleteState removes the state of a session.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("statestore: delete state: %w", err)
	}
	return nil
}
