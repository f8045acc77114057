// Package session stores signed-in sessions in Redis and broadcasts
// identity changes to every process sharing them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lumen/api/internal/model"
	"lumen/api/internal/pubsub"
)

var ErrSessionNotFound = errors.New("session not found or expired")

const defaultTTL = 30 * 24 * time.Hour

// TokenData holds the data stored for each session token
type TokenData struct {
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"created_at"`
}

// RedisStore implements session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "lumen:",
	}
}

// Client exposes the underlying connection so other components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + "session:" + tokenHash
}

func (s *RedisStore) identityChannel() string {
	return s.prefix + "identity"
}

// SaveSession stores a session token hash with expiration
func (s *RedisStore) SaveSession(ctx context.Context, tokenHash string, data TokenData, expiresAt time.Time) error {
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now().UTC()
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = defaultTTL
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession returns the session stored for tokenHash
func (s *RedisStore) LookupSession(ctx context.Context, tokenHash string) (TokenData, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return TokenData{}, ErrSessionNotFound
	}
	if err != nil {
		return TokenData{}, fmt.Errorf("lookup session: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return TokenData{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return data, nil
}

// RevokeSession deletes a session token
func (s *RedisStore) RevokeSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PublishIdentityEvent broadcasts event to every identity watcher.
func (s *RedisStore) PublishIdentityEvent(ctx context.Context, event model.IdentityEvent) error {
	return pubsub.Publish(ctx, s.client, s.identityChannel(), event)
}

// WatchIdentityEvents calls fn for every identity event until the
// returned subscription is closed. Undecodable messages are skipped.
func (s *RedisStore) WatchIdentityEvents(ctx context.Context, fn func(model.IdentityEvent), onError func(error)) (*pubsub.Subscription, error) {
	return pubsub.Subscribe(ctx, s.client, s.identityChannel(), func(payload []byte) {
		event, err := pubsub.Decode[model.IdentityEvent](payload)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		fn(event)
	})
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
