// Package session mirrors live connection state to Redis: which user a
// connection is bound to and which chat rooms it has joined. The relay works
// without it; the mirror exists for operational visibility and so that keys
// for abandoned connections expire on their own.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "relay:conn:"

	// RoomsPrefix is the Redis key prefix for per-connection joined-room sets.
	RoomsPrefix = "relay:rooms:"

	// ConnTTL is the time-to-live for connection keys. Every write refreshes
	// it, so only connections that stopped writing (or whose relay died
	// before cleanup) expire.
	ConnTTL = 2 * time.Hour
)

// Binding is the stored state of one connection.
type Binding struct {
	ConnID    string `redis:"conn_id"`
	UserID    string `redis:"user_id"`
	Server    string `redis:"server"`     // which relay instance owns the connection
	BoundAt   int64  `redis:"bound_at"`   // unix timestamp
	LastQuery int64  `redis:"last_query"` // unix timestamp of last write
}

// Store mirrors connection bindings in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Bind records the connection's user binding with a fresh TTL.
func (s *Store) Bind(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"conn_id":    connID,
		"user_id":    userID,
		"server":     s.serverName,
		"bound_at":   now,
		"last_query": now,
	})
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection binding. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Binding, error) {
	key := ConnPrefix + connID
	var b Binding
	err := s.client.HGetAll(ctx, key).Scan(&b)
	if err != nil {
		return nil, err
	}
	if b.ConnID == "" {
		return nil, nil // not found
	}
	return &b, nil
}

// AddRoom records a chat room the connection joined and refreshes TTLs.
func (s *Store) AddRoom(ctx context.Context, connID, chatID string) error {
	key := RoomsPrefix + connID

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, chatID)
	pipe.Expire(ctx, key, ConnTTL)
	pipe.HSet(ctx, ConnPrefix+connID, "last_query", time.Now().Unix())
	pipe.Expire(ctx, ConnPrefix+connID, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Rooms returns the chat rooms the connection has joined.
func (s *Store) Rooms(ctx context.Context, connID string) ([]string, error) {
	return s.client.SMembers(ctx, RoomsPrefix+connID).Result()
}

// Delete removes all state for a connection.
func (s *Store) Delete(ctx context.Context, connID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.Del(ctx, RoomsPrefix+connID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
