package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// TTL bounds how long a presence record survives without refresh, so a
	// crashed instance cannot leave users marked online forever.
	TTL = 1 * time.Hour
)

// Record is the per-identity presence state mirrored into Redis.
type Record struct {
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`       // which instance holds the connection
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store mirrors online/offline state into Redis so peer instances and the
// REST layer can answer presence queries without reaching into this
// process's registry.
type Store struct {
	client *redis.Client
	server string // identifier for this instance
}

// NewStore creates a presence store connected to Redis and verifies the
// connection before returning.
func NewStore(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, server: serverName}, nil
}

// SetOnline records that an identity is connected to this instance.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"user_id":      userID,
		"server":       s.server,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline removes the identity's presence record. Only the instance that
// owns the record deletes it, so a rebind onto another instance is not
// clobbered by the stale connection's disconnect.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID

	server, err := s.client.HGet(ctx, key, "server").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if server != s.server {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

// Touch refreshes the record's last-active timestamp and TTL.
func (s *Store) Touch(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IsOnline reports whether any instance currently holds a connection for
// the identity.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get retrieves the presence record for an identity. Returns nil if offline.
func (s *Store) Get(ctx context.Context, userID string) (*Record, error) {
	var record Record
	err := s.client.HGetAll(ctx, KeyPrefix+userID).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.UserID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (rate limiting shares the same connection pool).
func (s *Store) Client() *redis.Client {
	return s.client
}
