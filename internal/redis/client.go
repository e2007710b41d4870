package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotConnected is returned when the client is not connected.
	ErrNotConnected = errors.New("redis client not connected")
	// ErrAccountNotFound is returned when no record exists for a name.
	ErrAccountNotFound = errors.New("account not found")
)

// Client wraps the Redis client with connection pooling and an in-memory
// copy of the last account snapshot for use during Redis outages.
type Client struct {
	rdb       *redis.Client
	keyPrefix string
	logger    *slog.Logger

	connected atomic.Bool

	cacheMu      sync.RWMutex
	recordCache  map[string]AccountRecord
	cacheUpdated time.Time
}

// ClientOptions configures the Redis client.
type ClientOptions struct {
	URL       string
	KeyPrefix string
	PoolSize  int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewClient creates a new Redis client with connection pooling.
func NewClient(opts ClientOptions) (*Client, error) {
	redisOpts, err := parseRedisURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
		redisOpts.MinIdleConns = opts.PoolSize / 5
	}
	if opts.Timeout > 0 {
		redisOpts.PoolTimeout = opts.Timeout
		redisOpts.ReadTimeout = opts.Timeout
		redisOpts.WriteTimeout = opts.Timeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		rdb:         redis.NewClient(redisOpts),
		keyPrefix:   opts.KeyPrefix,
		logger:      logger,
		recordCache: make(map[string]AccountRecord),
	}, nil
}

// parseRedisURL parses a Redis URL into connection options.
func parseRedisURL(redisURL string) (*redis.Options, error) {
	u, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", redisURL)
	}

	opts := &redis.Options{
		Addr: u.Host,
	}

	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}

	if len(u.Path) > 1 {
		db, err := strconv.Atoi(u.Path[1:])
		if err == nil {
			opts.DB = db
		}
	}

	return opts, nil
}

// Connect establishes connection to Redis.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	c.connected.Store(true)
	c.logger.Info("connected to Redis")
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	c.connected.Store(false)
	return c.rdb.Close()
}

// IsConnected returns true if the client is connected to Redis.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Ping checks Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.rdb.Ping(ctx).Err()
}

// Key returns a prefixed key.
func (c *Client) Key(parts ...string) string {
	key := c.keyPrefix
	for _, part := range parts {
		key += part
	}
	return key
}

// Incr atomically increments a key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if !c.connected.Load() {
		return 0, ErrNotConnected
	}
	return c.rdb.Incr(ctx, c.Key(key)).Result()
}

// HGetAll retrieves all fields from a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	return c.rdb.HGetAll(ctx, c.Key(key)).Result()
}

// HGet retrieves a single field from a hash.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	if !c.connected.Load() {
		return "", ErrNotConnected
	}
	return c.rdb.HGet(ctx, c.Key(key), field).Result()
}

// HSet sets a field in a hash.
func (c *Client) HSet(ctx context.Context, key string, values ...interface{}) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.rdb.HSet(ctx, c.Key(key), values...).Err()
}

// HDel removes fields from a hash and returns how many existed.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if !c.connected.Load() {
		return 0, ErrNotConnected
	}
	return c.rdb.HDel(ctx, c.Key(key), fields...).Result()
}

// Watch executes a function within a Redis transaction with optimistic locking.
func (c *Client) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	prefixedKeys := make([]string, len(keys))
	for i, k := range keys {
		prefixedKeys[i] = c.Key(k)
	}
	return c.rdb.Watch(ctx, fn, prefixedKeys...)
}

// TxPipelined executes commands in a transaction pipeline.
func (c *Client) TxPipelined(ctx context.Context, tx *redis.Tx, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	return tx.TxPipelined(ctx, fn)
}

// updateRecordCache replaces the in-memory record snapshot.
func (c *Client) updateRecordCache(records map[string]AccountRecord) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.recordCache = records
	c.cacheUpdated = time.Now()
}

// cachedRecords returns the last record snapshot and when it was taken.
func (c *Client) cachedRecords() (map[string]AccountRecord, time.Time) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.recordCache, c.cacheUpdated
}
