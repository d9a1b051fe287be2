package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "spotprice:cache"

// RedisOptions configures the Redis mirror.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisMirror stores entries as JSON strings under prefix:region:currency.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror connects and pings the server.
func NewRedisMirror(ctx context.Context, opts RedisOptions) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	return newRedisMirror(client, opts), nil
}

func newRedisMirror(client *redis.Client, opts RedisOptions) *RedisMirror {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

// KeyOf returns the Redis key an entry is stored under.
func (m *RedisMirror) KeyOf(k Key) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, k.Region, k.Currency)
}

// Save implements Mirror.
func (m *RedisMirror) Save(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := m.client.Set(ctx, m.KeyOf(entry.Key), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", m.KeyOf(entry.Key), err)
	}
	return nil
}

// Load implements Mirror.
func (m *RedisMirror) Load(ctx context.Context) ([]Entry, error) {
	keys, err := m.scan(ctx, m.prefix+":*")
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		data, err := m.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete implements Mirror.
func (m *RedisMirror) Delete(ctx context.Context, region string) error {
	keys, err := m.scan(ctx, fmt.Sprintf("%s:%s:*", m.prefix, region))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %d keys: %w", len(keys), err)
	}
	return nil
}

// TTLs reports the remaining Redis expiry per mirrored key.
func (m *RedisMirror) TTLs(ctx context.Context) (map[string]time.Duration, error) {
	keys, err := m.scan(ctx, m.prefix+":*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Duration, len(keys))
	for _, key := range keys {
		d, err := m.client.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("ttl %s: %w", key, err)
		}
		out[key] = d
	}
	return out, nil
}

func (m *RedisMirror) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

var _ Mirror = (*RedisMirror)(nil)
