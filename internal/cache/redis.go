// Package cache holds the Redis-backed helpers: message de-duplication for
// the worker and idempotent response replay for the API.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect builds a client from a redis:// URL or a bare host:port and checks
// it with PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	redisURL = strings.TrimSpace(redisURL)
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Deduper remembers message ids that reached a final outcome so
// redeliveries within the TTL are skipped.
type Deduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDeduper(rdb *redis.Client, prefix string, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Seen reports whether id was already marked done.
func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", id, err)
	}
	return n > 0, nil
}

// Mark records id as done for the TTL.
func (d *Deduper) Mark(ctx context.Context, id string) error {
	if err := d.rdb.Set(ctx, d.prefix+id, time.Now().UTC().Format(time.RFC3339), d.ttl).Err(); err != nil {
		return fmt.Errorf("mark %s: %w", id, err)
	}
	return nil
}

// Responses stores response bodies under client-supplied idempotency keys.
type Responses struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewResponses(rdb *redis.Client, prefix string, ttl time.Duration) *Responses {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Responses{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Responses) Load(ctx context.Context, key string) ([]byte, bool, error) {
	body, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load response %s: %w", key, err)
	}
	return body, true, nil
}

func (r *Responses) Store(ctx context.Context, key string, body []byte) error {
	if err := r.rdb.Set(ctx, r.prefix+key, body, r.ttl).Err(); err != nil {
		return fmt.Errorf("store response %s: %w", key, err)
	}
	return nil
}
