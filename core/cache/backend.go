// Package cache holds the record cache used by the executor. Results are
// cached per lookup, and tables marked for preloading are additionally
// cached whole so simple lookups can be answered in memory.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/orb-framework/orb-sub003/core/config"
	"github.com/orb-framework/orb-sub003/core/schema"
)

// Backend stores row sets under string keys. Implementations must be safe for
// concurrent use and must return rows the caller may modify.
type Backend interface {
	Get(ctx context.Context, key string) ([]schema.Document, bool, error)
	// Set stores rows for ttl; a zero ttl never expires.
	Set(ctx context.Context, key string, rows []schema.Document, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// NewBackend builds the backend named by cfg.Backend. The "none" backend
// returns nil, which disables caching.
func NewBackend(ctx context.Context, cfg config.Cache) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(cfg.Capacity)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisBackend(client), nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

func cloneRows(rows []schema.Document) []schema.Document {
	if rows == nil {
		return nil
	}
	out := make([]schema.Document, len(rows))
	for i, row := range rows {
		doc := make(schema.Document, len(row))
		for k, v := range row {
			doc[k] = v
		}
		out[i] = doc
	}
	return out
}
