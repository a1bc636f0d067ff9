// Package cache provides a read-through group cache invalidated on write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"imhere/internal/model"
)

// Loader fetches a group from the system of record.
type Loader func(ctx context.Context) (model.Group, error)

// Redis caches groups as JSON under imhere:group:<id>. Every invalidation
// bumps imhere:group:<id>:v, and a load only lands in the cache if that
// version did not move while it ran.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// versionTTL outlives any single load by a wide margin.
const versionTTL = 24 * time.Hour

var errStale = errors.New("cache: group invalidated during load")

func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func key(id string) string { return "imhere:group:" + id }
func verKey(id string) string { return key(id) + ":v" }

// Get returns the cached group or loads and stores it. Cache failures are
// logged and fall through to the loader.
func (c *Redis) Get(ctx context.Context, id string, load Loader) (model.Group, error) {
	raw, err := c.client.Get(ctx, key(id)).Bytes()
	switch {
	case err == nil:
		var g model.Group
		if jerr := json.Unmarshal(raw, &g); jerr == nil {
			return g, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "group_id", id)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache read failed", "group_id", id, "error", err)
		return load(ctx)
	}

	// read before loading so an invalidation during the load is noticed
	ver, err := c.client.Get(ctx, verKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("cache version read failed", "group_id", id, "error", err)
		return load(ctx)
	}

	g, err := load(ctx)
	if err != nil {
		return model.Group{}, err
	}
	c.store(ctx, id, ver, g)
	return g, nil
}

func (c *Redis) store(ctx context.Context, id, ver string, g model.Group) {
	raw, err := json.Marshal(g)
	if err != nil {
		return
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, verKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key(id), raw, c.ttl)
			return nil
		})
		return err
	}, verKey(id))
	switch {
	case err == nil:
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("cache write skipped, group changed during load", "group_id", id)
	default:
		c.logger.Warn("cache write failed", "group_id", id, "error", err)
	}
}

// Invalidate drops the cached group and fences off loads already in flight.
func (c *Redis) Invalidate(ctx context.Context, id string) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, verKey(id))
		p.Expire(ctx, verKey(id), versionTTL)
		p.Del(ctx, key(id))
		return nil
	})
	return err
}

// Nop always loads.
type Nop struct{}

func (Nop) Get(ctx context.Context, _ string, load Loader) (model.Group, error) { return load(ctx) }

func (Nop) Invalidate(context.Context, string) error { return nil }
