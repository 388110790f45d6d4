// Package identity resolves the set of active workers. The directory is owned
// by an external service; this package only reads it.
package identity

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"field-service-dispatch-system/api/internal/models"
	identityclient "field-service-dispatch-system/shared/clients/identity"
	"field-service-dispatch-system/shared/logx"
)

type Directory interface {
	ListActiveWorkers(ctx context.Context) ([]models.Worker, error)
}

// Remote adapts the identity service client.
type Remote struct {
	Client *identityclient.Client
}

func (r Remote) ListActiveWorkers(ctx context.Context) ([]models.Worker, error) {
	ws, err := r.Client.ListActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Worker, 0, len(ws))
	for _, w := range ws {
		out = append(out, models.Worker{WorkerID: w.ID, FirstName: w.FirstName, LastName: w.LastName, Active: w.Active})
	}
	return out, nil
}

type jsonCache interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Cached keeps the worker list in Redis for TTL. Cache failures fall through
// to the source, and concurrent misses share one source call.
type Cached struct {
	Source Directory
	Cache  jsonCache
	TTL    time.Duration
	Logger logx.Logger

	flight singleflight.Group
}

func (c *Cached) ListActiveWorkers(ctx context.Context) ([]models.Worker, error) {
	if c.Cache == nil || c.TTL <= 0 {
		return c.fetch(ctx)
	}
	key := c.Cache.Key("workers", "active")
	var cached []models.Worker
	hit, err := c.Cache.GetJSON(ctx, key, &cached)
	if err != nil {
		c.Logger.Warn(ctx, "worker_cache_read_failed", "worker cache read failed", slog.String("error", err.Error()))
	}
	if hit {
		return cached, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		workers, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Cache.SetJSON(ctx, key, workers, c.TTL); err != nil {
			c.Logger.Warn(ctx, "worker_cache_write_failed", "worker cache write failed", slog.String("error", err.Error()))
		}
		return workers, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Worker), nil
}

// fetch returns active workers sorted by id with duplicates dropped.
func (c *Cached) fetch(ctx context.Context) ([]models.Worker, error) {
	ws, err := c.Source.ListActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ws))
	out := make([]models.Worker, 0, len(ws))
	for _, w := range ws {
		if !w.Active || w.WorkerID == "" {
			continue
		}
		if _, ok := seen[w.WorkerID]; ok {
			continue
		}
		seen[w.WorkerID] = struct{}{}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
