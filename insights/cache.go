package insights

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

const (
	DefaultDays = 7
	// MaxScopes bounds how many scopes keep a snapshot. The least recently
	// read scope is dropped first and recomputed on its next read.
	MaxScopes = 256
)

// Cache serves the last computed rollup per scope. Rollups are recomputed
// by RefreshLoop; a scope seen for the first time is computed on demand.
type Cache struct {
	agg    *Aggregator
	clock  clock.Clock
	days   int
	logger *slog.Logger

	group   singleflight.Group
	entries *lru.Cache[string, *models.SecurityInsights]
}

func NewCache(agg *Aggregator, clk clock.Clock, days int, logger *slog.Logger) *Cache {
	if days <= 0 {
		days = DefaultDays
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	entries, _ := lru.New[string, *models.SecurityInsights](MaxScopes)
	return &Cache{
		agg:     agg,
		clock:   clk,
		days:    days,
		logger:  logger,
		entries: entries,
	}
}

func (c *Cache) Get(ctx context.Context, scope string) (*models.SecurityInsights, error) {
	if cached, ok := c.entries.Get(scope); ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(scope, func() (any, error) {
		return c.compute(ctx, scope)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SecurityInsights), nil
}

func (c *Cache) compute(ctx context.Context, scope string) (*models.SecurityInsights, error) {
	now := c.clock.Now()
	since := clock.Day(now).AddDate(0, 0, -(c.days - 1))
	ins, err := c.agg.Compute(ctx, scope, since, now)
	if err != nil {
		return nil, err
	}
	c.entries.Add(scope, ins)
	return ins, nil
}

// Refresh recomputes every cached scope. Failures
// keep the previous snapshot.
func (c *Cache) Refresh(ctx context.Context) {
	for _, s := range c.entries.Keys() {
		if _, err := c.compute(ctx, s); err != nil {
			c.logger.Warn("insights refresh failed", "scope", s, "error", err)
		}
	}
}

func (c *Cache) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}
