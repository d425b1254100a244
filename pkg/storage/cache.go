package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
)

// Client is the subset of the go-redis API used here; *redis.Client
// satisfies it.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

var ErrCacheMiss = errors.New("cache miss")

const keyPrefix = "trialquality"

// MetricsCache keeps the latest metrics snapshot of each site so dashboards
// and the insight collaborator can read them without touching Postgres.
type MetricsCache struct {
	client Client
	ttl    time.Duration
}

func NewMetricsCache(client Client, ttl time.Duration) *MetricsCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MetricsCache{client: client, ttl: ttl}
}

func siteMetricsKey(siteID uuid.UUID) string {
	return fmt.Sprintf("%s:site-metrics:%s", keyPrefix, siteID)
}

func (c *MetricsCache) PutSiteMetrics(ctx context.Context, metrics models.SiteMetrics) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	key := siteMetricsKey(metrics.SiteID)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching site metrics: %w", err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"key":  key,
		"size": len(data),
	}).Debug("Cached site metrics")
	return nil
}

// GetSiteMetrics returns ErrCacheMiss when no snapshot is cached.
func (c *MetricsCache) GetSiteMetrics(ctx context.Context, siteID uuid.UUID) (models.SiteMetrics, error) {
	var metrics models.SiteMetrics
	data, err := c.client.Get(ctx, siteMetricsKey(siteID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return metrics, ErrCacheMiss
	}
	if err != nil {
		return metrics, fmt.Errorf("reading site metrics: %w", err)
	}
	if err := json.Unmarshal(data, &metrics); err != nil {
		return metrics, fmt.Errorf("decoding site metrics: %w", err)
	}
	return metrics, nil
}

func (c *MetricsCache) Invalidate(ctx context.Context, siteID uuid.UUID) error {
	return c.client.Del(ctx, siteMetricsKey(siteID)).Err()
}
