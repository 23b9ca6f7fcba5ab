// Copyright 2025 CostPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package costdata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"costpilot/core/shared/logger"
)

// DefaultStaleTTL bounds how old a cached result may get before the
// fallback path stops serving it
const DefaultStaleTTL = 24 * time.Hour

// CachedProvider wraps a live Provider with a Redis write-through
// cache. Every successful fetch refreshes the cache; Stale serves the
// last good result when the live path is down, marked as stale.
type CachedProvider struct {
	live     Provider
	redis    *redis.Client
	staleTTL time.Duration
	logger   *logger.Logger
}

// NewCachedProvider wraps live with a Redis cache. redisURL uses the
// redis:// scheme; staleTTL <= 0 falls back to DefaultStaleTTL.
func NewCachedProvider(live Provider, redisURL string, staleTTL time.Duration) (*CachedProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	return &CachedProvider{
		live:     live,
		redis:    client,
		staleTTL: staleTTL,
		logger:   logger.New("costdata-cache"),
	}, nil
}

// Name returns the wrapped provider's name
func (c *CachedProvider) Name() string { return c.live.Name() }

// Close releases the Redis connection pool
func (c *CachedProvider) Close() error { return c.redis.Close() }

// Fetch queries the live provider and refreshes the cached copy. A
// cache write failure is logged and swallowed; the live result still
// goes back to the caller.
func (c *CachedProvider) Fetch(ctx context.Context, q Query) (*ResultSet, error) {
	result, err := c.live.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		if setErr := c.redis.Set(ctx, cacheKey(q), payload, c.staleTTL).Err(); setErr != nil {
			c.logger.Warn("", "cost data cache write failed", map[string]interface{}{"error": setErr.Error()})
		}
	}
	return result, nil
}

// Stale returns the last good result for q, or an error when nothing
// usable is cached
func (c *CachedProvider) Stale(ctx context.Context, q Query) (*ResultSet, error) {
	payload, err := c.redis.Get(ctx, cacheKey(q)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no cached cost data for account %s", q.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("cost data cache read failed: %w", err)
	}

	var result ResultSet
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("corrupt cached cost data: %w", err)
	}
	result.Stale = true
	return &result, nil
}

// cacheKey derives a stable Redis key from the query shape. The
// window is truncated to the query granularity first, so the same
// logical window issued moments apart (a rolling "last 30 days"
// carries a fresh timestamp on every request) maps to one key and the
// stale path can find what an earlier fetch wrote.
func cacheKey(q Query) string {
	step := granularityStep(q.Granularity)
	q.WindowStart = q.WindowStart.UTC().Truncate(step)
	q.WindowEnd = q.WindowEnd.UTC().Truncate(step)
	raw, _ := json.Marshal(q)
	sum := sha256.Sum256(raw)
	return "costdata:query:" + hex.EncodeToString(sum[:8])
}

func granularityStep(granularity string) time.Duration {
	if granularity == "hourly" {
		return time.Hour
	}
	return 24 * time.Hour
}
