package abtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Store persists tests and their counters.
type Store interface {
	GetTest(ctx context.Context, tenant domain.TenantID, id string) (*domain.ABTest, error)
	// ListRunningTests returns running tests of every tenant.
	ListRunningTests(ctx context.Context) ([]domain.ABTest, error)
	StartTest(ctx context.Context, tenant domain.TenantID, id string, now time.Time) error
	// DeclareWinner completes a running test. It returns domain.ErrConflict
	// when the test is no longer running.
	DeclareWinner(ctx context.Context, tenant domain.TenantID, id, winner string, significant bool, now time.Time) error
	IncrementVariant(ctx context.Context, tenant domain.TenantID, id, variant string, metric domain.VariantMetric, n int64) error
}

// Counters is a fast increment path whose totals are added on top of the
// counters the Store returns.
type Counters interface {
	Incr(ctx context.Context, tenant domain.TenantID, testID, variant string, metric domain.VariantMetric, n int64) error
	// Snapshot returns variant -> metric -> count.
	Snapshot(ctx context.Context, tenant domain.TenantID, testID string) (map[string]map[domain.VariantMetric]int64, error)
}

// =============================================================================
// Redis hash counters
// =============================================================================
// One hash per test; fields are "<variant>:<metric>".

// RedisCounters keeps variant counters in Redis with HINCRBY.
type RedisCounters struct {
	client *redis.Client
	prefix string
}

func NewRedisCounters(client *redis.Client, prefix string) *RedisCounters {
	if prefix == "" {
		prefix = "abtest"
	}
	return &RedisCounters{client: client, prefix: prefix}
}

func (c *RedisCounters) key(tenant domain.TenantID, testID string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, tenant, testID)
}

func (c *RedisCounters) Incr(ctx context.Context, tenant domain.TenantID, testID, variant string, metric domain.VariantMetric, n int64) error {
	return c.client.HIncrBy(ctx, c.key(tenant, testID), variant+":"+string(metric), n).Err()
}

func (c *RedisCounters) Snapshot(ctx context.Context, tenant domain.TenantID, testID string) (map[string]map[domain.VariantMetric]int64, error) {
	raw, err := c.client.HGetAll(ctx, c.key(tenant, testID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[domain.VariantMetric]int64)
	for field, val := range raw {
		variant, metric, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		if out[variant] == nil {
			out[variant] = make(map[domain.VariantMetric]int64)
		}
		out[variant][domain.VariantMetric(metric)] = n
	}
	return out, nil
}

// overlay adds snapshot counts onto t's variants.
func overlay(t *domain.ABTest, snap map[string]map[domain.VariantMetric]int64) {
	for i := range t.Variants {
		for m, n := range snap[t.Variants[i].Name] {
			t.Variants[i].Add(m, n)
		}
	}
}
