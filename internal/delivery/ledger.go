package delivery

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/domain"
)

// =============================================================================
// In-memory ledger
// =============================================================================

type window struct {
	day, month string
	sentDay    int
	sentMonth  int
}

// MemoryLedger is a process-local QuotaLedger. A provider's counters are
// seeded from its stored usage the first time it is seen.
type MemoryLedger struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{windows: make(map[string]*window)}
}

func ledgerKey(p *domain.Provider) string { return string(p.TenantID) + "/" + p.ID }

// current returns the provider's window rolled forward to now. Callers hold mu.
func (l *MemoryLedger) current(p *domain.Provider, now time.Time) *window {
	day, month := domain.DayKey(now), domain.MonthKey(now)
	w, ok := l.windows[ledgerKey(p)]
	if !ok {
		d, m := p.UsageAt(now)
		w = &window{day: day, month: month, sentDay: d, sentMonth: m}
		l.windows[ledgerKey(p)] = w
	}
	if w.day != day {
		w.day, w.sentDay = day, 0
	}
	if w.month != month {
		w.month, w.sentMonth = month, 0
	}
	return w
}

func (l *MemoryLedger) Reserve(_ context.Context, p *domain.Provider, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(p, now)
	if !domain.QuotaAllows(p.DailyLimit, w.sentDay) || !domain.QuotaAllows(p.MonthlyLimit, w.sentMonth) {
		return false, nil
	}
	w.sentDay++
	w.sentMonth++
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, p *domain.Provider, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(p, now)
	if w.sentDay > 0 {
		w.sentDay--
	}
	if w.sentMonth > 0 {
		w.sentMonth--
	}
	return nil
}

func (l *MemoryLedger) Usage(_ context.Context, p *domain.Provider, now time.Time) (Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(p, now)
	return Usage{Day: w.sentDay, Month: w.sentMonth}, nil
}

// =============================================================================
// Redis ledger
// =============================================================================

// reserveScript increments both window keys only if neither is at its limit.
// KEYS: day key, month key. ARGV: daily limit, monthly limit, day TTL, month TTL.
var reserveScript = redis.NewScript(`
local d = tonumber(redis.call("GET", KEYS[1]) or "0")
local m = tonumber(redis.call("GET", KEYS[2]) or "0")
local dl = tonumber(ARGV[1])
local ml = tonumber(ARGV[2])
if (dl > 0 and d >= dl) or (ml > 0 and m >= ml) then
	return 0
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[3])
redis.call("INCR", KEYS[2])
redis.call("EXPIRE", KEYS[2], ARGV[4])
return 1
`)

var releaseScript = redis.NewScript(`
for i = 1, 2 do
	local v = tonumber(redis.call("GET", KEYS[i]) or "0")
	if v > 0 then
		redis.call("DECR", KEYS[i])
	end
end
return 1
`)

const (
	dayKeyTTL   = 48 * time.Hour
	monthKeyTTL = 32 * 24 * time.Hour
)

// RedisLedger shares quota counters across engine instances. Keys are
// scoped by window so a new day or month starts from zero.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "quota"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) keys(p *domain.Provider, now time.Time) []string {
	base := fmt.Sprintf("%s:%s:%s", l.prefix, p.TenantID, p.ID)
	return []string{base + ":d:" + domain.DayKey(now), base + ":m:" + domain.MonthKey(now)}
}

func (l *RedisLedger) Reserve(ctx context.Context, p *domain.Provider, now time.Time) (bool, error) {
	n, err := reserveScript.Run(ctx, l.client, l.keys(p, now),
		p.DailyLimit, p.MonthlyLimit, int(dayKeyTTL.Seconds()), int(monthKeyTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("quota reserve: %w", err)
	}
	return n == 1, nil
}

func (l *RedisLedger) Release(ctx context.Context, p *domain.Provider, now time.Time) error {
	if err := releaseScript.Run(ctx, l.client, l.keys(p, now)).Err(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

func (l *RedisLedger) Usage(ctx context.Context, p *domain.Provider, now time.Time) (Usage, error) {
	vals, err := l.client.MGet(ctx, l.keys(p, now)...).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("quota usage: %w", err)
	}
	atoi := func(v any) int {
		s, _ := v.(string)
		n, _ := strconv.Atoi(s)
		return n
	}
	return Usage{Day: atoi(vals[0]), Month: atoi(vals[1])}, nil
}
