package drip

import (
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// SendWindow returns the earliest instant at or after t that satisfies the
// drip's send window. With SendHour set the time snaps to that hour in the
// drip's timezone, rolling to the next day once the hour has passed. With
// SkipWeekends, Saturday and Sunday roll forward to Monday. An unknown
// timezone is treated as UTC.
func SendWindow(d *domain.DripDefinition, t time.Time) time.Time {
	loc := time.UTC
	if d.Timezone != "" {
		if l, err := time.LoadLocation(d.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	if d.SendHour != nil {
		h := *d.SendHour
		if h < 0 || h > 23 {
			h = 0
		}
		snapped := time.Date(local.Year(), local.Month(), local.Day(), h, 0, 0, 0, loc)
		if snapped.Before(local) {
			snapped = time.Date(local.Year(), local.Month(), local.Day()+1, h, 0, 0, 0, loc)
		}
		local = snapped
	}
	if d.SkipWeekends {
		for local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
			local = time.Date(local.Year(), local.Month(), local.Day()+1, local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), loc)
		}
	}
	return local.UTC()
}

// Backoff returns base*2^(attempts-1), capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
