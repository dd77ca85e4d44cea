package segmentation

import (
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// PresetRange resolves a relative date preset to the half-open interval
// [start, end) around now, interpreted in loc.
func PresetRange(preset domain.DatePreset, now time.Time, loc *time.Location) (start, end time.Time, err error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)

	switch preset {
	case domain.PresetToday:
		return midnight, midnight.AddDate(0, 0, 1), nil
	case domain.PresetYesterday:
		return midnight.AddDate(0, 0, -1), midnight, nil
	case domain.PresetLast7Days:
		return now.AddDate(0, 0, -7), now, nil
	case domain.PresetLast30Days:
		return now.AddDate(0, 0, -30), now, nil
	case domain.PresetLast90Days:
		return now.AddDate(0, 0, -90), now, nil
	case domain.PresetThisMonth:
		return firstOfMonth, firstOfMonth.AddDate(0, 1, 0), nil
	case domain.PresetLastMonth:
		return firstOfMonth.AddDate(0, -1, 0), firstOfMonth, nil
	case domain.PresetThisYear:
		jan1 := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return jan1, jan1.AddDate(1, 0, 0), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unknown date preset %q", preset)
}
