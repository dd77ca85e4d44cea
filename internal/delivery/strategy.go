package delivery

import (
	"sort"

	"github.com/ignite/campaign-engine/internal/domain"
)

// candidate is a provider with its live usage.
type candidate struct {
	p     domain.Provider
	usage Usage
}

func (c candidate) usable() bool { return c.p.Active && c.p.Verified }

func (c candidate) eligible() bool {
	return c.usable() &&
		domain.QuotaAllows(c.p.DailyLimit, c.usage.Day) &&
		domain.QuotaAllows(c.p.MonthlyLimit, c.usage.Month)
}

func byPriority(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].p.Priority != cs[j].p.Priority {
			return cs[i].p.Priority < cs[j].p.Priority
		}
		return cs[i].p.ID < cs[j].p.ID
	})
}

func filter(cs []candidate, keep func(candidate) bool) []candidate {
	out := make([]candidate, 0, len(cs))
	for _, c := range cs {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// attemptOrder returns the providers to try, in order. Ineligible providers
// never appear. An unknown strategy falls back to priority order.
func attemptOrder(strategy domain.Strategy, cs []candidate) []candidate {
	eligible := filter(cs, candidate.eligible)
	byPriority(eligible)

	switch strategy {
	case domain.StrategyRoundRobin:
		if len(eligible) < 2 {
			return eligible
		}
		first := 0
		for i := 1; i < len(eligible); i++ {
			// eligible is already in priority order, so strict < keeps the
			// priority/ID tie-break.
			if eligible[i].usage.Day < eligible[first].usage.Day {
				first = i
			}
		}
		out := make([]candidate, 0, len(eligible))
		out = append(out, eligible[first])
		out = append(out, eligible[:first]...)
		return append(out, eligible[first+1:]...)

	case domain.StrategyFailover:
		usable := filter(cs, candidate.usable)
		if len(usable) == 0 {
			return nil
		}
		byPriority(usable)
		primary := usable[0].p.ID
		out := make([]candidate, 0, len(eligible))
		for _, c := range eligible {
			if c.p.ID == primary {
				out = append(out, c)
			}
		}
		for _, c := range eligible {
			if c.p.ID != primary {
				out = append(out, c)
			}
		}
		return out
	}
	return eligible
}
