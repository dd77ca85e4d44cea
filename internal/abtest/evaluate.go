// Package abtest evaluates multivariate experiments and picks winners.
package abtest

import (
	"math"
	"sort"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// zCritical is the two-tailed critical value for p < 0.05.
const zCritical = 1.96

// Outcome is the result class of an evaluation.
type Outcome string

const (
	OutcomeInsufficientData Outcome = "insufficient_data"
	OutcomePending          Outcome = "pending"
	OutcomeWinner           Outcome = "winner"
)

// VariantResult is one variant's standing.
type VariantResult struct {
	Name      string  `json:"name"`
	Sent      int64   `json:"sent"`
	Successes int64   `json:"successes"`
	Rate      float64 `json:"rate"`
}

// Evaluation is the read-only verdict for a test at a point in time.
type Evaluation struct {
	TestID        string           `json:"test_id"`
	Metric        domain.WinMetric `json:"metric"`
	Outcome       Outcome          `json:"outcome"`
	Leader        string           `json:"leader,omitempty"`
	RunnerUp      string           `json:"runner_up,omitempty"`
	Z             float64          `json:"z"`
	IsSignificant bool             `json:"is_significant"`
	TimedOut      bool             `json:"timed_out"`
	Ranked        []VariantResult  `json:"ranked"`
}

// Evaluate ranks the variants that have sends and runs a two-proportion
// z-test between the top two. The leader wins when the difference is
// significant or when HoursToTest has elapsed since the test started.
func Evaluate(t *domain.ABTest, now time.Time) Evaluation {
	ev := Evaluation{TestID: t.ID, Metric: t.WinMetric, Outcome: OutcomeInsufficientData}
	for _, v := range t.Variants {
		if v.Sent <= 0 {
			continue
		}
		ev.Ranked = append(ev.Ranked, VariantResult{
			Name:      v.Name,
			Sent:      v.Sent,
			Successes: v.Successes(t.WinMetric),
			Rate:      v.Rate(t.WinMetric),
		})
	}
	sort.Slice(ev.Ranked, func(i, j int) bool {
		a, b := ev.Ranked[i], ev.Ranked[j]
		if a.Rate != b.Rate {
			return a.Rate > b.Rate
		}
		if a.Sent != b.Sent {
			return a.Sent > b.Sent
		}
		return a.Name < b.Name
	})
	if len(ev.Ranked) < 2 {
		return ev
	}

	top, second := ev.Ranked[0], ev.Ranked[1]
	ev.Leader, ev.RunnerUp = top.Name, second.Name
	ev.Z, ev.IsSignificant = zTest(top.Successes, top.Sent, second.Successes, second.Sent)
	ev.TimedOut = t.HoursToTest > 0 && t.StartedAt != nil &&
		!now.Before(t.StartedAt.Add(time.Duration(t.HoursToTest)*time.Hour))

	if ev.IsSignificant || ev.TimedOut {
		ev.Outcome = OutcomeWinner
	} else {
		ev.Outcome = OutcomePending
	}
	return ev
}

// zTest performs a pooled two-proportion z-test.
func zTest(s1, n1, s2, n2 int64) (float64, bool) {
	if n1 <= 0 || n2 <= 0 {
		return 0, false
	}
	p1 := float64(s1) / float64(n1)
	p2 := float64(s2) / float64(n2)
	pooled := float64(s1+s2) / float64(n1+n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 || math.IsNaN(se) {
		return 0, false
	}
	z := math.Abs(p1-p2) / se
	return z, z > zCritical
}
