package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func at(h int) *time.Time {
	t := base.Add(time.Duration(h) * time.Hour)
	return &t
}

func TestEngagementScore(t *testing.T) {
	tests := []struct {
		name                                 string
		total, opened, clicked, recentOpened int
		want                                 float64
	}{
		{name: "no history", want: 0},
		{name: "one opened send", total: 1, opened: 1, recentOpened: 1, want: 60},
		{name: "opened and clicked", total: 1, opened: 1, clicked: 1, recentOpened: 1, want: 100},
		{name: "nothing opened", total: 8, want: 0},
		{name: "older opens only", total: 10, opened: 5, want: 20},
		{name: "mixed", total: 4, opened: 2, clicked: 1, recentOpened: 2, want: 40},
		{name: "rounds down", total: 3, opened: 1, clicked: 1, recentOpened: 1, want: 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EngagementScore(tt.total, tt.opened, tt.clicked, tt.recentOpened))
		})
	}
}

func TestSummarizeEngagement(t *testing.T) {
	records := []DeliveryRecord{
		{ID: "a", CampaignID: "c1", QueuedAt: *at(0), SentAt: at(0), OpenedAt: at(1), LastOpenedAt: at(30)},
		{ID: "b", CampaignID: "c2", QueuedAt: *at(24), SentAt: at(24), OpenedAt: at(25), ClickedAt: at(26)},
		{ID: "c", QueuedAt: *at(48)},
		{ID: "d", CampaignID: "c3", QueuedAt: *at(72), SentAt: at(72)},
	}

	e := SummarizeEngagement(records)
	require.NotNil(t, e.LastOpenedAt)
	assert.Equal(t, *at(30), *e.LastOpenedAt)
	require.NotNil(t, e.LastClickedAt)
	assert.Equal(t, *at(26), *e.LastClickedAt)
	// (40*2*4 + 40*1*4 + 20*2*4) / (4*4)
	assert.Equal(t, float64(40), e.Score)

	require.Len(t, e.RecentCampaigns, 3)
	assert.Equal(t, "c3", e.RecentCampaigns[0].CampaignID)
	assert.Equal(t, CampaignEngagement{CampaignID: "c2", SentAt: *at(24), Opened: true, Clicked: true}, e.RecentCampaigns[1])
	assert.Equal(t, "c1", e.RecentCampaigns[2].CampaignID)
}

func TestSummarizeEngagementRecencyWindow(t *testing.T) {
	var records []DeliveryRecord
	for i := range 7 {
		r := DeliveryRecord{ID: string(rune('a' + i)), QueuedAt: *at(i)}
		if i < 2 {
			r.OpenedAt = at(i)
		}
		records = append(records, r)
	}

	e := SummarizeEngagement(records)
	// Both opens fall outside the latest five sends.
	// (40*2*5 + 0 + 0) / (7*5)
	assert.Equal(t, float64(11), e.Score)
	assert.Empty(t, e.RecentCampaigns)
}

func TestSummarizeEngagementEmpty(t *testing.T) {
	assert.Equal(t, Engagement{}, SummarizeEngagement(nil))
}
