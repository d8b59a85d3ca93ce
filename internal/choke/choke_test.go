package choke

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickPicksTopMeritAsRegular(t *testing.T) {
	c := New(4)
	now := time.Now()
	candidates := []Candidate{
		{ID: "a", Interested: true, BytesDownloaded: 100, ConnectedAt: now.Add(-time.Hour)},
		{ID: "b", Interested: true, BytesDownloaded: 300, ConnectedAt: now.Add(-time.Hour)},
		{ID: "c", Interested: true, BytesDownloaded: 50, ConnectedAt: now.Add(-time.Hour)},
		{ID: "d", Interested: false, BytesDownloaded: 1000, ConnectedAt: now.Add(-time.Hour)},
	}
	decisions := c.Tick(now, candidates, false)

	byID := map[string]Decision{}
	for _, d := range decisions {
		byID[d.ID] = d
	}
	assert.True(t, byID["b"].Unchoke)
	assert.True(t, byID["a"].Unchoke)
	assert.False(t, byID["d"].Unchoke, "not-interested peer never unchoked")
}

func TestOptimisticSlotPersistsAcrossTicks(t *testing.T) {
	c := New(2)
	now := time.Now()
	candidates := []Candidate{
		{ID: "a", Interested: true, BytesDownloaded: 100, ConnectedAt: now},
		{ID: "b", Interested: true, BytesDownloaded: 50, ConnectedAt: now},
	}
	first := c.Tick(now, candidates, true)
	var optimistic string
	for _, d := range first {
		if d.Optimistic {
			optimistic = d.ID
		}
	}
	require.NotEmpty(t, optimistic)

	second := c.Tick(now.Add(5*time.Second), candidates, false)
	var stillOptimistic string
	for _, d := range second {
		if d.Optimistic {
			stillOptimistic = d.ID
		}
	}
	assert.Equal(t, optimistic, stillOptimistic)
}

func TestInvariantAtMostMaxUploadSlotsUnchoked(t *testing.T) {
	c := New(4)
	now := time.Now()
	var candidates []Candidate
	for i := 0; i < 10; i++ {
		candidates = append(candidates, Candidate{
			ID: string(rune('a' + i)), Interested: true,
			BytesDownloaded: int64(i), ConnectedAt: now.Add(-time.Hour),
		})
	}
	decisions := c.Tick(now, candidates, true)
	n := 0
	for _, d := range decisions {
		if d.Unchoke {
			n++
		}
	}
	assert.LessOrEqual(t, n, 4)
}

func TestSeedingRanksByUpload(t *testing.T) {
	c := New(2)
	c.Seeding = true
	now := time.Now()
	candidates := []Candidate{
		{ID: "a", Interested: true, BytesUploaded: 500, ConnectedAt: now},
		{ID: "b", Interested: true, BytesUploaded: 10, ConnectedAt: now},
	}
	decisions := c.Tick(now, candidates, false)
	for _, d := range decisions {
		if d.ID == "a" {
			assert.True(t, d.Unchoke)
		}
	}
}
