// Package choke implements the per-torrent choking controller: ranks
// interested peers by recent transfer merit, picks regular unchoke
// slots, and rotates one optimistic slot independently on a longer
// interval.
package choke

import (
	"math/rand"
	"sort"
	"time"
)

// Candidate is the subset of peer state the ranking needs. The caller
// (the torrent session) supplies one per currently connected, interested
// peer.
type Candidate struct {
	ID               string
	Interested       bool
	BytesDownloaded  int64 // in the current choke-period window
	BytesUploaded    int64 // in the current choke-period window
	ConnectedAt      time.Time
	CurrentlyUnchoked bool
}

// Decision is the controller's verdict for one candidate.
type Decision struct {
	ID          string
	Unchoke     bool
	Optimistic  bool
}

// Controller tracks the single persistent optimistic slot across
// regular unchoke ticks.
type Controller struct {
	MaxUploadSlots int
	Seeding        bool // ranks by upload merit instead of download merit once true

	optimisticID       string
	optimisticDeadline time.Time
	rng                *rand.Rand
}

// New returns a Controller with maxUploadSlots regular+optimistic slots
// total (spec default 4).
func New(maxUploadSlots int) *Controller {
	return &Controller{
		MaxUploadSlots: maxUploadSlots,
		rng:            rand.New(rand.NewSource(1)),
	}
}

// Tick runs one regular-unchoke round. rollOptimistic tells
// the controller whether this tick should also roll a new optimistic
// pick (the caller drives both timers; this just reacts).
func (c *Controller) Tick(now time.Time, candidates []Candidate, rollOptimistic bool) []Decision {
	interested := make([]Candidate, 0, len(candidates))
	byID := make(map[string]Candidate, len(candidates))
	for _, cand := range candidates {
		byID[cand.ID] = cand
		if cand.Interested {
			interested = append(interested, cand)
		}
	}

	if rollOptimistic || (c.optimisticID != "" && !candidateStillPresent(c.optimisticID, candidates)) {
		c.rollOptimistic(now, interested)
	}

	regularSlots := c.MaxUploadSlots - 1
	if regularSlots < 0 {
		regularSlots = 0
	}

	sort.SliceStable(interested, func(i, j int) bool {
		return c.meritOf(interested[i]) > c.meritOf(interested[j])
	})

	unchoked := make(map[string]bool, regularSlots+1)
	count := 0
	for _, cand := range interested {
		if cand.ID == c.optimisticID {
			continue // optimistic slot is separate from the regular ranking
		}
		if count >= regularSlots {
			break
		}
		unchoked[cand.ID] = true
		count++
	}
	if c.optimisticID != "" {
		unchoked[c.optimisticID] = true
	}

	decisions := make([]Decision, 0, len(candidates))
	for _, cand := range candidates {
		decisions = append(decisions, Decision{
			ID:         cand.ID,
			Unchoke:    unchoked[cand.ID],
			Optimistic: cand.ID == c.optimisticID,
		})
	}
	return decisions
}

func (c *Controller) meritOf(cand Candidate) int64 {
	if c.Seeding {
		return cand.BytesUploaded
	}
	return cand.BytesDownloaded
}

// rollOptimistic weights recently-connected peers 3x, per spec §4.6.
func (c *Controller) rollOptimistic(now time.Time, interested []Candidate) {
	pool := make([]Candidate, 0, len(interested))
	for _, cand := range interested {
		weight := 1
		if now.Sub(cand.ConnectedAt) < 1*time.Minute {
			weight = 3
		}
		for i := 0; i < weight; i++ {
			pool = append(pool, cand)
		}
	}
	if len(pool) == 0 {
		c.optimisticID = ""
		return
	}
	c.optimisticID = pool[c.rng.Intn(len(pool))].ID
}

func candidateStillPresent(id string, candidates []Candidate) bool {
	for _, cand := range candidates {
		if cand.ID == id {
			return true
		}
	}
	return false
}
