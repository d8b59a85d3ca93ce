package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQualityScoreRewardsThroughputAndSource(t *testing.T) {
	now := time.Now()
	idle := &Peer{Source: SourceDHT, ConnectedAt: now, started: now.Add(-time.Second)}
	busy := &Peer{Source: SourceTracker, ConnectedAt: now, started: now.Add(-time.Second), BytesDownloaded: 2 * 1024 * 1024}

	idleScore := idle.QualityScore(now)
	busyScore := busy.QualityScore(now)

	assert.Greater(t, busyScore, idleScore)
	assert.GreaterOrEqual(t, idleScore, 0.0)
	assert.LessOrEqual(t, busyScore, 1.0)
}

func TestQualityScorePenalizesViolations(t *testing.T) {
	now := time.Now()
	clean := &Peer{Source: SourceTracker, ConnectedAt: now, started: now.Add(-time.Second)}
	bad := &Peer{Source: SourceTracker, ConnectedAt: now, started: now.Add(-time.Second), ViolationCount: 3}

	assert.Greater(t, clean.QualityScore(now), bad.QualityScore(now))
}

func TestQualityScoreDecaysWithAge(t *testing.T) {
	now := time.Now()
	fresh := &Peer{Source: SourceTracker, ConnectedAt: now, started: now.Add(-time.Second), BytesDownloaded: 4 * 1024 * 1024}
	stale := &Peer{Source: SourceTracker, ConnectedAt: now.Add(-2 * time.Hour), started: now.Add(-2 * time.Hour), BytesDownloaded: 4 * 1024 * 1024}

	freshScore := fresh.QualityScore(now)
	staleScore := stale.QualityScore(now)
	assert.Greater(t, freshScore-0.5, staleScore-0.5)
}
