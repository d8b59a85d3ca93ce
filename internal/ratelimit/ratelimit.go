// Package ratelimit wraps the engine's shared rate buckets (global
// upload/download caps) and the retry/backoff policy used for tracker
// announces, DHT lookups, and outbound connect attempts.
package ratelimit

import (
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
)

// Buckets holds the shared, swarm-wide token buckets. A torrent's
// per-peer writer still applies its own limiter (see peerwriter); these
// are consulted first so one torrent can't starve the rest of the
// swarm's bandwidth budget.
type Buckets struct {
	Upload   *rate.Limiter
	Download *rate.Limiter
}

// NewBuckets builds Buckets from bytes/sec caps; 0 means unlimited
// (rate.Inf, matching golang.org/x/time/rate's convention).
func NewBuckets(uploadBytesPerSec, downloadBytesPerSec int64) *Buckets {
	return &Buckets{
		Upload:   newLimiter(uploadBytesPerSec),
		Download: newLimiter(downloadBytesPerSec),
	}
}

func newLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(bytesPerSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// NewBackoff returns the engine's standard exponential backoff policy
// for a single retryable endpoint (one tracker URL, one DHT lookup, one
// outbound dial target). Each endpoint gets its own instance so one
// flaky tracker doesn't throttle retries against a healthy one.
func NewBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0 // retry indefinitely; caller decides when to give up
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}
