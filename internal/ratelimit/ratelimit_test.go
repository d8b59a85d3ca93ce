package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestNewBucketsUnlimitedWhenZero(t *testing.T) {
	b := NewBuckets(0, 0)
	assert.Equal(t, rate.Inf, b.Upload.Limit())
	assert.Equal(t, rate.Inf, b.Download.Limit())
}

func TestNewBucketsAppliesConfiguredCap(t *testing.T) {
	b := NewBuckets(1024, 2048)
	assert.Equal(t, rate.Limit(1024), b.Upload.Limit())
	assert.Equal(t, rate.Limit(2048), b.Download.Limit())
}

func TestNewBackoffDefaults(t *testing.T) {
	b := NewBackoff()
	assert.Equal(t, float64(0), float64(b.MaxElapsedTime))
	first := b.NextBackOff()
	assert.Greater(t, first, time.Duration(0))
}
