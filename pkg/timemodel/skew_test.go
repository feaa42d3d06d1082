package timemodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lifelogpipe/pkg/store"
)

func TestEstimateUnknownWithNoSamples(t *testing.T) {
	tr := NewSkewTracker()
	est := tr.Estimate("c1")
	require.Equal(t, 0, est.N)
	require.Equal(t, store.TimeQualityUnknown, est.Quality())
}

func TestEstimateMedianOffsetNarrowIsGood(t *testing.T) {
	tr := NewSkewTracker()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		tr.Observe("c1", base, base.Add(500*time.Millisecond))
	}
	est := tr.Estimate("c1")
	require.Equal(t, 5, est.N)
	require.Equal(t, 500*time.Millisecond, est.Offset)
	require.Equal(t, store.TimeQualityGood, est.Quality())
}

func TestEstimateWideSpreadIsDegraded(t *testing.T) {
	tr := NewSkewTracker()
	base := time.Now().UTC()
	offsets := []time.Duration{0, 300 * time.Millisecond, 600 * time.Millisecond, 900 * time.Millisecond}
	for _, off := range offsets {
		tr.Observe("c1", base, base.Add(off))
	}
	est := tr.Estimate("c1")
	require.Equal(t, store.TimeQualityDegraded, est.Quality())
}

func TestObserveEvictsOldestBeyondWindow(t *testing.T) {
	tr := NewSkewTracker()
	base := time.Now().UTC()
	for i := 0; i < MaxSkewSamples+10; i++ {
		tr.Observe("c1", base, base.Add(time.Duration(i)*time.Millisecond))
	}
	tr.mu.RLock()
	n := len(tr.samples["c1"])
	tr.mu.RUnlock()
	require.Equal(t, MaxSkewSamples, n)
}

func TestCanonicalizeAppliesOffset(t *testing.T) {
	tr := NewSkewTracker()
	base := time.Now().UTC()
	tr.Observe("c1", base, base.Add(2*time.Second))

	device := base
	canon, quality := Canonicalize("c1", device, tr)
	require.Equal(t, store.TimeQualityGood, quality)
	require.WithinDuration(t, device.Add(2*time.Second), canon, time.Millisecond)
}
