// Package timemodel implements the per-collector clock skew estimate and
// the time envelope helpers used to compute t_canonical at ingest time
// (spec §4.4). Grounded on original_source/common/lifelog-types's
// SkewSamples/SkewEstimate pair (median of up to 20 device/backend clock
// pairs gathered from CollectorState reports); memory is capped by keeping
// only the newest MaxSkewSamples samples per collector in a plain slice.
package timemodel

import (
	"sort"
	"sync"
	"time"

	"lifelogpipe/pkg/store"
)

// MaxSkewSamples bounds the sliding window of (device_now, backend_now)
// pairs kept per collector.
const MaxSkewSamples = 20

// Sample is one clock-skew observation taken when a collector reports
// its CollectorState: the device's own clock alongside the backend's
// clock at the moment the report was received.
type Sample struct {
	DeviceNow  time.Time
	BackendNow time.Time
}

func (s Sample) offset() time.Duration {
	return s.BackendNow.Sub(s.DeviceNow)
}

// Estimate is the median pairwise offset plus a spread ("width") used to
// classify TimeQuality.
type Estimate struct {
	Offset time.Duration
	Width  time.Duration
	N      int
}

// GoodWidthBound is the configured threshold below which an estimate's
// width counts as Good rather than Degraded (spec §4.4).
const GoodWidthBound = 200 * time.Millisecond

// Quality classifies this estimate per spec §4.4.
func (e Estimate) Quality() store.TimeQuality {
	if e.N == 0 {
		return store.TimeQualityUnknown
	}
	if e.Width <= GoodWidthBound {
		return store.TimeQualityGood
	}
	return store.TimeQualityDegraded
}

// SkewTracker keeps the last MaxSkewSamples samples per collector and
// derives an Estimate on demand. One tracker instance is shared across
// all collectors, guarded by a single RWMutex (spec §5: SystemState is a
// single shared reader/exclusive writer lock, not sharded per collector).
type SkewTracker struct {
	mu      sync.RWMutex
	samples map[string][]Sample
}

// NewSkewTracker constructs an empty tracker.
func NewSkewTracker() *SkewTracker {
	return &SkewTracker{samples: make(map[string][]Sample)}
}

// Observe records a new (device_now, backend_now) pair for collectorID,
// evicting the oldest sample once the window is full.
func (t *SkewTracker) Observe(collectorID string, deviceNow, backendNow time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	samples := t.samples[collectorID]
	samples = append(samples, Sample{DeviceNow: deviceNow, BackendNow: backendNow})
	if len(samples) > MaxSkewSamples {
		samples = samples[len(samples)-MaxSkewSamples:]
	}
	t.samples[collectorID] = samples
}

// Estimate returns the current skew estimate for collectorID. N is 0 and
// Quality() is Unknown if no samples have been observed yet.
func (t *SkewTracker) Estimate(collectorID string) Estimate {
	t.mu.RLock()
	samples := append([]Sample(nil), t.samples[collectorID]...)
	t.mu.RUnlock()

	if len(samples) == 0 {
		return Estimate{}
	}

	offsets := make([]time.Duration, len(samples))
	for i, s := range samples {
		offsets[i] = s.offset()
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	median := offsets[len(offsets)/2]
	if len(offsets)%2 == 0 {
		median = (offsets[len(offsets)/2-1] + offsets[len(offsets)/2]) / 2
	}
	width := offsets[len(offsets)-1] - offsets[0]
	if width < 0 {
		width = -width
	}

	return Estimate{Offset: median, Width: width, N: len(offsets)}
}

// Canonicalize computes t_canonical for a record given the collector's
// current skew estimate: t_device + the estimate's median offset. The
// offset is applied as is, in either direction; no cap is applied to it.
func Canonicalize(collectorID string, tDevice time.Time, tracker *SkewTracker) (time.Time, store.TimeQuality) {
	est := tracker.Estimate(collectorID)
	if est.N == 0 {
		return tDevice, store.TimeQualityUnknown
	}
	return tDevice.Add(est.Offset), est.Quality()
}
