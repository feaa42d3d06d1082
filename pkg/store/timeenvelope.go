package store

import (
	"time"

	apperrors "lifelogpipe/pkg/errors"
)

// TimeQuality classifies confidence in TCanonical relative to TDevice.
type TimeQuality string

const (
	TimeQualityUnknown  TimeQuality = "Unknown"
	TimeQualityDegraded TimeQuality = "Degraded"
	TimeQualityGood     TimeQuality = "Good"
)

// TimeEnvelope is embedded in every modality record (spec §4.4).
type TimeEnvelope struct {
	TDevice     time.Time  `db:"t_device" json:"t_device"`
	TCanonical  *time.Time `db:"t_canonical" json:"t_canonical,omitempty"`
	TEnd        *time.Time `db:"t_end" json:"t_end,omitempty"`
	TIngest     *time.Time `db:"t_ingest" json:"t_ingest,omitempty"`
	TimeQuality TimeQuality `db:"time_quality" json:"time_quality"`
}

// EffectiveEnd returns TEnd if set, else TDevice — point records behave
// as zero-width intervals.
func (e TimeEnvelope) EffectiveEnd() time.Time {
	if e.TEnd != nil {
		return *e.TEnd
	}
	return e.TDevice
}

// Validate checks invariant 7: t_device <= t_end, t_canonical <= t_end (when set).
func (e TimeEnvelope) Validate() error {
	if e.TEnd != nil && e.TDevice.After(*e.TEnd) {
		return apperrors.ValidationError("store", "time_envelope", "t_device after t_end")
	}
	if e.TCanonical != nil && e.TEnd != nil && e.TCanonical.After(*e.TEnd) {
		return apperrors.ValidationError("store", "time_envelope", "t_canonical after t_end")
	}
	return nil
}
