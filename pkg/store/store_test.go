package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureOriginCreatesTableAndCatalogRow(t *testing.T) {
	s := openTestStore(t)
	origin := DataOrigin{Source: "laptop01", Modality: ModalityScreen}

	require.NoError(t, s.EnsureOrigin(origin))
	require.NoError(t, s.EnsureOrigin(origin)) // idempotent

	origins := s.KnownOrigins()
	require.Len(t, origins, 1)
	require.Equal(t, origin, origins[0])
}

func TestUpsertRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	origin := DataOrigin{Source: "laptop01", Modality: ModalityBrowser}

	id := uuid.New()
	now := time.Now().UTC()
	rec := Record{
		UUID: id,
		Kind: ModalityBrowser,
		Fields: map[string]interface{}{
			"url":   "https://example.com",
			"title": "Example: Rust tutorial",
		},
		Envelope: TimeEnvelope{TDevice: now, TimeQuality: TimeQualityGood},
	}
	require.NoError(t, s.UpsertRecord(origin, rec))

	var title string
	err := s.DB().Get(&title, `SELECT title FROM `+`"`+origin.TableName()+`"`+` WHERE uuid = ?`, id.String())
	require.NoError(t, err)
	require.Equal(t, "Example: Rust tutorial", title)

	// Re-upsert with the same uuid updates rather than duplicating (invariant 4).
	rec.Fields["title"] = "Updated title"
	require.NoError(t, s.UpsertRecord(origin, rec))

	var count int
	require.NoError(t, s.DB().Get(&count, `SELECT COUNT(*) FROM `+`"`+origin.TableName()+`"`))
	require.Equal(t, 1, count)
}

func TestNextExpectedOffsetAndRecordChunk(t *testing.T) {
	s := openTestStore(t)

	next, err := s.NextExpectedOffset("c1", "screen", 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), next)

	require.NoError(t, s.RecordChunk("c1", "screen", 1, 0, 100))
	next, err = s.NextExpectedOffset("c1", "screen", 1)
	require.NoError(t, err)
	require.Equal(t, int64(100), next)
}

func TestWatermarkDefaultsToZeroTime(t *testing.T) {
	s := openTestStore(t)

	ts, err := s.Watermark("ocr-transform")
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetWatermark("ocr-transform", now))
	got, err := s.Watermark("ocr-transform")
	require.NoError(t, err)
	require.WithinDuration(t, now, got, time.Second)
}

func TestParseOriginRoundTrip(t *testing.T) {
	o, err := ParseOrigin("laptop01:Screen:Ocr")
	require.NoError(t, err)
	require.Equal(t, "laptop01:Screen", o.Source)
	require.Equal(t, ModalityOcr, o.Modality)
	require.Equal(t, "laptop01", o.DeviceID())
	require.Equal(t, "laptop01:Screen:Ocr", o.String())

	_, err = ParseOrigin("laptop01:NotAModality")
	require.Error(t, err)
}
