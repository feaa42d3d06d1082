// Package ingest is the backend-side chunk ingester: it applies an
// ordered byte-chunk stream per (collector, stream, session) idempotently,
// decodes whole records, writes blobs to CAS, upserts typed rows, and
// only acknowledges an offset once all three are durable. Grounded on
// original_source/server/src/grpc_service.rs's upload_chunks handler
// (the ACK-gate: last_acked_offset only advances once
// ing.is_chunk_indexed(...) is true) and on the sharded-append style in
// other_examples/...chunk-chunk.go's ChunkManager interface.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/sirupsen/logrus"

	"lifelogpipe/internal/metrics"
	apperrors "lifelogpipe/pkg/errors"
	"lifelogpipe/pkg/cas"
	"lifelogpipe/pkg/store"
	"lifelogpipe/pkg/timemodel"
	"lifelogpipe/pkg/wire"
)

// SessionKey identifies one logical upload stream (spec §3 StreamIdentity).
type SessionKey struct {
	CollectorID string
	StreamID    string
	SessionID   uint64
}

type sessionState struct {
	mu                 sync.Mutex
	nextExpectedOffset int64
	pendingTail        []byte
}

// ChunkIngester applies chunks for every session of every collector.
// Distinct sessions progress independently and in parallel (spec §5);
// within one session, chunks are processed sequentially by serializing
// on that session's own mutex.
type ChunkIngester struct {
	store *store.Store
	cas   *cas.FsCAS
	skew  *timemodel.SkewTracker
	log   *logrus.Entry

	mu       sync.Mutex
	sessions map[SessionKey]*sessionState
}

// New constructs a ChunkIngester.
func New(s *store.Store, c *cas.FsCAS, skew *timemodel.SkewTracker, log *logrus.Entry) *ChunkIngester {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ChunkIngester{
		store:    s,
		cas:      c,
		skew:     skew,
		log:      log.WithField("component", "ingest"),
		sessions: make(map[SessionKey]*sessionState),
	}
}

func (ci *ChunkIngester) sessionFor(key SessionKey) (*sessionState, error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	if s, ok := ci.sessions[key]; ok {
		return s, nil
	}

	next, err := ci.store.NextExpectedOffset(key.CollectorID, key.StreamID, key.SessionID)
	if err != nil {
		return nil, err
	}
	s := &sessionState{nextExpectedOffset: next}
	ci.sessions[key] = s
	return s, nil
}

// ApplyChunk implements spec §4.3's 8-step algorithm. The returned offset
// is only ever a durable ACK point: by the time this returns without
// error, every typed row, ChunkRecord, and CAS write for the chunk's
// frames has already been committed (REQ-014).
func (ci *ChunkIngester) ApplyChunk(key SessionKey, offset int64, data []byte, hash string) (int64, error) {
	// Step 1: hash validation.
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return 0, apperrors.ValidationError("ingest", "apply_chunk", "hash mismatch")
	}

	sess, err := ci.sessionFor(key)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Step 2: duplicate suffix.
	if offset+int64(len(data)) <= sess.nextExpectedOffset {
		metrics.ChunksApplied.WithLabelValues(key.CollectorID, key.StreamID, "duplicate").Inc()
		return sess.nextExpectedOffset, nil
	}
	// Step 3: gap.
	if offset > sess.nextExpectedOffset {
		metrics.ChunksApplied.WithLabelValues(key.CollectorID, key.StreamID, "rejected").Inc()
		return 0, apperrors.ValidationError("ingest", "apply_chunk", "offset gap: restart from GetUploadOffset").
			WithMetadata("offset", offset).WithMetadata("next_expected_offset", sess.nextExpectedOffset)
	}

	// Step 4: trim duplicate prefix.
	effectiveStart := sess.nextExpectedOffset - offset
	effective := data[effectiveStart:]

	// Step 5: decode whole frames; buffer an incomplete tail session-locally.
	combined := append(append([]byte{}, sess.pendingTail...), effective...)
	frames, corrupt, remainder := wire.SplitFrames(combined)
	if corrupt > 0 {
		ci.log.WithFields(logrus.Fields{"collector_id": key.CollectorID, "stream_id": key.StreamID}).
			WithField("corrupt_frames", corrupt).Warn("ingest: skipping frames with bad checksum")
		metrics.FramesParsed.WithLabelValues(key.StreamID, "parse_error").Add(float64(corrupt))
	}

	// Step 6: apply each decoded frame.
	for _, frame := range frames {
		if err := ci.applyFrame(key, frame); err != nil {
			return 0, err
		}
	}

	// Step 7: durable chunk-application record for the effective (trimmed)
	// byte range, so a resend overlapping an applied prefix starts its
	// record at the previous next-expected offset.
	if err := ci.store.RecordChunk(key.CollectorID, key.StreamID, key.SessionID, offset+effectiveStart, int64(len(effective))); err != nil {
		return 0, err
	}

	// Step 8: advance state. By this point the chunk is fully durable,
	// satisfying the ACK gate.
	sess.pendingTail = remainder
	sess.nextExpectedOffset = offset + int64(len(data))
	metrics.ChunksApplied.WithLabelValues(key.CollectorID, key.StreamID, "applied").Inc()
	return sess.nextExpectedOffset, nil
}

// applyFrame decodes one frame as the modality implied by the session's
// stream id, redirects blob fields to CAS, and upserts the typed row. A
// frame that fails to parse is logged and skipped — it must not block the
// rest of the stream (spec §4.3 failure semantics). A CAS or store
// failure fails the whole chunk so the uploader resends it.
func (ci *ChunkIngester) applyFrame(key SessionKey, frameBytes []byte) error {
	raw, err := wire.DecodeFrame(frameBytes)
	if err != nil {
		ci.log.WithFields(logrus.Fields{"collector_id": key.CollectorID, "stream_id": key.StreamID}).
			WithError(err).Warn("ingest: skipping unparseable frame")
		metrics.FramesParsed.WithLabelValues(key.StreamID, "parse_error").Inc()
		return nil
	}

	modality := store.Modality(key.StreamID)
	if !store.IsKnownModality(modality) {
		ci.log.WithField("stream_id", key.StreamID).Warn("ingest: skipping frame for unknown modality")
		metrics.FramesParsed.WithLabelValues(key.StreamID, "unknown_modality").Inc()
		return nil
	}
	origin := store.DataOrigin{Source: key.CollectorID, Modality: modality}

	schema, ok := store.SchemaFor(modality)
	if !ok {
		ci.log.WithField("stream_id", key.StreamID).Warn("ingest: no schema for modality")
		return nil
	}

	fields := make(map[string]interface{}, len(raw.Fields)+len(schema.BlobFields))
	for k, v := range raw.Fields {
		fields[k] = v
	}
	for _, blobField := range schema.BlobFields {
		data, ok := raw.BlobData[blobField]
		if !ok {
			continue
		}
		hash, err := ci.cas.Put(data)
		if err != nil {
			return err
		}
		fields["blob_hash"] = hash
	}
	if raw.ParentUUID != nil {
		fields["parent_uuid"] = raw.ParentUUID.String()
	}

	tCanonical, quality := timemodel.Canonicalize(key.CollectorID, raw.TDevice, ci.skew)
	rec := store.Record{
		UUID:       raw.UUID,
		ParentUUID: raw.ParentUUID,
		Kind:       modality,
		Fields:     fields,
		Envelope: store.TimeEnvelope{
			TDevice:     raw.TDevice,
			TCanonical:  &tCanonical,
			TEnd:        raw.TEnd,
			TimeQuality: quality,
		},
	}
	if err := rec.Envelope.Validate(); err != nil {
		ci.log.WithError(err).Warn("ingest: skipping frame with invalid time envelope")
		metrics.FramesParsed.WithLabelValues(string(modality), "parse_error").Inc()
		return nil
	}

	if err := ci.store.UpsertRecord(origin, rec); err != nil {
		return err
	}
	metrics.FramesParsed.WithLabelValues(string(modality), "ok").Inc()
	return nil
}
