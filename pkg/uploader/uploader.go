// Package uploader implements the collector-side half of spec §4.2: it
// drains a pkg/wal.WAL into an ordered chunk stream and advances the
// WAL's read cursor only once the backend has durably accepted each
// chunk. Reconnect/backoff is grounded on the teacher's
// internal/dispatcher/retry_manager.go (exponential backoff, bounded
// concurrent retries) adapted here to drive reconnect-and-resume instead
// of sink delivery retries, using cenkalti/backoff/v4 (promoted from an
// indirect dependency, per SPEC_FULL.md §2.1) instead of the teacher's
// hand-rolled delay arithmetic.
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	apperrors "lifelogpipe/pkg/errors"
	"lifelogpipe/pkg/wal"
	"lifelogpipe/pkg/wire"
)

// MaxChunkFrames bounds how many WAL frames PeekChunk returns per
// outgoing Chunk.
const MaxChunkFrames = 256

// Config wires an Uploader to a specific backend without coupling this
// package to any one transport implementation (the production wiring in
// cmd/collector uses HTTP + websocket; tests can supply in-process fakes).
type Config struct {
	Stream wire.StreamIdentity

	// GetUploadOffset implements spec §4.2 step 1.
	GetUploadOffset func(ctx context.Context) (int64, error)
	// DialUploadChunks opens a fresh UploadChunks stream (step 3/5: "on
	// stream error, reconnect and restart from step 1").
	DialUploadChunks func(ctx context.Context) (*wire.Conn, error)
}

// Uploader drains one (collector, stream, session)'s WAL to the backend.
type Uploader struct {
	cfg Config
	wal *wal.WAL
	log *logrus.Entry
}

// New constructs an Uploader for one WAL.
func New(cfg Config, w *wal.WAL, log *logrus.Entry) *Uploader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Uploader{
		cfg: cfg,
		wal: w,
		log: log.WithField("component", "uploader").
			WithField("collector_id", cfg.Stream.CollectorID).
			WithField("stream_id", cfg.Stream.StreamID),
	}
}

// Run drains the WAL until ctx is canceled, reconnecting with exponential
// backoff on any stream error (spec §4.2 step 5). runSession only returns
// nil once ctx is done, so a nil return stops the retry loop cleanly; any
// other return value is backed off before the next reconnect attempt.
func (u *Uploader) Run(ctx context.Context) error {
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := u.runSession(ctx); err != nil {
			u.log.WithError(err).Warn("uploader: session ended, reconnecting")
			return err
		}
		return nil
	}

	// backoff.Retry unwraps a Permanent error and returns its cause
	// directly, so a context cancellation surfaces here as ctx.Err().
	if err := backoff.Retry(operation, reconnectBackoff(ctx)); err != nil && err != ctx.Err() {
		return err
	}
	return nil
}

// runSession implements one GetUploadOffset -> reset cursor -> drain loop
// (spec §4.2 steps 1-4); it returns when the stream errors or ctx ends.
func (u *Uploader) runSession(ctx context.Context) error {
	serverOffset, err := u.cfg.GetUploadOffset(ctx)
	if err != nil {
		return apperrors.NetworkError("get_upload_offset", "failed to fetch server offset").Wrap(err)
	}

	// Step 2: bytes already durable on the backend never need resending;
	// bytes the backend lost (serverOffset < committed) are outside this
	// WAL's rewind capability (it is a forward-only read cursor) and are
	// logged rather than silently resent from the wrong position.
	if serverOffset > u.wal.CommittedOffset() {
		if err := u.wal.CommitOffset(serverOffset); err != nil {
			return err
		}
	} else if serverOffset < u.wal.CommittedOffset() {
		u.log.WithField("server_offset", serverOffset).
			WithField("local_committed", u.wal.CommittedOffset()).
			Warn("uploader: backend offset behind local cursor, continuing from local cursor")
	}

	conn, err := u.cfg.DialUploadChunks(ctx)
	if err != nil {
		return apperrors.NetworkError("dial_upload_chunks", "failed to open upload stream").Wrap(err)
	}
	defer conn.Close()

	for ctx.Err() == nil {
		_, data, nextOffset, err := u.wal.PeekChunk(MaxChunkFrames)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		startOffset := u.wal.CommittedOffset()
		sum := sha256.Sum256(data)
		chunk := wire.Chunk{
			Stream: u.cfg.Stream,
			Offset: startOffset,
			Data:   data,
			Hash:   hex.EncodeToString(sum[:]),
		}
		if err := conn.Send(chunk); err != nil {
			return apperrors.NetworkError("send_chunk", "failed to send chunk").Wrap(err)
		}

		var ack wire.Ack
		if err := conn.Recv(&ack); err != nil {
			return apperrors.NetworkError("recv_ack", "failed to receive ack").Wrap(err)
		}
		// The WAL cursor is driven from PeekChunk's own nextOffset, not
		// ack.AckedOffset: a rejected chunk closes the stream instead of
		// acking (uploadChunksHandler in pkg/wire/transport.go), so reaching
		// this point already implies the chunk is durably applied, and data
		// is a verbatim WAL slice so nextOffset is exactly where it ends.
		if err := u.wal.CommitOffset(nextOffset); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func reconnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; the collector must tolerate unbounded disconnection (spec §7)
	return backoff.WithContext(b, ctx)
}
