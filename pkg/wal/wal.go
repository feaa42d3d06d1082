// Package wal implements the per-stream append log that sits in front of
// the uploader. Every captured record is appended here before anything
// else happens to it; the uploader drains it with PeekChunk/CommitOffset
// and the log survives a crash at any point between those two calls.
//
// Layout on disk, grounded on the rotating file format in
// mdzesseis-log_capturer_go/pkg/buffer/disk_buffer.go, simplified to a
// single growing segment since a stream's WAL is meant to be drained
// continuously rather than rotated and archived:
//
//	<dir>/<stream>.wal       append-only frame log
//	<dir>/<stream>.cursor    durable read cursor (write-temp-then-rename)
//
// Each frame uses pkg/wire's shared FrameHeaderSize framing:
//
//	[4 bytes length LE][8 bytes xxhash64 checksum][length bytes payload]
//
// PeekChunk hands the uploader a verbatim byte slice of the log in this
// same framing, so a Chunk's offset/length and the WAL's own on-disk
// offsets are the same numbers end to end (spec §3 invariant 3) — there
// is no separate re-encoding step that would let the two offset spaces
// drift apart.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	apperrors "lifelogpipe/pkg/errors"
	"lifelogpipe/internal/metrics"
	"lifelogpipe/pkg/wire"
)

// WAL is a single-writer, single-reader append log for one (collector,
// stream) pair. Append and the Peek/Commit pair may be called from
// different goroutines; Append never blocks on the reader and vice versa,
// but each side is itself single-threaded by contract.
type WAL struct {
	log    *logrus.Entry
	dir    string
	stream string

	writeMu  sync.Mutex
	writeFile *os.File
	endOffset int64

	readMu     sync.Mutex
	cursorPath string
	committed  int64
}

// Open opens (creating if necessary) the WAL for the given stream key
// under dir. On open it truncates a torn tail left by a crash mid-Append
// and restores the last durably committed read cursor.
func Open(dir, stream string, log *logrus.Entry) (*WAL, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.IOError("wal", "open", "create wal dir").Wrap(err)
	}

	w := &WAL{
		log:        log.WithField("component", "wal").WithField("stream", stream),
		dir:        dir,
		stream:     stream,
		cursorPath: filepath.Join(dir, stream+".cursor"),
	}

	logPath := w.logPath()
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, apperrors.IOError("wal", "open", "open wal segment").Wrap(err)
	}
	w.writeFile = f

	end, err := w.truncateTornTail(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.endOffset = end

	committed, err := w.loadCursor()
	if err != nil {
		f.Close()
		return nil, err
	}
	if committed > w.endOffset {
		committed = w.endOffset
	}
	w.committed = committed

	w.log.WithFields(logrus.Fields{"end_offset": end, "committed": committed}).Info("wal opened")
	return w, nil
}

func (w *WAL) logPath() string {
	return filepath.Join(w.dir, w.stream+".wal")
}

// truncateTornTail scans forward from the start of the segment, frame by
// frame, stopping at the first frame whose header or checksum cannot be
// fully validated. Anything past that point is a partial write from a
// crash and is truncated away, mirroring the checksum-verified recovery
// read in disk_buffer.go's ReadAll/readFromFile.
func (w *WAL) truncateTornTail(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, apperrors.IOError("wal", "truncate_torn_tail", "seek").Wrap(err)
	}
	r := bufio.NewReader(f)
	var offset int64
	header := make([]byte, wire.FrameHeaderSize)

	for {
		n, err := io.ReadFull(r, header)
		if err == io.EOF {
			break
		}
		if err != nil || n != wire.FrameHeaderSize {
			break
		}
		length, wantSum := wire.DecodeFrameHeader(header)

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			w.log.WithField("offset", offset).Warn("wal: truncating partial frame payload")
			break
		}
		if !wire.VerifyFrameChecksum(payload, wantSum) {
			w.log.WithField("offset", offset).Warn("wal: truncating frame with bad checksum")
			break
		}
		offset += int64(wire.FrameHeaderSize) + int64(length)
	}

	if err := f.Truncate(offset); err != nil {
		return 0, apperrors.IOError("wal", "truncate_torn_tail", "truncate").Wrap(err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, apperrors.IOError("wal", "truncate_torn_tail", "seek end").Wrap(err)
	}
	return offset, nil
}

// Append writes data as a new frame at the end of the log and returns the
// byte offset at which the frame begins. The write is fsynced before
// returning so that a crash afterward can never lose an acknowledged
// Append.
func (w *WAL) Append(data []byte) (int64, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	header := wire.EncodeFrameHeader(data)

	offset := w.endOffset
	if _, err := w.writeFile.WriteAt(header, offset); err != nil {
		return 0, apperrors.IOError("wal", "append", "write header").Wrap(err)
	}
	if _, err := w.writeFile.WriteAt(data, offset+int64(wire.FrameHeaderSize)); err != nil {
		return 0, apperrors.IOError("wal", "append", "write payload").Wrap(err)
	}
	if err := w.writeFile.Sync(); err != nil {
		return 0, apperrors.IOError("wal", "append", "fsync").Wrap(err)
	}

	w.endOffset = offset + int64(wire.FrameHeaderSize) + int64(len(data))
	metrics.WALFramesAppended.WithLabelValues(w.stream).Inc()
	return offset, nil
}

// PeekChunk reads up to maxItems whole frames starting at the current
// durable read cursor, without advancing it, and returns both the
// decoded frame payloads and the verbatim on-disk bytes spanning them
// (header and payload together, for every frame in range). Call
// CommitOffset(nextOffset) — the offset this call returns, not a value
// derived from whatever a remote peer acknowledges — once the caller has
// durably handled the chunk; raw is what a collector ships as a Chunk's
// data, byte for byte, so the WAL's own offsets and the session's
// chunk-offset space never diverge (spec §3 invariant 3, §4.1, §4.2).
func (w *WAL) PeekChunk(maxItems int) (frames [][]byte, raw []byte, nextOffset int64, err error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	f, err := os.Open(w.logPath())
	if err != nil {
		return nil, nil, w.committed, apperrors.IOError("wal", "peek_chunk", "open for read").Wrap(err)
	}
	defer f.Close()

	start := w.committed
	offset := start
	header := make([]byte, wire.FrameHeaderSize)
	for i := 0; i < maxItems; i++ {
		n, rerr := f.ReadAt(header, offset)
		if rerr == io.EOF && n < wire.FrameHeaderSize {
			break
		}
		if rerr != nil && rerr != io.EOF {
			return nil, nil, w.committed, apperrors.IOError("wal", "peek_chunk", "read header").Wrap(rerr)
		}
		length, wantSum := wire.DecodeFrameHeader(header)

		payload := make([]byte, length)
		if _, rerr := f.ReadAt(payload, offset+int64(wire.FrameHeaderSize)); rerr != nil {
			return nil, nil, w.committed, apperrors.IOError("wal", "peek_chunk", "read payload").Wrap(rerr)
		}
		if !wire.VerifyFrameChecksum(payload, wantSum) {
			return nil, nil, w.committed, apperrors.ValidationError("wal", "peek_chunk", "frame checksum mismatch")
		}

		frames = append(frames, payload)
		offset += int64(wire.FrameHeaderSize) + int64(length)
	}

	if offset == start {
		return frames, nil, offset, nil
	}
	raw = make([]byte, offset-start)
	if _, rerr := f.ReadAt(raw, start); rerr != nil {
		return nil, nil, w.committed, apperrors.IOError("wal", "peek_chunk", "read raw range").Wrap(rerr)
	}
	return frames, raw, offset, nil
}

// CommitOffset durably advances the read cursor to offset. Persisted via
// write-temp-then-rename, the same atomic-publish pattern as
// CreateCheckpoint in mdzesseis-log_capturer_go/pkg/positions/checkpoint_manager.go.
func (w *WAL) CommitOffset(offset int64) error {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	if offset < w.committed {
		return apperrors.ValidationError("wal", "commit_offset", "offset moves cursor backward")
	}

	tmp := w.cursorPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0o644); err != nil {
		return apperrors.IOError("wal", "commit_offset", "write temp cursor").Wrap(err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0o644)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, w.cursorPath); err != nil {
		return apperrors.IOError("wal", "commit_offset", "rename cursor").Wrap(err)
	}

	w.committed = offset
	return nil
}

func (w *WAL) loadCursor() (int64, error) {
	data, err := os.ReadFile(w.cursorPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.IOError("wal", "load_cursor", "read cursor file").Wrap(err)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, apperrors.ValidationError("wal", "load_cursor", fmt.Sprintf("corrupt cursor file: %v", err))
	}
	return v, nil
}

// CommittedOffset returns the last durably committed read cursor.
func (w *WAL) CommittedOffset() int64 {
	w.readMu.Lock()
	defer w.readMu.Unlock()
	return w.committed
}

// EndOffset returns the current end of the log (the offset the next
// Append will use).
func (w *WAL) EndOffset() int64 {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.endOffset
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.writeFile.Close()
}
