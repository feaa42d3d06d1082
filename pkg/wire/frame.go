// Package wire defines the messages and framing shared by collector and
// backend: the record frame format appended to the WAL and carried
// inside Chunk.data, the RPC message shapes (spec §6), and the
// websocket/HTTP transport that carries them.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	apperrors "lifelogpipe/pkg/errors"
)

// FrameHeaderSize is the fixed header preceding every length-prefixed
// frame, identically on disk in a collector's WAL and inside a Chunk's
// byte payload: a u32 little-endian length followed by a u64 xxhash64
// checksum of the payload. Keeping this one format in both places means
// a Chunk's bytes are a verbatim slice of the WAL file — the WAL's own
// on-disk offsets and the session's chunk-offset space are the same
// numbers, which is what lets GetUploadOffset's server_offset and the
// WAL's read cursor be compared directly (spec §3 invariant 3, §4.2).
const FrameHeaderSize = 4 + 8

// EncodeFrameHeader renders the FrameHeaderSize-byte header for a frame
// carrying payload.
func EncodeFrameHeader(payload []byte) []byte {
	header := make([]byte, FrameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[4:12], xxhash.Sum64(payload))
	return header
}

// DecodeFrameHeader parses a FrameHeaderSize-byte header into its
// payload length and checksum.
func DecodeFrameHeader(header []byte) (length uint32, checksum uint64) {
	return binary.LittleEndian.Uint32(header[0:4]), binary.LittleEndian.Uint64(header[4:12])
}

// VerifyFrameChecksum reports whether payload matches the checksum from
// its header.
func VerifyFrameChecksum(payload []byte, checksum uint64) bool {
	return xxhash.Sum64(payload) == checksum
}

// RawFrame is the serialized form of one captured record, the unit a
// capture adapter appends to the WAL and the ingester decodes back out
// of a Chunk's byte payload. Scalar fields and large binary payloads
// (image/audio/clipboard bytes destined for CAS) are kept in separate
// maps so the ingester can redirect blobs without guessing which keys
// are binary.
type RawFrame struct {
	UUID       uuid.UUID
	ParentUUID *uuid.UUID
	TDevice    time.Time
	TEnd       *time.Time
	Fields     map[string]interface{}
	BlobData   map[string][]byte
}

// EncodeFrame gob-encodes a RawFrame, the payload a capture adapter
// passes to WAL.Append.
func EncodeFrame(f RawFrame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, apperrors.ValidationError("wire", "encode_frame", "gob encode").Wrap(err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(data []byte) (RawFrame, error) {
	var f RawFrame
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return RawFrame{}, apperrors.ValidationError("wire", "decode_frame", "gob decode").Wrap(err)
	}
	return f, nil
}

// EncodeFrames concatenates whole frame payloads using the shared
// FrameHeaderSize framing — the same bytes a WAL segment holds on disk —
// so a chunk built from them can be decoded with SplitFrames without any
// re-encoding step (spec §4.2: "data may concatenate multiple whole
// frames but must not split a frame"). Collectors don't actually call
// this in production (they ship a verbatim slice of the WAL file, see
// pkg/wal.WAL.PeekChunk); it exists for tests that need to build a
// multi-frame buffer by hand.
func EncodeFrames(frames [][]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(EncodeFrameHeader(f))
		buf.Write(f)
	}
	return buf.Bytes()
}

// SplitFrames parses whole length-prefixed, checksummed frames out of
// buf — the identical on-disk framing pkg/wal uses (spec §4.1), since a
// Chunk's payload is shipped byte-for-byte from the WAL rather than
// re-encoded. Returns the decoded, checksum-verified payloads, the count
// of frames whose checksum didn't match (corrupt rather than merely
// incomplete — the caller logs and skips these per spec §4.3's "a
// malformed frame must not block the rest of a stream"), and any
// trailing incomplete bytes to buffer and prepend to the next chunk
// (spec §4.3 step 5).
func SplitFrames(buf []byte) (frames [][]byte, corrupt int, remainder []byte) {
	offset := 0
	for {
		if len(buf)-offset < FrameHeaderSize {
			break
		}
		length, wantSum := DecodeFrameHeader(buf[offset : offset+FrameHeaderSize])
		if len(buf)-offset-FrameHeaderSize < int(length) {
			break
		}
		payload := buf[offset+FrameHeaderSize : offset+FrameHeaderSize+int(length)]
		if VerifyFrameChecksum(payload, wantSum) {
			frames = append(frames, payload)
		} else {
			corrupt++
		}
		offset += FrameHeaderSize + int(length)
	}
	return frames, corrupt, buf[offset:]
}
