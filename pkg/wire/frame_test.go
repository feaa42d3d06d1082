package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	f := RawFrame{
		UUID:    uuid.New(),
		TDevice: time.Now().UTC(),
		Fields:  map[string]interface{}{"width": int64(1920), "height": int64(1080)},
		BlobData: map[string][]byte{
			"image_bytes": []byte("png-bytes"),
		},
	}
	enc, err := EncodeFrame(f)
	require.NoError(t, err)

	dec, err := DecodeFrame(enc)
	require.NoError(t, err)
	require.Equal(t, f.UUID, dec.UUID)
	require.Equal(t, f.Fields["width"], dec.Fields["width"])
	require.Equal(t, "png-bytes", string(dec.BlobData["image_bytes"]))
}

func TestSplitFramesWholeFrames(t *testing.T) {
	f1, _ := EncodeFrame(RawFrame{UUID: uuid.New(), TDevice: time.Now().UTC()})
	f2, _ := EncodeFrame(RawFrame{UUID: uuid.New(), TDevice: time.Now().UTC()})
	combined := EncodeFrames([][]byte{f1, f2})

	frames, corrupt, remainder := SplitFrames(combined)
	require.Len(t, frames, 2)
	require.Zero(t, corrupt)
	require.Empty(t, remainder)
	require.Equal(t, f1, frames[0])
	require.Equal(t, f2, frames[1])
}

func TestSplitFramesBuffersIncompleteTail(t *testing.T) {
	f1, _ := EncodeFrame(RawFrame{UUID: uuid.New(), TDevice: time.Now().UTC()})
	combined := EncodeFrames([][]byte{f1})
	partial := append(combined, []byte{1, 2, 3}...) // incomplete next frame header

	frames, corrupt, remainder := SplitFrames(partial)
	require.Len(t, frames, 1)
	require.Zero(t, corrupt)
	require.Equal(t, []byte{1, 2, 3}, remainder)
}

func TestSplitFramesSkipsCorruptChecksum(t *testing.T) {
	f1, _ := EncodeFrame(RawFrame{UUID: uuid.New(), TDevice: time.Now().UTC()})
	f2, _ := EncodeFrame(RawFrame{UUID: uuid.New(), TDevice: time.Now().UTC()})
	combined := EncodeFrames([][]byte{f1, f2})

	// Flip a byte inside f1's payload so its checksum no longer matches,
	// without disturbing f2's header or payload.
	combined[FrameHeaderSize] ^= 0xFF

	frames, corrupt, remainder := SplitFrames(combined)
	require.Len(t, frames, 1)
	require.Equal(t, f2, frames[0])
	require.Equal(t, 1, corrupt)
	require.Empty(t, remainder)
}
