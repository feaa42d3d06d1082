// Package cas is a content-addressed blob store for large record payloads
// (image frames, audio clips, screenshots). Blobs are addressed by the
// sha256 of their bytes and sharded into two-hex-character prefix
// directories, the same per-key directory layout
// kluzzebass-gastrolog's backend/internal/chunk file manager uses for
// chunk directories, applied here to blobs instead of chunks. Blobs are
// stored zstd-compressed on disk (klauspost/compress); the hash always
// addresses the uncompressed bytes, so callers never see compression.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	apperrors "lifelogpipe/pkg/errors"
)

// FsCAS is a filesystem-backed content-addressed store.
type FsCAS struct {
	root string
	log  *logrus.Entry
}

// New constructs an FsCAS rooted at dir, creating it if necessary.
func New(dir string, log *logrus.Entry) (*FsCAS, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.IOError("cas", "new", "create cas root").Wrap(err)
	}
	return &FsCAS{root: dir, log: log.WithField("component", "cas")}, nil
}

// Put stores data and returns its hex sha256 hash. Put is idempotent:
// storing the same bytes twice returns the same hash and leaves the
// existing file untouched.
func (c *FsCAS) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	path := c.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperrors.IOError("cas", "put", "create shard dir").Wrap(err)
	}

	compressed, err := compressBlob(data)
	if err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return "", apperrors.IOError("cas", "put", "write temp blob").Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", apperrors.IOError("cas", "put", "rename blob").Wrap(err)
	}
	return hash, nil
}

// Get retrieves the bytes stored under hash.
func (c *FsCAS) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(c.pathFor(hash))
	if os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.CodeIONotFound, "cas", "get", "blob not found").WithMetadata("hash", hash)
	}
	if err != nil {
		return nil, apperrors.IOError("cas", "get", "read blob").Wrap(err)
	}
	return decompressBlob(data)
}

func compressBlob(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, apperrors.IOError("cas", "compress_blob", "build zstd encoder").Wrap(err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressBlob(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, apperrors.IOError("cas", "decompress_blob", "build zstd decoder").Wrap(err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, apperrors.IOError("cas", "decompress_blob", "decode blob").Wrap(err)
	}
	return out, nil
}

// Has reports whether a blob with the given hash is already stored.
func (c *FsCAS) Has(hash string) bool {
	_, err := os.Stat(c.pathFor(hash))
	return err == nil
}

// Open returns a decompressing reader for the blob, for callers streaming
// large blobs instead of loading them fully into memory.
func (c *FsCAS) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(c.pathFor(hash))
	if os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.CodeIONotFound, "cas", "open", "blob not found").WithMetadata("hash", hash)
	}
	if err != nil {
		return nil, apperrors.IOError("cas", "open", "open blob").Wrap(err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, apperrors.IOError("cas", "open", "build zstd decoder").Wrap(err)
	}
	return &decompressingReadCloser{dec: dec, f: f}, nil
}

// decompressingReadCloser pairs a zstd.Decoder (which has no io.Closer,
// only a Close method with no error return) with the underlying file it
// reads from.
type decompressingReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *decompressingReadCloser) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *decompressingReadCloser) Close() error {
	r.dec.Close()
	return r.f.Close()
}

func (c *FsCAS) pathFor(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(c.root, "short", hash)
	}
	return filepath.Join(c.root, hash[:2], hash)
}
