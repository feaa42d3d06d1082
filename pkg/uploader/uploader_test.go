package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lifelogpipe/pkg/wal"
	"lifelogpipe/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/gorilla/websocket.(*Conn).NextReader"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// recordingApplier is a wire.ChunkApplier fake tracking every applied
// chunk's bytes, standing in for pkg/ingest in this package's tests.
type recordingApplier struct {
	mu       sync.Mutex
	received []byte
}

func (a *recordingApplier) ApplyChunk(collectorID, streamID string, sessionID uint64, offset int64, data []byte, hash string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, data...)
	return offset + int64(len(data)), nil
}

func (a *recordingApplier) bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.received...)
}

type offsetBackend struct {
	offset int64
}

func startTestBackend(t *testing.T, applier *recordingApplier, ob *offsetBackend) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/v1/upload-offset", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire.GetUploadOffsetResponse{Offset: ob.offset})
	}).Methods(http.MethodGet)
	router.HandleFunc("/v1/upload-chunks", func(w http.ResponseWriter, r *http.Request) {
		ws, err := wire.Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := wire.NewConn(ws)
		defer conn.Close()
		for {
			var c wire.Chunk
			if err := conn.Recv(&c); err != nil {
				return
			}
			acked, _ := applier.ApplyChunk(c.Stream.CollectorID, c.Stream.StreamID, c.Stream.SessionID, c.Offset, c.Data, c.Hash)
			_ = conn.Send(wire.Ack{AckedOffset: acked})
		}
	})
	return httptest.NewServer(router)
}

func TestUploaderDrainsWALToBackend(t *testing.T) {
	applier := &recordingApplier{}
	ob := &offsetBackend{offset: 0}
	srv := startTestBackend(t, applier, ob)
	defer srv.Close()

	w, err := wal.Open(t.TempDir(), "device1:Screen", testLogger())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]byte("frame-one"))
	require.NoError(t, err)
	_, err = w.Append([]byte("frame-two"))
	require.NoError(t, err)

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	up := New(Config{
		Stream: wire.StreamIdentity{CollectorID: "device1", StreamID: "Screen", SessionID: 1},
		GetUploadOffset: func(ctx context.Context) (int64, error) {
			resp, err := http.Get(srv.URL + "/v1/upload-offset")
			if err != nil {
				return 0, err
			}
			defer resp.Body.Close()
			var out wire.GetUploadOffsetResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return 0, err
			}
			return out.Offset, nil
		},
		DialUploadChunks: func(ctx context.Context) (*wire.Conn, error) {
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsBase+"/v1/upload-chunks", nil)
			if err != nil {
				return nil, err
			}
			return wire.NewConn(ws), nil
		},
	}, w, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- up.Run(ctx) }()

	require.Eventually(t, func() bool {
		return w.CommittedOffset() == w.EndOffset()
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	require.Contains(t, string(applier.bytes()), "frame-one")
	require.Contains(t, string(applier.bytes()), "frame-two")
}
