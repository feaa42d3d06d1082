package wire

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	offset     int64
	queryResp  QueryResponse
	dataResp   GetDataResponse
	lastQuery  string
}

func (f *fakeBackend) GetUploadOffset(collectorID, streamID string, sessionID uint64) (int64, error) {
	return f.offset, nil
}

func (f *fakeBackend) Query(q string) (QueryResponse, error) {
	f.lastQuery = q
	return f.queryResp, nil
}

func (f *fakeBackend) GetData(keys []LifelogDataKey) (GetDataResponse, error) {
	return f.dataResp, nil
}

func newTestRouter(backend Backend) *mux.Router {
	router := mux.NewRouter()
	RegisterHTTPRoutes(router, backend)
	return router
}

func TestGetUploadOffsetHandler(t *testing.T) {
	backend := &fakeBackend{offset: 42}
	srv := httptest.NewServer(newTestRouter(backend))
	defer srv.Close()

	resp, err := httptestGet(srv.URL + "/v1/upload-offset?collector_id=laptop01&stream_id=Screen&session_id=1")
	require.NoError(t, err)
	require.Contains(t, resp, `"offset":42`)
}

func TestQueryHandler(t *testing.T) {
	backend := &fakeBackend{queryResp: QueryResponse{Keys: []LifelogDataKey{{UUID: "u1", OriginStr: "laptop01:Screen"}}}}
	srv := httptest.NewServer(newTestRouter(backend))
	defer srv.Close()

	resp, err := httptestPostJSON(srv.URL+"/v1/query", `{"query":"llql-json:{}"}`)
	require.NoError(t, err)
	require.Equal(t, "llql-json:{}", backend.lastQuery)
	require.Contains(t, resp, "u1")
}

type fakeChunkApplier struct {
	applied []Chunk
}

func (f *fakeChunkApplier) ApplyChunk(collectorID, streamID string, sessionID uint64, offset int64, data []byte, hash string) (int64, error) {
	f.applied = append(f.applied, Chunk{Stream: StreamIdentity{CollectorID: collectorID, StreamID: streamID, SessionID: sessionID}, Offset: offset, Data: data, Hash: hash})
	return offset + int64(len(data)), nil
}

type fakeControlHandler struct {
	registered []CollectorConfig
	states     []CollectorState
}

func (f *fakeControlHandler) HandleRegister(cfg CollectorConfig) error {
	f.registered = append(f.registered, cfg)
	return nil
}
func (f *fakeControlHandler) HandleState(state CollectorState) { f.states = append(f.states, state) }
func (f *fakeControlHandler) HandleHeartbeat(collectorID string) {}

func TestUploadChunksRoundTrip(t *testing.T) {
	applier := &fakeChunkApplier{}
	router := mux.NewRouter()
	RegisterWSRoutes(router, &fakeControlHandler{}, applier)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/upload-chunks"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	conn := NewConn(ws)

	chunk := Chunk{
		Stream: StreamIdentity{CollectorID: "laptop01", StreamID: "Screen", SessionID: 1},
		Offset: 0,
		Data:   []byte("payload"),
		Hash:   "deadbeef",
	}
	require.NoError(t, conn.Send(chunk))

	var ack Ack
	require.NoError(t, conn.Recv(&ack))
	require.Equal(t, int64(7), ack.AckedOffset)
	require.Len(t, applier.applied, 1)
	require.Equal(t, "laptop01", applier.applied[0].Stream.CollectorID)
}

func TestControlStreamRegisterThenState(t *testing.T) {
	control := &fakeControlHandler{}
	router := mux.NewRouter()
	RegisterWSRoutes(router, control, &fakeChunkApplier{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/control-stream"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	conn := NewConn(ws)

	require.NoError(t, conn.Send(ControlMessage{
		CollectorID: "laptop01",
		Kind:        ControlRegister,
		Register:    &CollectorConfig{CollectorID: "laptop01"},
	}))
	require.NoError(t, conn.Send(ControlMessage{
		CollectorID: "laptop01",
		Kind:        ControlState,
		State:       &CollectorState{CollectorID: "laptop01"},
	}))

	// give the server goroutine a moment to process both sends
	waitUntil(t, func() bool { return len(control.states) == 1 })
	require.Len(t, control.registered, 1)
	require.Len(t, control.states, 1)
}
