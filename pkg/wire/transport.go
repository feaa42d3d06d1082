// Transport realizes spec §6's RPC surface over two concrete mechanisms,
// grounded on the teacher's own split between a gorilla/mux HTTP API
// (internal/app/handlers.go) and erigon's use of gorilla/websocket for a
// long-lived subscription-style connection:
//
//   - GetUploadOffset, Query, GetData: plain HTTP+JSON handlers on a
//     gorilla/mux.Router.
//   - ControlStream, UploadChunks: bidirectional streams framed as
//     length-prefixed gob messages over a gorilla/websocket connection
//     (binary frames; websocket already delivers whole messages so the
//     "length-prefixed" framing here is really just "one gob value per
//     websocket frame").
//
// A full protobuf/gRPC pipeline (as the original's tonic-based service
// used) is not attempted: this harness can't run protoc/buf to generate
// stubs, and hand-written fake generated code is worse than an honest,
// idiomatic substitute. See SPEC_FULL.md §6.
package wire

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	apperrors "lifelogpipe/pkg/errors"
)

// Backend is the set of operations the HTTP surface dispatches into.
// cmd/backend supplies the concrete implementation wiring pkg/ingest,
// pkg/store, and pkg/query together; pkg/wire itself stays ignorant of
// those types so it can be tested with a fake.
type Backend interface {
	GetUploadOffset(collectorID, streamID string, sessionID uint64) (int64, error)
	Query(query string) (QueryResponse, error)
	GetData(keys []LifelogDataKey) (GetDataResponse, error)
}

// RegisterHTTPRoutes wires the request/response RPCs onto router.
func RegisterHTTPRoutes(router *mux.Router, backend Backend) {
	router.HandleFunc("/v1/upload-offset", getUploadOffsetHandler(backend)).Methods(http.MethodGet)
	router.HandleFunc("/v1/query", queryHandler(backend)).Methods(http.MethodPost)
	router.HandleFunc("/v1/data", getDataHandler(backend)).Methods(http.MethodPost)
}

func getUploadOffsetHandler(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		collectorID := q.Get("collector_id")
		streamID := q.Get("stream_id")
		sessionID, err := parseUint64(q.Get("session_id"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		offset, err := backend.GetUploadOffset(collectorID, streamID, sessionID)
		if err != nil {
			writeJSONError(w, statusForErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, GetUploadOffsetResponse{Offset: offset})
	}
}

func queryHandler(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := backend.Query(req.Query)
		if err != nil {
			writeJSONError(w, statusForErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getDataHandler(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GetDataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := backend.GetData(req.Keys)
		if err != nil {
			writeJSONError(w, statusForErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statusForErr(err error) int {
	if ae, ok := apperrors.AsAppError(err); ok {
		switch ae.Code {
		case apperrors.CodeValidationFailed, apperrors.CodeUnsupportedQuery:
			return http.StatusBadRequest
		case apperrors.CodeIONotFound:
			return http.StatusNotFound
		case apperrors.CodeBackpressure, apperrors.CodeBackpressureFull:
			return http.StatusTooManyRequests
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Upgrader is shared by every websocket endpoint; origin checking is left
// to a reverse proxy in front of the backend (out of scope per spec §1).
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps a *websocket.Conn with gob encode/decode of one Go value per
// websocket binary frame, used by both ends of ControlStream and
// UploadChunks.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps an already-established websocket connection.
func NewConn(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

// Send gob-encodes v and writes it as one binary websocket frame.
func (c *Conn) Send(v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return apperrors.ValidationError("wire", "conn_send", "gob encode").Wrap(err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return apperrors.IOError("wire", "conn_send", "websocket write").Wrap(err)
	}
	return nil
}

// Recv reads the next binary frame and gob-decodes it into v.
func (c *Conn) Recv(v interface{}) error {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return apperrors.IOError("wire", "conn_recv", "websocket read").Wrap(err)
	}
	if kind != websocket.BinaryMessage {
		return apperrors.ValidationError("wire", "conn_recv", "expected binary frame")
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return apperrors.ValidationError("wire", "conn_recv", "gob decode").Wrap(err)
	}
	return nil
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error { return c.ws.Close() }

// ChunkApplier is the ingester operation uploadChunksHandler drives.
// Implemented by cmd/backend's server adapter, which wraps
// pkg/ingest.ChunkIngester.
type ChunkApplier interface {
	ApplyChunk(collectorID, streamID string, sessionID uint64, offset int64, data []byte, hash string) (int64, error)
}

// RegisterWSRoutes wires the bidirectional streams onto router. Kept
// separate from RegisterHTTPRoutes since these endpoints upgrade the
// connection instead of returning a single response.
func RegisterWSRoutes(router *mux.Router, control ControlHandler, chunks ChunkApplier) {
	router.HandleFunc("/v1/control-stream", controlStreamHandler(control))
	router.HandleFunc("/v1/upload-chunks", uploadChunksHandler(chunks))
}

// ControlHandler receives a collector's ControlStream messages
// (registration must precede any data upload, spec §6). Implemented by
// pkg/collectorstate.SystemState.
type ControlHandler interface {
	HandleRegister(cfg CollectorConfig) error
	HandleState(state CollectorState)
	HandleHeartbeat(collectorID string)
}

func controlStreamHandler(control ControlHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws)
		defer conn.Close()

		registered := false
		for {
			var msg ControlMessage
			if err := conn.Recv(&msg); err != nil {
				return
			}
			switch msg.Kind {
			case ControlRegister:
				if msg.Register == nil {
					return
				}
				if err := control.HandleRegister(*msg.Register); err != nil {
					return
				}
				registered = true
			case ControlState:
				if !registered || msg.State == nil {
					return
				}
				control.HandleState(*msg.State)
			case ControlHeartbeat:
				if !registered {
					return
				}
				control.HandleHeartbeat(msg.CollectorID)
			default:
				return
			}
		}
	}
}

func uploadChunksHandler(chunks ChunkApplier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws)
		defer conn.Close()

		for {
			var c Chunk
			if err := conn.Recv(&c); err != nil {
				return
			}
			acked, err := chunks.ApplyChunk(c.Stream.CollectorID, c.Stream.StreamID, c.Stream.SessionID, c.Offset, c.Data, c.Hash)
			if err != nil {
				// A rejected chunk (gap, hash mismatch) ends the stream;
				// the uploader reconnects and restarts from
				// GetUploadOffset per spec §4.2 step 5.
				return
			}
			ack := Ack{
				CollectorID: c.Stream.CollectorID,
				StreamID:    c.Stream.StreamID,
				SessionID:   c.Stream.SessionID,
				AckedOffset: acked,
			}
			if err := conn.Send(ack); err != nil {
				return
			}
		}
	}
}

func parseUint64(s string) (uint64, error) {
	if s == "" {
		return 0, apperrors.ValidationError("wire", "parse_uint64", "missing session_id")
	}
	var v uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, apperrors.ValidationError("wire", "parse_uint64", "session_id must be numeric")
		}
		v = v*10 + uint64(r-'0')
	}
	return v, nil
}
