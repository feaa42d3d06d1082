package wire

import "time"

// StreamIdentity names one logical upload stream: a collector's capture
// session for a single modality (spec §3 StreamIdentity).
type StreamIdentity struct {
	CollectorID string `json:"collector_id"`
	StreamID    string `json:"stream_id"`
	SessionID   uint64 `json:"session_id"`
}

// Chunk is the unit of upload carried over UploadChunks (spec §6).
type Chunk struct {
	Stream StreamIdentity `json:"stream"`
	Offset int64          `json:"offset"`
	Data   []byte         `json:"data"`
	Hash   string         `json:"hash"` // lowercase hex sha256 of Data
}

// Ack is returned by UploadChunks once the ingester has durably applied
// every chunk up to AckedOffset (the REQ-014 ACK gate).
type Ack struct {
	CollectorID string `json:"collector_id"`
	StreamID    string `json:"stream_id"`
	SessionID   uint64 `json:"session_id"`
	AckedOffset int64  `json:"acked_offset"`
}

// ControlPayloadKind tags which field of ControlMessage is populated.
// Registration, state reports, and heartbeats share one control stream
// per collector (spec §6 ControlStream).
type ControlPayloadKind string

const (
	ControlRegister  ControlPayloadKind = "Register"
	ControlState     ControlPayloadKind = "State"
	ControlHeartbeat ControlPayloadKind = "Heartbeat"
)

// CollectorConfig is the Register payload: the capture knobs a collector
// announces on connect. The per-modality values are opaque to the wire
// layer; collectorstate stores them with the registration without
// interpreting them.
type CollectorConfig struct {
	CollectorID  string            `json:"collector_id"`
	ModalityJSON map[string]string `json:"modality_json"` // modality name -> configured capture interval (cmd/collector sends e.g. "5s")
}

// CollectorState is the periodic State payload used for clock-skew
// estimation (spec §4.4 "Clock source for skew") and for surfacing
// per-stream WAL buffer depth to the backend.
type CollectorState struct {
	CollectorID       string           `json:"collector_id"`
	DeviceNow         time.Time        `json:"device_now"`
	SourceBufferSizes map[string]int64 `json:"source_buffer_sizes"`
	MemUsedPercent    float64          `json:"mem_used_percent"` // host memory pressure, gopsutil-sourced
}

// ControlMessage is one frame of the collector -> backend ControlStream.
type ControlMessage struct {
	CollectorID string              `json:"collector_id"`
	Kind        ControlPayloadKind  `json:"kind"`
	Register    *CollectorConfig    `json:"register,omitempty"`
	State       *CollectorState     `json:"state,omitempty"`
}

// QueryRequest carries the string query surface to the backend Query RPC.
// The backend accepts only the LLQL forms (an llql: or llql-json: prefix);
// any other string is rejected as a validation error.
type QueryRequest struct {
	Query string `json:"query"`
}

// LifelogDataKey identifies one record result: its uuid plus the
// canonical origin string it belongs to.
type LifelogDataKey struct {
	UUID      string `json:"uuid"`
	OriginStr string `json:"origin_str"`
}

// QueryResponse is the Query RPC's result: the matching record keys.
type QueryResponse struct {
	Keys       []LifelogDataKey `json:"keys"`
	Truncated  bool             `json:"truncated"` // best-effort flag, spec §9 open question
}

// GetDataRequest asks the backend to rehydrate a set of keys into full
// modality payloads.
type GetDataRequest struct {
	Keys []LifelogDataKey `json:"keys"`
}

// LifelogData is one rehydrated record: its key, modality-specific field
// map (inline JSON scalars), and inlined blob bytes keyed by the literal
// column name "blob_hash" (spec §6 GetData "inlining blob bytes
// from CAS into the modality-specific payload").
type LifelogData struct {
	Key      LifelogDataKey         `json:"key"`
	Fields   map[string]interface{} `json:"fields"`
	BlobData map[string][]byte      `json:"blob_data,omitempty"`
}

// GetDataResponse is the GetData RPC's result.
type GetDataResponse struct {
	Data []LifelogData `json:"data"`
}

// GetUploadOffsetResponse answers GetUploadOffset.
type GetUploadOffsetResponse struct {
	Offset int64 `json:"offset"`
}
