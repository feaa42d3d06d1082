package store

import "github.com/google/uuid"

// Record is a modality payload plus its identity and time envelope. Per
// DESIGN NOTES §9 ("sum types over inheritance"), a single tagged struct
// stands in for Go's absent enum-with-payload: Kind selects which of the
// per-modality field groups is populated, mirroring the teacher's own
// tagged config structs in pkg/types/types.go.
type Record struct {
	UUID       uuid.UUID
	ParentUUID *uuid.UUID // set only for derived records (e.g. Ocr)
	Kind       Modality
	Fields     map[string]interface{} // modality-specific columns, by column name
	Envelope   TimeEnvelope
}

// Column returns the modality-specific field value stored under name, and
// whether the record carries that field.
func (r Record) Column(name string) (interface{}, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// modalitySchema describes the modality-specific columns (name -> SQL
// type) used when creating a table on first write, and which fields hold
// large binary payloads that must be redirected to CAS instead of stored
// inline (spec §4.3 step 6).
type modalitySchema struct {
	Columns    []schemaColumn
	BlobFields []string // Fields keys holding raw bytes destined for CAS
	TextFields []string // Fields keys eligible for full-text Contains()
}

type schemaColumn struct {
	Name string
	Type string
}

// schemas maps every closed-enum modality to its column layout. Grounded
// on original_source/common/data-modalities and the collector module
// sources (Audio/WindowActivity carry a duration_secs column for their
// interval; the rest are point records).
var schemas = map[Modality]modalitySchema{
	ModalityScreen: {
		Columns: []schemaColumn{
			{"width", "INTEGER"}, {"height", "INTEGER"}, {"blob_hash", "TEXT"},
		},
		BlobFields: []string{"image_bytes"},
	},
	ModalityBrowser: {
		Columns:    []schemaColumn{{"url", "TEXT"}, {"title", "TEXT"}},
		TextFields: []string{"title", "url"},
	},
	ModalityOcr: {
		Columns:    []schemaColumn{{"parent_uuid", "TEXT"}, {"text", "TEXT"}},
		TextFields: []string{"text"},
	},
	ModalityAudio: {
		Columns: []schemaColumn{
			{"blob_hash", "TEXT"}, {"sample_rate", "INTEGER"}, {"channels", "INTEGER"},
			{"duration_secs", "REAL"}, {"codec", "TEXT"},
		},
		BlobFields: []string{"audio_bytes"},
	},
	ModalityKeystrokes: {
		Columns: []schemaColumn{{"keys", "TEXT"}},
	},
	ModalityClipboard: {
		Columns:    []schemaColumn{{"text", "TEXT"}, {"blob_hash", "TEXT"}, {"content_type", "TEXT"}},
		BlobFields: []string{"binary_data"},
		TextFields: []string{"text"},
	},
	ModalityShellHistory: {
		Columns:    []schemaColumn{{"command", "TEXT"}, {"cwd", "TEXT"}},
		TextFields: []string{"command"},
	},
	ModalityWindowActivity: {
		Columns:    []schemaColumn{{"window_title", "TEXT"}, {"window_class", "TEXT"}, {"duration_secs", "REAL"}},
		TextFields: []string{"window_title"},
	},
	ModalityMouse: {
		Columns: []schemaColumn{{"x", "REAL"}, {"y", "REAL"}, {"event_type", "TEXT"}},
	},
	ModalityProcesses: {
		Columns: []schemaColumn{{"process_list_json", "TEXT"}},
	},
	ModalityCamera: {
		Columns:    []schemaColumn{{"blob_hash", "TEXT"}, {"width", "INTEGER"}, {"height", "INTEGER"}},
		BlobFields: []string{"image_bytes"},
	},
	ModalityWeather: {
		Columns: []schemaColumn{{"temp_c", "REAL"}, {"conditions", "TEXT"}, {"source", "TEXT"}},
	},
	ModalityHyprland: {
		Columns:    []schemaColumn{{"active_window", "TEXT"}, {"workspace", "TEXT"}, {"event_json", "TEXT"}},
		TextFields: []string{"active_window"},
	},
}

// SchemaFor returns the column layout for a modality, or false if unknown.
func SchemaFor(m Modality) (modalitySchema, bool) {
	s, ok := schemas[m]
	return s, ok
}

// HasDurationField reports whether m's table carries a duration_secs
// column, used by the query planner to decide whether a DURING source
// query can select it directly or must treat the source as point records.
func HasDurationField(m Modality) bool {
	schema, ok := SchemaFor(m)
	if !ok {
		return false
	}
	for _, c := range schema.Columns {
		if c.Name == "duration_secs" {
			return true
		}
	}
	return false
}
