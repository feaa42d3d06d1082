// Package store is the typed record store: schema-on-write tables keyed
// by DataOrigin, the catalog of known origins, transform watermarks, and
// chunk-application bookkeeping. Grounded on ClusterCockpit-cc-backend's
// repository layer (sqlx.DB + Masterminds/squirrel query building against
// a StmtCache) generalized from a single fixed `job` table to dynamically
// created per-origin tables.
package store

import (
	"fmt"
	"strings"

	apperrors "lifelogpipe/pkg/errors"
)

// Modality is the closed enum of supported record kinds. Values are the
// exact tokens used in canonical origin strings, e.g. "laptop01:Screen".
type Modality string

const (
	ModalityScreen         Modality = "Screen"
	ModalityBrowser        Modality = "Browser"
	ModalityOcr            Modality = "Ocr"
	ModalityAudio          Modality = "Audio"
	ModalityKeystrokes     Modality = "Keystrokes"
	ModalityClipboard      Modality = "Clipboard"
	ModalityShellHistory   Modality = "ShellHistory"
	ModalityWindowActivity Modality = "WindowActivity"
	ModalityMouse          Modality = "Mouse"
	ModalityProcesses      Modality = "Processes"
	ModalityCamera         Modality = "Camera"
	ModalityWeather        Modality = "Weather"
	ModalityHyprland       Modality = "Hyprland"
)

var knownModalities = map[Modality]bool{
	ModalityScreen: true, ModalityBrowser: true, ModalityOcr: true, ModalityAudio: true,
	ModalityKeystrokes: true, ModalityClipboard: true, ModalityShellHistory: true,
	ModalityWindowActivity: true, ModalityMouse: true, ModalityProcesses: true,
	ModalityCamera: true, ModalityWeather: true, ModalityHyprland: true,
}

// IsKnownModality reports whether m is one of the thirteen closed enum values.
func IsKnownModality(m Modality) bool {
	return knownModalities[m]
}

// DataOrigin identifies a logical stream source: either a device id
// directly, or a parent origin for derived data (e.g. OCR over screen
// frames). Canonical string grammar (spec §6):
//
//	origin := device_id (":" origin)? ":" modality
//
// e.g. "laptop01:Screen", "laptop01:Screen:Ocr".
type DataOrigin struct {
	Source   string // device id, or nested "device:Parent" string for derived origins
	Modality Modality
}

// String renders the canonical origin string.
func (o DataOrigin) String() string {
	return o.Source + ":" + string(o.Modality)
}

// TableName is the store table name for this origin — identical to the
// canonical string per invariant 6, but sqlite table identifiers can't
// contain ':' so it's substituted with '__'.
func (o DataOrigin) TableName() string {
	return strings.ReplaceAll(o.String(), ":", "__")
}

// ParseOrigin parses a canonical origin string of the form
// "device(:parent)*:Modality" back into a DataOrigin. The last colon-
// separated component must be a known modality.
func ParseOrigin(s string) (DataOrigin, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return DataOrigin{}, apperrors.ValidationError("store", "parse_origin", "missing modality component").WithMetadata("origin", s)
	}
	source := s[:idx]
	modality := Modality(s[idx+1:])
	if source == "" {
		return DataOrigin{}, apperrors.ValidationError("store", "parse_origin", "missing source component").WithMetadata("origin", s)
	}
	if !IsKnownModality(modality) {
		return DataOrigin{}, apperrors.ValidationError("store", "parse_origin", fmt.Sprintf("unknown modality %q", modality)).WithMetadata("origin", s)
	}
	return DataOrigin{Source: source, Modality: modality}, nil
}

// DeviceID returns the leading device id component of the origin, even
// for nested derived origins (e.g. "laptop01" for "laptop01:Screen:Ocr").
func (o DataOrigin) DeviceID() string {
	return strings.SplitN(o.Source, ":", 2)[0]
}
