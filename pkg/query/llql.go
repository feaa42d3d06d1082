package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "lifelogpipe/pkg/errors"
)

const (
	llqlPrefix     = "llql:"
	llqlJSONPrefix = "llql-json:"
)

// llqlQuery is the wire shape of Query, deserialized from the JSON form
// carried after an "llql:"/"llql-json:" prefix in the string query
// surface (spec §4.5 "Wire shell (LLQL)").
type llqlQuery struct {
	Target llqlSelector `json:"target"`
	Filter llqlExpr     `json:"filter"`
}

type llqlSelector struct {
	Type     string `json:"type"`
	Modality string `json:"modality,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
}

type llqlExpr struct {
	Op string `json:"op"`

	Operands []llqlExpr `json:"operands,omitempty"`
	Operand  *llqlExpr  `json:"operand,omitempty"`

	Field string          `json:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	Text string `json:"text,omitempty"`

	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	Stream    string    `json:"stream,omitempty"`
	Predicate *llqlExpr `json:"predicate,omitempty"`
	Window    string    `json:"window,omitempty"`
}

// TryParseLLQL strips a recognized prefix from text and deserializes the
// remainder as an LLQL-wire query. Returns (nil, nil) if text does not
// carry a recognized prefix — this is only a parser concern, per spec.
func TryParseLLQL(text string) (*Query, error) {
	var body string
	switch {
	case strings.HasPrefix(text, llqlJSONPrefix):
		body = strings.TrimPrefix(text, llqlJSONPrefix)
	case strings.HasPrefix(text, llqlPrefix):
		body = strings.TrimPrefix(text, llqlPrefix)
	default:
		return nil, nil
	}

	var wire llqlQuery
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, apperrors.ValidationError("query", "parse_llql", "malformed llql json").Wrap(err)
	}

	target, err := wire.Target.toAST()
	if err != nil {
		return nil, err
	}
	filter, err := wire.Filter.toAST()
	if err != nil {
		return nil, err
	}
	q := Query{Target: target, Filter: filter}
	return &q, nil
}

func (s llqlSelector) toAST() (StreamSelector, error) {
	switch s.Type {
	case "All":
		return StreamSelector{Kind: SelectorAll}, nil
	case "Modality":
		return StreamSelector{Kind: SelectorModality, Modality: s.Modality}, nil
	case "StreamId":
		return StreamSelector{Kind: SelectorStreamID, StreamID: s.StreamID}, nil
	default:
		return StreamSelector{}, apperrors.ValidationError("query", "parse_llql", fmt.Sprintf("unknown selector type %q", s.Type))
	}
}

func (e llqlExpr) toAST() (Expression, error) {
	switch e.Op {
	case "And", "Or":
		operands := make([]Expression, 0, len(e.Operands))
		for _, o := range e.Operands {
			conv, err := o.toAST()
			if err != nil {
				return Expression{}, err
			}
			operands = append(operands, conv)
		}
		kind := ExprAnd
		if e.Op == "Or" {
			kind = ExprOr
		}
		return Expression{Kind: kind, Operands: operands}, nil

	case "Not":
		if e.Operand == nil {
			return Expression{}, apperrors.ValidationError("query", "parse_llql", "Not requires operand")
		}
		conv, err := e.Operand.toAST()
		if err != nil {
			return Expression{}, err
		}
		return Expression{Kind: ExprNot, Operand: &conv}, nil

	case "Eq":
		val, err := parseValue(e.Value)
		if err != nil {
			return Expression{}, err
		}
		return Expression{Kind: ExprEq, Field: e.Field, Value: val}, nil

	case "Contains":
		return Expression{Kind: ExprContains, Field: e.Field, Text: e.Text}, nil

	case "TimeRange":
		start, err := time.Parse(time.RFC3339, e.Start)
		if err != nil {
			return Expression{}, apperrors.ValidationError("query", "parse_llql", "bad TimeRange.start").Wrap(err)
		}
		end, err := time.Parse(time.RFC3339, e.End)
		if err != nil {
			return Expression{}, apperrors.ValidationError("query", "parse_llql", "bad TimeRange.end").Wrap(err)
		}
		return Expression{Kind: ExprTimeRange, Start: start, End: end}, nil

	case "Within", "During", "Overlaps":
		if e.Predicate == nil {
			return Expression{}, apperrors.ValidationError("query", "parse_llql", fmt.Sprintf("%s requires predicate", e.Op))
		}
		pred, err := e.Predicate.toAST()
		if err != nil {
			return Expression{}, err
		}
		window := time.Duration(0)
		if e.Window != "" {
			window, err = parseDuration(e.Window)
			if err != nil {
				return Expression{}, err
			}
		}
		kind := ExprWithin
		if e.Op == "During" {
			kind = ExprDuring
		} else if e.Op == "Overlaps" {
			kind = ExprOverlaps
		}
		return Expression{Kind: kind, Stream: e.Stream, Predicate: &pred, Window: window}, nil

	default:
		return Expression{}, apperrors.ValidationError("query", "parse_llql", fmt.Sprintf("unknown expression op %q", e.Op))
	}
}

func parseValue(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return Value{}, apperrors.ValidationError("query", "parse_llql", "missing Eq value")
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Value{}, apperrors.ValidationError("query", "parse_llql", "malformed Eq value").Wrap(err)
	}
	switch v := generic.(type) {
	case string:
		return StringValue(v), nil
	case bool:
		return BoolValue(v), nil
	case float64:
		if v == float64(int64(v)) {
			return IntValue(int64(v)), nil
		}
		return FloatValue(v), nil
	default:
		return Value{}, apperrors.ValidationError("query", "parse_llql", "unsupported Eq value type")
	}
}

// parseDuration accepts ms/s/m/h suffixed, non-negative durations only —
// ported verbatim from original_source/server/src/query/llql.rs's
// parse_duration, which rejects negative and unsuffixed input.
func parseDuration(s string) (time.Duration, error) {
	suffixes := []struct {
		suffix string
		unit   time.Duration
	}{
		{"ms", time.Millisecond},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
	}
	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			numStr := strings.TrimSuffix(s, sfx.suffix)
			n, err := strconv.ParseFloat(numStr, 64)
			if err != nil || n < 0 {
				return 0, apperrors.ValidationError("query", "parse_duration", fmt.Sprintf("invalid duration %q", s))
			}
			return time.Duration(n * float64(sfx.unit)), nil
		}
	}
	return 0, apperrors.ValidationError("query", "parse_duration", fmt.Sprintf("duration %q missing unit suffix", s))
}
