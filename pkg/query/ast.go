// Package query implements the typed query AST, the LLQL wire shell, the
// planner that compiles it to SQL plus two-stage temporal joins, and the
// executor that runs plans against the typed store. Ported from
// original_source/server/src/query/{ast,llql,planner}.rs; the executor
// has no original_source counterpart and is written fresh from the
// ExecutionPlan shape and the planner's scenario tests.
package query

import "time"

// SelectorKind tags which field of StreamSelector is populated — Go has
// no enum-with-payload, so the union is a tagged struct, the same
// approach the teacher's pkg/types/types.go uses for its config variants.
type SelectorKind string

const (
	SelectorAll      SelectorKind = "All"
	SelectorModality SelectorKind = "Modality"
	SelectorStreamID SelectorKind = "StreamId"
)

// StreamSelector picks which origins a query targets.
type StreamSelector struct {
	Kind     SelectorKind
	Modality string // populated when Kind == SelectorModality
	StreamID string // populated when Kind == SelectorStreamID (table name or suffix)
}

// ExprKind tags which fields of Expression are populated.
type ExprKind string

const (
	ExprAnd       ExprKind = "And"
	ExprOr        ExprKind = "Or"
	ExprNot       ExprKind = "Not"
	ExprEq        ExprKind = "Eq"
	ExprContains  ExprKind = "Contains"
	ExprTimeRange ExprKind = "TimeRange"
	ExprWithin    ExprKind = "Within"
	ExprDuring    ExprKind = "During"
	ExprOverlaps  ExprKind = "Overlaps" // alias of During, spec §4.5
)

// ValueKind tags which field of Value is populated.
type ValueKind string

const (
	ValueString ValueKind = "String"
	ValueInt    ValueKind = "Int"
	ValueFloat  ValueKind = "Float"
	ValueBool   ValueKind = "Bool"
)

// Value is a literal in an Eq leaf.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
}

func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }
func IntValue(i int64) Value     { return Value{Kind: ValueInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: ValueFloat, Float: f} }
func BoolValue(b bool) Value     { return Value{Kind: ValueBool, Bool: b} }

// Expression is the closure of Eq/Contains/TimeRange under And/Or/Not,
// plus the three temporal join operators (Within/During/Overlaps).
type Expression struct {
	Kind ExprKind

	// And / Or
	Operands []Expression
	// Not
	Operand *Expression

	// Eq
	Field string
	Value Value

	// Contains
	Text string

	// TimeRange
	Start time.Time
	End   time.Time

	// Within / During / Overlaps
	Stream    string
	Predicate *Expression
	Window    time.Duration
}

// Query is the top-level AST node: a target selector plus a filter.
type Query struct {
	Target StreamSelector
	Filter Expression
}

// WithDefaultTemporalWindows rewrites every zero-duration Within/During/
// Overlaps window in the tree to defaultWindow. A zero window must never
// reach the planner (spec §4.5 "Default windows").
func (e Expression) WithDefaultTemporalWindows(defaultWindow time.Duration) Expression {
	switch e.Kind {
	case ExprAnd, ExprOr:
		out := make([]Expression, len(e.Operands))
		for i, op := range e.Operands {
			out[i] = op.WithDefaultTemporalWindows(defaultWindow)
		}
		e.Operands = out
	case ExprNot:
		if e.Operand != nil {
			rewritten := e.Operand.WithDefaultTemporalWindows(defaultWindow)
			e.Operand = &rewritten
		}
	case ExprWithin, ExprDuring, ExprOverlaps:
		if e.Window == 0 {
			e.Window = defaultWindow
		}
		if e.Predicate != nil {
			rewritten := e.Predicate.WithDefaultTemporalWindows(defaultWindow)
			e.Predicate = &rewritten
		}
	}
	return e
}

// IsTemporal reports whether this node is one of Within/During/Overlaps.
func (e Expression) IsTemporal() bool {
	return e.Kind == ExprWithin || e.Kind == ExprDuring || e.Kind == ExprOverlaps
}
