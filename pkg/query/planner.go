package query

import (
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	apperrors "lifelogpipe/pkg/errors"
	"lifelogpipe/pkg/store"
)

// Default pacing knobs (spec §4.5).
const (
	DefaultMaxSourceTimestamps = 200
	DefaultMaxSourceIntervals  = 200
	DefaultMaxTimeClauses      = 50
)

// PlanKind tags which fields of ExecutionPlan are populated.
type PlanKind string

const (
	PlanTable       PlanKind = "TableQuery"
	PlanMulti       PlanKind = "MultiQuery"
	PlanWithin      PlanKind = "WithinQuery"
	PlanDuring      PlanKind = "DuringQuery"
	PlanUnsupported PlanKind = "Unsupported"
)

// WithinSourcePlan is the single source-phase query for a WithinQuery.
type WithinSourcePlan struct {
	Table string
	Where sq.Sqlizer
}

// DuringTermPlan is one source-phase query for a DuringQuery; multiple
// terms are intersected at the executor (spec §4.5).
type DuringTermPlan struct {
	SourceTable   string
	SourceWhere   sq.Sqlizer
	Window        time.Duration
	HasDurationField bool // whether SourceTable carries a duration_secs column
}

// ExecutionPlan is the planner's output — ported from original_source's
// ExecutionPlan enum, realized as a tagged struct (see ast.go's
// Expression for the same technique).
type ExecutionPlan struct {
	Kind PlanKind

	// TableQuery
	Table  string
	Origin store.DataOrigin
	Where  sq.Sqlizer

	// MultiQuery
	Sub []ExecutionPlan

	// WithinQuery / DuringQuery shared target fields
	TargetTable  string
	TargetOrigin store.DataOrigin
	TargetWhere  sq.Sqlizer

	// WithinQuery
	Source              WithinSourcePlan
	Window              time.Duration
	MaxSourceTimestamps int
	MaxTimeClauses      int

	// DuringQuery
	DuringTerms        []DuringTermPlan
	MaxSourceIntervals int

	// Unsupported
	Reason string
}

// Planner compiles a Query against the set of origins known to a Store.
type Planner struct {
	Store               *store.Store
	MaxSourceTimestamps int
	MaxSourceIntervals  int
	MaxTimeClauses      int
}

// NewPlanner constructs a Planner with the spec's default pacing knobs.
func NewPlanner(s *store.Store) *Planner {
	return &Planner{
		Store:               s,
		MaxSourceTimestamps: DefaultMaxSourceTimestamps,
		MaxSourceIntervals:  DefaultMaxSourceIntervals,
		MaxTimeClauses:      DefaultMaxTimeClauses,
	}
}

// Plan compiles q against the origins currently in the catalog.
func (p *Planner) Plan(q Query) (ExecutionPlan, error) {
	origins, err := p.resolveSelector(q.Target)
	if err != nil {
		return ExecutionPlan{Kind: PlanUnsupported, Reason: err.Error()}, nil
	}
	if len(origins) == 0 {
		return ExecutionPlan{Kind: PlanUnsupported, Reason: "no matching origin for target selector"}, nil
	}

	if len(origins) == 1 {
		return p.planForOrigin(origins[0], q.Filter)
	}

	subs := make([]ExecutionPlan, 0, len(origins))
	for _, o := range origins {
		sub, err := p.planForOrigin(o, q.Filter)
		if err != nil {
			return ExecutionPlan{}, err
		}
		subs = append(subs, sub)
	}
	return ExecutionPlan{Kind: PlanMulti, Sub: subs}, nil
}

func (p *Planner) planForOrigin(origin store.DataOrigin, filter Expression) (ExecutionPlan, error) {
	sqlPart, temporal, reason := compileConjunctive(filter)
	if reason != "" {
		return ExecutionPlan{Kind: PlanUnsupported, Reason: reason}, nil
	}

	var withinTerms, duringTerms []Expression
	for _, t := range temporal {
		if t.Kind == ExprWithin {
			withinTerms = append(withinTerms, t)
		} else {
			duringTerms = append(duringTerms, t)
		}
	}

	if len(withinTerms) > 0 && len(duringTerms) > 0 {
		return ExecutionPlan{Kind: PlanUnsupported, Reason: "WITHIN mixed with DURING in the same query"}, nil
	}
	if len(withinTerms) > 1 {
		return ExecutionPlan{Kind: PlanUnsupported, Reason: "multiple WITHIN terms in the same query"}, nil
	}

	targetWhere := sqlPart
	if targetWhere == nil {
		targetWhere = sq.Expr("1=1")
	}

	if len(withinTerms) == 0 && len(duringTerms) == 0 {
		return ExecutionPlan{Kind: PlanTable, Table: origin.TableName(), Origin: origin, Where: targetWhere}, nil
	}

	if len(withinTerms) == 1 {
		return p.planWithin(origin, targetWhere, withinTerms[0])
	}

	return p.planDuring(origin, targetWhere, duringTerms)
}

func (p *Planner) planWithin(origin store.DataOrigin, targetWhere sq.Sqlizer, term Expression) (ExecutionPlan, error) {
	sourceOrigin, err := p.resolveSingleStream(term.Stream)
	if err != nil {
		return ExecutionPlan{Kind: PlanUnsupported, Reason: err.Error()}, nil
	}

	var sourceWhere sq.Sqlizer = sq.Expr("1=1")
	if term.Predicate != nil {
		predSQL, predTemporal, reason := compileConjunctive(*term.Predicate)
		if reason != "" {
			return ExecutionPlan{Kind: PlanUnsupported, Reason: reason}, nil
		}
		if len(predTemporal) > 0 {
			return ExecutionPlan{Kind: PlanUnsupported, Reason: "nested temporal operators inside a source predicate"}, nil
		}
		if predSQL != nil {
			sourceWhere = predSQL
		}
	}

	return ExecutionPlan{
		Kind:                PlanWithin,
		TargetTable:         origin.TableName(),
		TargetOrigin:        origin,
		TargetWhere:         targetWhere,
		Source:              WithinSourcePlan{Table: sourceOrigin.TableName(), Where: sourceWhere},
		Window:              term.Window,
		MaxSourceTimestamps: p.MaxSourceTimestamps,
		MaxTimeClauses:      p.MaxTimeClauses,
	}, nil
}

func (p *Planner) planDuring(origin store.DataOrigin, targetWhere sq.Sqlizer, terms []Expression) (ExecutionPlan, error) {
	plans := make([]DuringTermPlan, 0, len(terms))
	for _, term := range terms {
		sourceOrigin, err := p.resolveSingleStream(term.Stream)
		if err != nil {
			return ExecutionPlan{Kind: PlanUnsupported, Reason: err.Error()}, nil
		}

		var sourceWhere sq.Sqlizer = sq.Expr("1=1")
		if term.Predicate != nil {
			predSQL, predTemporal, reason := compileConjunctive(*term.Predicate)
			if reason != "" {
				return ExecutionPlan{Kind: PlanUnsupported, Reason: reason}, nil
			}
			if len(predTemporal) > 0 {
				return ExecutionPlan{Kind: PlanUnsupported, Reason: "nested temporal operators inside a source predicate"}, nil
			}
			if predSQL != nil {
				sourceWhere = predSQL
			}
		}

		plans = append(plans, DuringTermPlan{
			SourceTable:      sourceOrigin.TableName(),
			SourceWhere:      sourceWhere,
			Window:           term.Window,
			HasDurationField: store.HasDurationField(sourceOrigin.Modality),
		})
	}

	return ExecutionPlan{
		Kind:               PlanDuring,
		TargetTable:        origin.TableName(),
		TargetOrigin:       origin,
		TargetWhere:        targetWhere,
		DuringTerms:        plans,
		MaxSourceIntervals: p.MaxSourceIntervals,
	}, nil
}

// resolveSelector resolves a StreamSelector to the set of origins it
// matches, per spec §4.5 step 1.
func (p *Planner) resolveSelector(sel StreamSelector) ([]store.DataOrigin, error) {
	origins := p.Store.KnownOrigins()

	switch sel.Kind {
	case SelectorAll:
		return origins, nil
	case SelectorModality:
		var matches []store.DataOrigin
		for _, o := range origins {
			if string(o.Modality) == sel.Modality {
				matches = append(matches, o)
			}
		}
		return matches, nil
	case SelectorStreamID:
		o, err := resolveStreamID(origins, sel.StreamID)
		if err != nil {
			return nil, err
		}
		return []store.DataOrigin{o}, nil
	default:
		return nil, apperrors.UnsupportedQueryError("resolve_selector", fmt.Sprintf("unknown selector kind %q", sel.Kind))
	}
}

func (p *Planner) resolveSingleStream(streamID string) (store.DataOrigin, error) {
	return resolveStreamID(p.Store.KnownOrigins(), streamID)
}

// resolveStreamID implements the three-tier resolution rule: exact table
// match, then suffix/modality match, then fallback parse-as-canonical.
func resolveStreamID(origins []store.DataOrigin, streamID string) (store.DataOrigin, error) {
	for _, o := range origins {
		if o.TableName() == streamID || o.String() == streamID {
			return o, nil
		}
	}
	for _, o := range origins {
		if strings.HasSuffix(o.String(), ":"+streamID) {
			return o, nil
		}
	}
	if parsed, err := store.ParseOrigin(streamID); err == nil {
		return parsed, nil
	}
	return store.DataOrigin{}, apperrors.UnsupportedQueryError("resolve_stream_id", fmt.Sprintf("no origin matches %q", streamID))
}

// compileConjunctive splits a filter expression into its SQL-compilable
// conjuncts and zero or more top-level temporal terms (spec §4.5 step 2).
// Temporal operators are only legal directly under a top-level chain of
// Ands; nested inside Or/Not they make the whole filter Unsupported.
func compileConjunctive(e Expression) (sqlPart sq.Sqlizer, temporal []Expression, unsupportedReason string) {
	var sqlTerms []sq.Sqlizer

	var flatten func(node Expression) string
	flatten = func(node Expression) string {
		if node.Kind == ExprAnd {
			for _, operand := range node.Operands {
				if reason := flatten(operand); reason != "" {
					return reason
				}
			}
			return ""
		}
		if node.IsTemporal() {
			temporal = append(temporal, node)
			return ""
		}
		if containsTemporalOps(node) {
			return "temporal operator nested under OR or NOT"
		}
		sql, err := compileExpressionSQL(node)
		if err != nil {
			return err.Error()
		}
		sqlTerms = append(sqlTerms, sql)
		return ""
	}

	if reason := flatten(e); reason != "" {
		return nil, nil, reason
	}

	if len(sqlTerms) == 0 {
		return nil, temporal, ""
	}
	if len(sqlTerms) == 1 {
		return sqlTerms[0], temporal, ""
	}
	return sq.And(sqlTerms), temporal, ""
}

// containsTemporalOps reports whether a non-top-level node contains a
// Within/During/Overlaps anywhere beneath it.
func containsTemporalOps(e Expression) bool {
	if e.IsTemporal() {
		return true
	}
	switch e.Kind {
	case ExprAnd, ExprOr:
		for _, op := range e.Operands {
			if containsTemporalOps(op) {
				return true
			}
		}
	case ExprNot:
		if e.Operand != nil {
			return containsTemporalOps(*e.Operand)
		}
	}
	return false
}

// compileExpressionSQL compiles a non-temporal expression node to a
// squirrel Sqlizer. Contains() is realized as a LIKE match (sqlite has no
// BM25 operator without an FTS5 virtual table, which schema-on-write
// tables don't use); TimeRange filters on t_device, the column every
// modality carries unconditionally.
func compileExpressionSQL(e Expression) (sq.Sqlizer, error) {
	switch e.Kind {
	case ExprAnd:
		parts := make([]sq.Sqlizer, 0, len(e.Operands))
		for _, op := range e.Operands {
			s, err := compileExpressionSQL(op)
			if err != nil {
				return nil, err
			}
			parts = append(parts, s)
		}
		return sq.And(parts), nil
	case ExprOr:
		parts := make([]sq.Sqlizer, 0, len(e.Operands))
		for _, op := range e.Operands {
			s, err := compileExpressionSQL(op)
			if err != nil {
				return nil, err
			}
			parts = append(parts, s)
		}
		return sq.Or(parts), nil
	case ExprNot:
		if e.Operand == nil {
			return nil, apperrors.ValidationError("query", "compile_expression", "Not missing operand")
		}
		inner, err := compileExpressionSQL(*e.Operand)
		if err != nil {
			return nil, err
		}
		sql, args, err := inner.ToSql()
		if err != nil {
			return nil, err
		}
		return sq.Expr("NOT ("+sql+")", args...), nil
	case ExprEq:
		return sq.Eq{e.Field: valueToGo(e.Value)}, nil
	case ExprContains:
		return sq.Expr(fmt.Sprintf("%s LIKE ?", e.Field), "%"+e.Text+"%"), nil
	case ExprTimeRange:
		return sq.And{
			sq.GtOrEq{"t_device": e.Start},
			sq.Lt{"t_device": e.End},
		}, nil
	default:
		return nil, apperrors.UnsupportedQueryError("compile_expression", fmt.Sprintf("%s must be handled at the plan level, not compiled to SQL", e.Kind))
	}
}

func valueToGo(v Value) interface{} {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Float
	case ValueBool:
		return v.Bool
	default:
		return nil
	}
}
