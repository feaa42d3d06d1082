package query

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	apperrors "lifelogpipe/pkg/errors"
	"lifelogpipe/pkg/store"
)

// LifelogFrameKey identifies a single record result: its uuid plus the
// canonical origin string it belongs to (spec §6 QueryResponse.keys).
type LifelogFrameKey struct {
	UUID      string
	OriginStr string
}

// Executor runs ExecutionPlans against the typed store. Written fresh —
// original_source has no executor.rs — grounded on the ExecutionPlan
// shape in planner.rs and the seed scenarios in spec §8.
type Executor struct {
	Store *store.Store
}

func NewExecutor(s *store.Store) *Executor {
	return &Executor{Store: s}
}

// Execute runs plan and returns the matching keys.
func (ex *Executor) Execute(ctx context.Context, plan ExecutionPlan) ([]LifelogFrameKey, error) {
	switch plan.Kind {
	case PlanUnsupported:
		return nil, apperrors.UnsupportedQueryError("execute", plan.Reason)
	case PlanTable:
		return ex.execTable(ctx, plan)
	case PlanMulti:
		var out []LifelogFrameKey
		for _, sub := range plan.Sub {
			if sub.Kind == PlanUnsupported {
				return nil, apperrors.UnsupportedQueryError("execute", sub.Reason)
			}
			keys, err := ex.Execute(ctx, sub)
			if err != nil {
				return nil, err
			}
			out = append(out, keys...)
		}
		return out, nil
	case PlanWithin:
		return ex.execWithin(ctx, plan)
	case PlanDuring:
		return ex.execDuring(ctx, plan)
	default:
		return nil, apperrors.UnsupportedQueryError("execute", fmt.Sprintf("unknown plan kind %q", plan.Kind))
	}
}

func (ex *Executor) execTable(ctx context.Context, plan ExecutionPlan) ([]LifelogFrameKey, error) {
	sqlStr, args, err := sq.Select("uuid").From(quoteIdent(plan.Table)).Where(plan.Where).ToSql()
	if err != nil {
		return nil, apperrors.DatabaseError("query", "exec_table", "build sql").Wrap(err)
	}
	var uuids []string
	if err := ex.Store.DB().SelectContext(ctx, &uuids, sqlStr, args...); err != nil {
		return nil, apperrors.DatabaseError("query", "exec_table", "run sql").Wrap(err)
	}
	return keysFor(plan.Origin, uuids), nil
}

func (ex *Executor) execWithin(ctx context.Context, plan ExecutionPlan) ([]LifelogFrameKey, error) {
	srcSQL, srcArgs, err := sq.Select("t_device").From(quoteIdent(plan.Source.Table)).
		Where(plan.Source.Where).OrderBy("t_device DESC").Limit(uint64(plan.MaxSourceTimestamps)).ToSql()
	if err != nil {
		return nil, apperrors.DatabaseError("query", "exec_within", "build source sql").Wrap(err)
	}
	var timestamps []time.Time
	if err := ex.Store.DB().SelectContext(ctx, &timestamps, srcSQL, srcArgs...); err != nil {
		return nil, apperrors.DatabaseError("query", "exec_within", "run source sql").Wrap(err)
	}

	dedup := dedupeTimestamps(timestamps)
	if len(dedup) > plan.MaxTimeClauses {
		dedup = dedup[:plan.MaxTimeClauses]
	}
	if len(dedup) == 0 {
		return nil, nil
	}

	windowClauses := make([]sq.Sqlizer, 0, len(dedup))
	for _, ts := range dedup {
		windowClauses = append(windowClauses, sq.And{
			sq.GtOrEq{"t_device": ts.Add(-plan.Window)},
			sq.Lt{"t_device": ts.Add(plan.Window)},
		})
	}
	where := sq.And{plan.TargetWhere, sq.Or(windowClauses)}

	targetSQL, targetArgs, err := sq.Select("uuid").From(quoteIdent(plan.TargetTable)).Where(where).ToSql()
	if err != nil {
		return nil, apperrors.DatabaseError("query", "exec_within", "build target sql").Wrap(err)
	}
	var uuids []string
	if err := ex.Store.DB().SelectContext(ctx, &uuids, targetSQL, targetArgs...); err != nil {
		return nil, apperrors.DatabaseError("query", "exec_within", "run target sql").Wrap(err)
	}
	return keysFor(plan.TargetOrigin, uuids), nil
}

// interval is a half-open [Start, End) range, matching the spec's
// "intervals are half-open [start, end)" ordering rule.
type interval struct {
	Start time.Time
	End   time.Time
}

func (ex *Executor) execDuring(ctx context.Context, plan ExecutionPlan) ([]LifelogFrameKey, error) {
	var perTermIntervals [][]interval

	for _, term := range plan.DuringTerms {
		durationCol := "0 AS duration_secs"
		if term.HasDurationField {
			durationCol = "COALESCE(duration_secs, 0) AS duration_secs"
		}
		sqlStr, args, err := sq.Select("t_device", durationCol).
			From(quoteIdent(term.SourceTable)).Where(term.SourceWhere).
			OrderBy("t_device DESC").Limit(uint64(plan.MaxSourceIntervals)).ToSql()
		if err != nil {
			return nil, apperrors.DatabaseError("query", "exec_during", "build source sql").Wrap(err)
		}

		rows, err := ex.Store.DB().QueryContext(ctx, sqlStr, args...)
		if err != nil {
			return nil, apperrors.DatabaseError("query", "exec_during", "run source sql").Wrap(err)
		}

		var intervals []interval
		for rows.Next() {
			var ts time.Time
			var durationSecs float64
			if err := rows.Scan(&ts, &durationSecs); err != nil {
				rows.Close()
				return nil, apperrors.DatabaseError("query", "exec_during", "scan source row").Wrap(err)
			}
			if durationSecs < 0 {
				durationSecs = 0
			}
			start := ts.Add(-term.Window)
			end := ts.Add(time.Duration(durationSecs*float64(time.Second)) + term.Window)
			intervals = append(intervals, interval{Start: start, End: end})
		}
		rows.Close()

		perTermIntervals = append(perTermIntervals, coalesce(intervals))
	}

	final := intersectAll(perTermIntervals)
	if len(final) == 0 {
		return nil, nil
	}

	targetSQL, targetArgs, err := sq.Select("uuid", "t_device", "t_end").
		From(quoteIdent(plan.TargetTable)).Where(plan.TargetWhere).ToSql()
	if err != nil {
		return nil, apperrors.DatabaseError("query", "exec_during", "build target sql").Wrap(err)
	}

	rows, err := ex.Store.DB().QueryContext(ctx, targetSQL, targetArgs...)
	if err != nil {
		return nil, apperrors.DatabaseError("query", "exec_during", "run target sql").Wrap(err)
	}
	defer rows.Close()

	var keys []LifelogFrameKey
	for rows.Next() {
		var uuid string
		var tDevice time.Time
		var tEnd sql.NullTime
		if err := rows.Scan(&uuid, &tDevice, &tEnd); err != nil {
			return nil, apperrors.DatabaseError("query", "exec_during", "scan target row").Wrap(err)
		}

		var matches bool
		if tEnd.Valid {
			matches = overlapsAny(interval{Start: tDevice, End: tEnd.Time}, final)
		} else {
			matches = containsPoint(tDevice, final)
		}
		if matches {
			keys = append(keys, LifelogFrameKey{UUID: uuid, OriginStr: plan.TargetOrigin.String()})
		}
	}
	return keys, nil
}

func dedupeTimestamps(ts []time.Time) []time.Time {
	seen := make(map[int64]bool, len(ts))
	var out []time.Time
	for _, t := range ts {
		key := t.UnixNano()
		if !seen[key] {
			seen[key] = true
			out = append(out, t)
		}
	}
	return out
}

// coalesce sorts intervals by (start, end) and merges overlapping or
// touching ones, per spec §4.5 "tie-breaking on coalescing uses
// (start, end) lexicographic order".
func coalesce(intervals []interval) []interval {
	if len(intervals) == 0 {
		return nil
	}
	sort.Slice(intervals, func(i, j int) bool {
		if !intervals[i].Start.Equal(intervals[j].Start) {
			return intervals[i].Start.Before(intervals[j].Start)
		}
		return intervals[i].End.Before(intervals[j].End)
	})

	merged := []interval{intervals[0]}
	for _, iv := range intervals[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
		} else {
			merged = append(merged, iv)
		}
	}
	return merged
}

// intersectAll intersects every per-term coalesced interval set pairwise,
// producing the AND semantics multiple DURING terms require.
func intersectAll(sets [][]interval) []interval {
	if len(sets) == 0 {
		return nil
	}
	result := sets[0]
	for _, s := range sets[1:] {
		result = intersectTwo(result, s)
		if len(result) == 0 {
			return nil
		}
	}
	return result
}

func intersectTwo(a, b []interval) []interval {
	var out []interval
	for _, x := range a {
		for _, y := range b {
			start := x.Start
			if y.Start.After(start) {
				start = y.Start
			}
			end := x.End
			if y.End.Before(end) {
				end = y.End
			}
			if start.Before(end) {
				out = append(out, interval{Start: start, End: end})
			}
		}
	}
	return coalesce(out)
}

func containsPoint(t time.Time, intervals []interval) bool {
	for _, iv := range intervals {
		if !t.Before(iv.Start) && t.Before(iv.End) {
			return true
		}
	}
	return false
}

func overlapsAny(target interval, intervals []interval) bool {
	for _, iv := range intervals {
		if target.Start.Before(iv.End) && iv.Start.Before(target.End) {
			return true
		}
	}
	return false
}

func keysFor(origin store.DataOrigin, uuids []string) []LifelogFrameKey {
	keys := make([]LifelogFrameKey, len(uuids))
	for i, u := range uuids {
		keys[i] = LifelogFrameKey{UUID: u, OriginStr: origin.String()}
	}
	return keys
}

func quoteIdent(name string) string {
	return fmt.Sprintf("%q", name)
}
