package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lifelogpipe/pkg/store"
)

func newTestPlanner(t *testing.T) (*Planner, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureOrigin(store.DataOrigin{Source: "laptop01", Modality: store.ModalityScreen}))
	require.NoError(t, s.EnsureOrigin(store.DataOrigin{Source: "laptop01", Modality: store.ModalityBrowser}))
	return NewPlanner(s), s
}

func TestPlanTableQueryNoTemporalTerms(t *testing.T) {
	p, _ := newTestPlanner(t)
	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "laptop01:Screen"},
		Filter: Expression{Kind: ExprEq, Field: "width", Value: IntValue(1920)},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanTable, plan.Kind)
}

func TestPlanTemporalUnderOrIsUnsupported(t *testing.T) {
	p, _ := newTestPlanner(t)
	within := Expression{Kind: ExprWithin, Stream: "laptop01:Browser", Window: 5 * time.Second,
		Predicate: &Expression{Kind: ExprEq, Field: "title", Value: StringValue("x")}}
	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "laptop01:Screen"},
		Filter: Expression{Kind: ExprOr, Operands: []Expression{within, {Kind: ExprEq, Field: "width", Value: IntValue(1)}}},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanUnsupported, plan.Kind)
}

func TestPlanTemporalUnderNotIsUnsupported(t *testing.T) {
	p, _ := newTestPlanner(t)
	within := Expression{Kind: ExprWithin, Stream: "laptop01:Browser", Window: 5 * time.Second,
		Predicate: &Expression{Kind: ExprEq, Field: "title", Value: StringValue("x")}}
	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "laptop01:Screen"},
		Filter: Expression{Kind: ExprNot, Operand: &within},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanUnsupported, plan.Kind)
}

func TestPlanMixedWithinDuringIsUnsupported(t *testing.T) {
	p, _ := newTestPlanner(t)
	within := Expression{Kind: ExprWithin, Stream: "laptop01:Browser", Window: 5 * time.Second,
		Predicate: &Expression{Kind: ExprEq, Field: "title", Value: StringValue("x")}}
	during := Expression{Kind: ExprDuring, Stream: "laptop01:Browser", Window: 5 * time.Second,
		Predicate: &Expression{Kind: ExprEq, Field: "title", Value: StringValue("y")}}
	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "laptop01:Screen"},
		Filter: Expression{Kind: ExprAnd, Operands: []Expression{within, during}},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanUnsupported, plan.Kind)
}

func TestPlanMultipleWithinTermsIsUnsupported(t *testing.T) {
	p, _ := newTestPlanner(t)
	w1 := Expression{Kind: ExprWithin, Stream: "laptop01:Browser", Window: 5 * time.Second,
		Predicate: &Expression{Kind: ExprEq, Field: "title", Value: StringValue("x")}}
	w2 := Expression{Kind: ExprWithin, Stream: "laptop01:Browser", Window: 5 * time.Second,
		Predicate: &Expression{Kind: ExprEq, Field: "title", Value: StringValue("y")}}
	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "laptop01:Screen"},
		Filter: Expression{Kind: ExprAnd, Operands: []Expression{w1, w2}},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanUnsupported, plan.Kind)
}

func TestResolveStreamIDFallsBackToSuffix(t *testing.T) {
	p, _ := newTestPlanner(t)
	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "Screen"},
		Filter: Expression{Kind: ExprEq, Field: "width", Value: IntValue(1)},
	}
	plan, err := p.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanTable, plan.Kind)
	require.Equal(t, "laptop01:Screen", plan.Origin.String())
}
