package query

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lifelogpipe/pkg/store"
)

func insertRecord(t *testing.T, s *store.Store, origin store.DataOrigin, fields map[string]interface{}, tDevice time.Time, tEnd *time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.UpsertRecord(origin, store.Record{
		UUID:     id,
		Kind:     origin.Modality,
		Fields:   fields,
		Envelope: store.TimeEnvelope{TDevice: tDevice, TEnd: tEnd, TimeQuality: store.TimeQualityGood},
	}))
	return id
}

func TestExecuteWithinCorrelation(t *testing.T) {
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	screen := store.DataOrigin{Source: "c1", Modality: store.ModalityScreen}
	browser := store.DataOrigin{Source: "c1", Modality: store.ModalityBrowser}
	require.NoError(t, s.EnsureOrigin(screen))
	require.NoError(t, s.EnsureOrigin(browser))

	t0 := time.Now().UTC().Truncate(time.Second)
	idFar := insertRecord(t, s, screen, map[string]interface{}{"width": 1920, "height": 1080}, t0.Add(120*time.Second), nil)
	idNear := insertRecord(t, s, screen, map[string]interface{}{"width": 1920, "height": 1080}, t0, nil)
	insertRecord(t, s, browser, map[string]interface{}{"url": "https://rust-lang.org", "title": "Learning Rust"}, t0.Add(2*time.Second), nil)

	planner := NewPlanner(s)
	executor := NewExecutor(s)

	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "c1:Screen"},
		Filter: Expression{
			Kind:   ExprWithin,
			Stream: "c1:Browser",
			Window: 5 * time.Second,
			Predicate: &Expression{Kind: ExprContains, Field: "title", Text: "Rust"},
		},
	}
	plan, err := planner.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanWithin, plan.Kind)

	keys, err := executor.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, idNear.String(), keys[0].UUID)
	require.NotEqual(t, idFar.String(), keys[0].UUID)
}

func TestExecuteDuringConjunction(t *testing.T) {
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	audio := store.DataOrigin{Source: "c1", Modality: store.ModalityAudio}
	screen := store.DataOrigin{Source: "c1", Modality: store.ModalityScreen}
	require.NoError(t, s.EnsureOrigin(audio))
	require.NoError(t, s.EnsureOrigin(screen))

	t0 := time.Now().UTC().Truncate(time.Second)
	insertRecord(t, s, audio, map[string]interface{}{"codec": "pcm", "duration_secs": 10.0}, t0, nil)
	insertRecord(t, s, audio, map[string]interface{}{"codec": "aac", "duration_secs": 10.0}, t0.Add(5*time.Second), nil)

	idEarly := insertRecord(t, s, screen, map[string]interface{}{"width": 1920, "height": 1080}, t0.Add(2*time.Second), nil)
	idInWindow := insertRecord(t, s, screen, map[string]interface{}{"width": 1920, "height": 1080}, t0.Add(7*time.Second), nil)

	planner := NewPlanner(s)
	executor := NewExecutor(s)

	duringPCM := Expression{Kind: ExprDuring, Stream: "c1:Audio", Window: 0,
		Predicate: &Expression{Kind: ExprEq, Field: "codec", Value: StringValue("pcm")}}
	duringAAC := Expression{Kind: ExprDuring, Stream: "c1:Audio", Window: 0,
		Predicate: &Expression{Kind: ExprEq, Field: "codec", Value: StringValue("aac")}}

	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "c1:Screen"},
		Filter: Expression{Kind: ExprAnd, Operands: []Expression{duringPCM, duringAAC}},
	}
	plan, err := planner.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanDuring, plan.Kind)

	keys, err := executor.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, idInWindow.String(), keys[0].UUID)
	require.NotEqual(t, idEarly.String(), keys[0].UUID)
}

func TestExecuteTableQueryTimeRange(t *testing.T) {
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	screen := store.DataOrigin{Source: "c1", Modality: store.ModalityScreen}
	require.NoError(t, s.EnsureOrigin(screen))

	t0 := time.Now().UTC().Truncate(time.Second)
	id := insertRecord(t, s, screen, map[string]interface{}{"width": 1920, "height": 1080}, t0, nil)

	planner := NewPlanner(s)
	executor := NewExecutor(s)

	q := Query{
		Target: StreamSelector{Kind: SelectorStreamID, StreamID: "c1:Screen"},
		Filter: Expression{Kind: ExprTimeRange, Start: t0, End: t0.Add(time.Second)},
	}
	plan, err := planner.Plan(q)
	require.NoError(t, err)
	require.Equal(t, PlanTable, plan.Kind)

	keys, err := executor.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, id.String(), keys[0].UUID)
	require.Equal(t, "c1:Screen", keys[0].OriginStr)
}
