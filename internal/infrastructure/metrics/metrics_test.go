package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

func TestCollectorCountsEachEventType(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	ctx := context.Background()

	c.Emit(ctx, entity.DriverEvent{Type: entity.EventIterationStart})
	c.Emit(ctx, entity.DriverEvent{Type: entity.EventIterationStart})
	c.Emit(ctx, entity.DriverEvent{Type: entity.EventCodeBlock})
	c.Emit(ctx, entity.DriverEvent{Type: entity.EventChildCall})
	c.Emit(ctx, entity.DriverEvent{Type: entity.EventTruncated})
	c.Emit(ctx, entity.DriverEvent{Type: entity.EventError})
	c.Emit(ctx, entity.DriverEvent{Type: entity.EventFinalAnswer})

	cases := []struct {
		name string
		ctr  prometheus.Counter
		want float64
	}{
		{"iterations", c.iterations, 2},
		{"code blocks", c.codeBlocks, 1},
		{"child calls", c.childCalls, 1},
		{"truncations", c.truncations, 1},
		{"errors", c.errors, 1},
		{"completions", c.completions, 1},
	}
	for _, tc := range cases {
		if got := testutil.ToFloat64(tc.ctr); got != tc.want {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestCollectorObservesREPLResultDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Emit(context.Background(), entity.DriverEvent{
		Type:   entity.EventREPLResult,
		Result: &entity.REPLResult{Elapsed: 250 * time.Millisecond},
	})

	if n := replSampleCount(t, reg); n != 1 {
		t.Fatalf("want 1 collected histogram sample, got %d", n)
	}
}

func TestCollectorIgnoresREPLResultEventWithNilResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Emit(context.Background(), entity.DriverEvent{Type: entity.EventREPLResult, Result: nil})

	if n := replSampleCount(t, reg); n != 0 {
		t.Fatalf("want no histogram sample recorded for a nil result, got %d", n)
	}
}

// replSampleCount returns how many observations the REPL-duration
// histogram registered in reg has recorded.
func replSampleCount(t *testing.T, reg *prometheus.Registry) uint64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "rlmgo_driver_repl_result_seconds" {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("histogram rlmgo_driver_repl_result_seconds not registered")
	return 0
}
