// Package metrics exposes the completion driver's runtime behavior as
// Prometheus counters and a histogram: iteration counts, code-block
// execution latency, child-call (llm_query) fan-out, and truncation rate.
// It plugs into a running Driver the same way a trajectory sink or a live
// event sink does, via service.EventSink, so no call site in the driver
// itself needs to know metrics exist.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

// Collector is a service.EventSink that records Prometheus metrics from
// the entity.DriverEvent stream of one or more completions sharing a
// Driver. It is safe to attach to many concurrent completions: all state
// lives in the prometheus collectors themselves.
type Collector struct {
	iterations   prometheus.Counter
	codeBlocks   prometheus.Counter
	childCalls   prometheus.Counter
	truncations  prometheus.Counter
	errors       prometheus.Counter
	completions  prometheus.Counter
	replDuration prometheus.Histogram
}

// NewCollector registers the driver's metrics against reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// *prometheus.Registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rlmgo",
			Subsystem: "driver",
			Name:      "iterations_total",
			Help:      "Completion driver iterations started.",
		}),
		codeBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rlmgo",
			Subsystem: "driver",
			Name:      "code_blocks_total",
			Help:      "Fenced code blocks executed.",
		}),
		childCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rlmgo",
			Subsystem: "driver",
			Name:      "child_calls_total",
			Help:      "llm_query delegations made from inside executed code.",
		}),
		truncations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rlmgo",
			Subsystem: "driver",
			Name:      "truncations_total",
			Help:      "Completions that exhausted their iteration budget without a final answer.",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rlmgo",
			Subsystem: "driver",
			Name:      "errors_total",
			Help:      "Errors emitted by the completion driver.",
		}),
		completions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rlmgo",
			Subsystem: "driver",
			Name:      "final_answers_total",
			Help:      "Completions that produced a final answer.",
		}),
		replDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rlmgo",
			Subsystem: "driver",
			Name:      "repl_result_seconds",
			Help:      "Time a code block spent executing, as reported by its REPLResult.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Emit implements service.EventSink.
func (c *Collector) Emit(ctx context.Context, ev entity.DriverEvent) {
	switch ev.Type {
	case entity.EventIterationStart:
		c.iterations.Inc()
	case entity.EventCodeBlock:
		c.codeBlocks.Inc()
	case entity.EventREPLResult:
		if ev.Result != nil {
			c.replDuration.Observe(ev.Result.Elapsed.Seconds())
		}
	case entity.EventChildCall:
		c.childCalls.Inc()
	case entity.EventTruncated:
		c.truncations.Inc()
	case entity.EventError:
		c.errors.Inc()
	case entity.EventFinalAnswer:
		c.completions.Inc()
	}
}
