package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce        sync.Once
	metricsInitErr     error
	evaluationCounter  metric.Int64Counter
	yieldCounter       metric.Int64Counter
	instructionCounter metric.Int64Counter
	latencyHistogram   metric.Float64Histogram
)

// EvaluationMetrics captures the fields needed to record one interpreter run.
type EvaluationMetrics struct {
	Entry    string
	Rcode    string
	Parked   bool
	Duration time.Duration
}

// RecordEvaluation emits counters and histograms describing a policy
// evaluation run. Parked runs are counted but contribute no result code.
func RecordEvaluation(ctx context.Context, m EvaluationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("policy.parked", m.Parked),
	}
	if m.Entry != "" {
		attrs = append(attrs, attribute.String("policy.entry", m.Entry))
	}
	if !m.Parked {
		attrs = append(attrs, attribute.String("policy.rcode", m.Rcode))
	}

	evaluationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		latencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordInstruction counts one completed instruction, partitioned by the
// instruction kind and the result it produced.
func RecordInstruction(ctx context.Context, op, rcode string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	instructionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instruction.op", op),
		attribute.String("instruction.rcode", rcode),
	))
}

// RecordYield counts a module suspending its request.
func RecordYield(ctx context.Context, module string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	yieldCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module.name", module),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("gatekeep.interp")

		evaluationCounter, metricsInitErr = meter.Int64Counter(
			"gatekeep.policy.evaluations_total",
			metric.WithDescription("Policy evaluation runs partitioned by result code"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		yieldCounter, metricsInitErr = meter.Int64Counter(
			"gatekeep.policy.yields_total",
			metric.WithDescription("Module calls that suspended their request"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		instructionCounter, metricsInitErr = meter.Int64Counter(
			"gatekeep.policy.instructions_total",
			metric.WithDescription("Completed policy instructions partitioned by kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		latencyHistogram, metricsInitErr = meter.Float64Histogram(
			"gatekeep.policy.duration_ms",
			metric.WithDescription("Observed policy evaluation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
