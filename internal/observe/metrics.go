// Package observe provides application-wide observability primitives for
// Orchestra: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// The per-chunk helpers ([Metrics.RecordChunk], [Metrics.RecordEngineCall])
// use precomputed attribute sets so the pump loop does not allocate.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// meterName is the instrumentation scope name used for all Orchestra metrics.
const meterName = "github.com/MrWong99/orchestra"

// EngineOp names the two directions of the engine boundary.
type EngineOp string

const (
	// OpFill is a playback request: the engine fills an output chunk.
	OpFill EngineOp = "fill"

	// OpPush is a record delivery: the engine receives an input chunk.
	OpPush EngineOp = "push"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionsOpened counts successful opens by direction.
	SessionsOpened metric.Int64Counter

	// ActiveSessions tracks registered sessions by direction.
	ActiveSessions metric.Int64UpDownCounter

	// Transitions counts state changes. Attributes: from, to.
	Transitions metric.Int64Counter

	// TransitionDuration tracks how long start/pause/resume/stop took,
	// including the wait for the pump to reach a chunk boundary.
	TransitionDuration metric.Float64Histogram

	// --- Pump loop ---

	// Chunks counts chunks moved between device and engine by direction.
	Chunks metric.Int64Counter

	// XRuns counts device underflows and overflows. Attribute: kind.
	XRuns metric.Int64Counter

	// DeviceErrors counts fatal device I/O errors by direction.
	DeviceErrors metric.Int64Counter

	// --- Engine boundary ---

	// EngineDuration tracks engine fill/push latency. Attribute: op.
	EngineDuration metric.Float64Histogram

	// EngineOverruns counts engine calls that exceeded one chunk duration.
	EngineOverruns metric.Int64Counter

	// EngineErrors counts failed or skipped engine calls. Attributes: op, reason.
	EngineErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	dirSets    map[audio.Direction]metric.MeasurementOption
	opSets     map[EngineOp]metric.MeasurementOption
	xrunSets   map[audio.Direction]metric.MeasurementOption
	engErrSets map[EngineOp]map[string]metric.MeasurementOption
}

// chunkBuckets are histogram boundaries (in seconds) sized around typical
// chunk durations of 2–50 ms.
var chunkBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25,
}

// transitionBuckets cover control operations that may wait one chunk.
var transitionBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// Engine error reasons.
const (
	ReasonError       = "error"
	ReasonCircuitOpen = "circuit_open"
)

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsOpened, err = m.Int64Counter("orchestra.sessions.opened",
		metric.WithDescription("Total sessions opened by direction."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("orchestra.sessions.active",
		metric.WithDescription("Number of registered sessions by direction."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("orchestra.session.transitions",
		metric.WithDescription("Session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.TransitionDuration, err = m.Float64Histogram("orchestra.session.transition.duration",
		metric.WithDescription("Latency of session control operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transitionBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Chunks, err = m.Int64Counter("orchestra.chunks",
		metric.WithDescription("Chunks transferred between devices and the engine."),
	); err != nil {
		return nil, err
	}
	if met.XRuns, err = m.Int64Counter("orchestra.xruns",
		metric.WithDescription("Device underflows and overflows."),
	); err != nil {
		return nil, err
	}
	if met.DeviceErrors, err = m.Int64Counter("orchestra.device.errors",
		metric.WithDescription("Fatal device I/O errors by direction."),
	); err != nil {
		return nil, err
	}

	if met.EngineDuration, err = m.Float64Histogram("orchestra.engine.duration",
		metric.WithDescription("Latency of engine fill and push calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineOverruns, err = m.Int64Counter("orchestra.engine.overruns",
		metric.WithDescription("Engine calls that took longer than one chunk."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("orchestra.engine.errors",
		metric.WithDescription("Engine calls that failed or were skipped by the breaker."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("orchestra.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	met.precompute()
	return met, nil
}

func (m *Metrics) precompute() {
	set := func(kv ...attribute.KeyValue) metric.MeasurementOption {
		return metric.WithAttributeSet(attribute.NewSet(kv...))
	}
	m.dirSets = map[audio.Direction]metric.MeasurementOption{
		audio.DirectionInput:  set(attribute.String("direction", "input")),
		audio.DirectionOutput: set(attribute.String("direction", "output")),
	}
	m.xrunSets = map[audio.Direction]metric.MeasurementOption{
		audio.DirectionInput:  set(attribute.String("direction", "input"), attribute.String("kind", "overflow")),
		audio.DirectionOutput: set(attribute.String("direction", "output"), attribute.String("kind", "underflow")),
	}
	m.opSets = make(map[EngineOp]metric.MeasurementOption, 2)
	m.engErrSets = make(map[EngineOp]map[string]metric.MeasurementOption, 2)
	for _, op := range []EngineOp{OpFill, OpPush} {
		m.opSets[op] = set(attribute.String("op", string(op)))
		m.engErrSets[op] = map[string]metric.MeasurementOption{
			ReasonError:       set(attribute.String("op", string(op)), attribute.String("reason", ReasonError)),
			ReasonCircuitOpen: set(attribute.String("op", string(op)), attribute.String("reason", ReasonCircuitOpen)),
		}
	}
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionOpened counts an open and raises the active gauge.
func (m *Metrics) RecordSessionOpened(ctx context.Context, dir audio.Direction) {
	opt := m.dirSets[dir]
	m.SessionsOpened.Add(ctx, 1, opt)
	m.ActiveSessions.Add(ctx, 1, opt)
}

// RecordSessionClosed lowers the active gauge.
func (m *Metrics) RecordSessionClosed(ctx context.Context, dir audio.Direction) {
	m.ActiveSessions.Add(ctx, -1, m.dirSets[dir])
}

// RecordTransition counts a state change and, when d > 0, records how long
// the control operation that caused it took.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string, d time.Duration) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	if d > 0 {
		m.TransitionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("to", to)))
	}
}

// RecordChunk counts one transferred chunk.
func (m *Metrics) RecordChunk(ctx context.Context, dir audio.Direction) {
	m.Chunks.Add(ctx, 1, m.dirSets[dir])
}

// RecordXRun counts one underflow (output) or overflow (input).
func (m *Metrics) RecordXRun(ctx context.Context, dir audio.Direction) {
	m.XRuns.Add(ctx, 1, m.xrunSets[dir])
}

// RecordDeviceError counts a fatal device error.
func (m *Metrics) RecordDeviceError(ctx context.Context, dir audio.Direction) {
	m.DeviceErrors.Add(ctx, 1, m.dirSets[dir])
}

// RecordEngineCall records the latency of one engine call and counts an
// overrun when it exceeded budget.
func (m *Metrics) RecordEngineCall(ctx context.Context, op EngineOp, d, budget time.Duration) {
	opt := m.opSets[op]
	m.EngineDuration.Record(ctx, d.Seconds(), opt)
	if budget > 0 && d > budget {
		m.EngineOverruns.Add(ctx, 1, opt)
	}
}

// RecordEngineError counts a failed or skipped engine call. reason is
// [ReasonError] or [ReasonCircuitOpen].
func (m *Metrics) RecordEngineError(ctx context.Context, op EngineOp, reason string) {
	opt, ok := m.engErrSets[op][reason]
	if !ok {
		opt = metric.WithAttributes(attribute.String("op", string(op)), attribute.String("reason", reason))
	}
	m.EngineErrors.Add(ctx, 1, opt)
}
