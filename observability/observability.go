// Package observability composes tracing, metrics and logging behind a
// single interface, so every actor takes one Observability value instead
// of three.
package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Observability bundles tracing, metrics and logging for an actor tree.
type Observability interface {
	TracerProvider() trace.TracerProvider
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	PrometheusRegisterer() prometheus.Registerer
	Logger() *slog.Logger
	Shutdown() error
}

type observability struct {
	tp       trace.TracerProvider
	mp       metric.MeterProvider
	reg      *prometheus.Registry
	log      *slog.Logger
	shutdown func() error
}

// NewFactory builds an Observability with a fresh Prometheus registry and
// no-op tracer provider, suitable as the default root for cmd/validatornode;
// individual call sites may override the logger via WithLogger.
func NewFactory() Observability {
	reg := prometheus.NewRegistry()
	mp := sdkmetric.NewMeterProvider()
	return &observability{
		tp:       trace.NewNoopTracerProvider(),
		mp:       mp,
		reg:      reg,
		log:      slog.Default(),
		shutdown: func() error { return nil },
	}
}

func (o *observability) TracerProvider() trace.TracerProvider { return o.tp }

func (o *observability) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, options...)
}

func (o *observability) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, opts...)
}

func (o *observability) PrometheusRegisterer() prometheus.Registerer { return o.reg }

func (o *observability) Logger() *slog.Logger { return o.log }

func (o *observability) Shutdown() error { return o.shutdown() }

// WithLogger returns a copy of obs using log instead of its current logger,
// used to attach per-node fields (node id, shard) once they're known.
func WithLogger(obs Observability, log *slog.Logger) Observability {
	base, ok := obs.(*observability)
	if !ok {
		return &observability{tp: obs.TracerProvider(), mp: noopMeterProvider{obs}, reg: prometheus.NewRegistry(), log: log, shutdown: obs.Shutdown}
	}
	cp := *base
	cp.log = log
	return &cp
}

// noopMeterProvider adapts an Observability's Meter method to the
// metric.MeterProvider interface when the concrete type isn't ours.
type noopMeterProvider struct{ obs Observability }

func (p noopMeterProvider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return p.obs.Meter(name, opts...)
}

// RoundGauges tracks the current round/epoch as Prometheus gauges, the only
// metrics-layer shared mutable state.
type RoundGauges struct {
	Epoch prometheus.Gauge
	Round prometheus.Gauge
}

// NewRoundGauges registers the epoch/round gauges with reg under a common
// "consensus" namespace.
func NewRoundGauges(reg prometheus.Registerer) *RoundGauges {
	g := &RoundGauges{
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "consensus", Name: "current_epoch", Help: "Current epoch number."}),
		Round: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "consensus", Name: "current_round", Help: "Current round number within the epoch."}),
	}
	reg.MustRegister(g.Epoch, g.Round)
	return g
}
