package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/petrijr/boardflow/pkg/api"
)

// ErrUnknownExporter is returned by Setup for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown exporter")

// Config selects the exporters. Empty exporter names mean "none".
type Config struct {
	ServiceName string `yaml:"service_name"`

	// TraceExporter is "none", "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=none stdout otlp"`

	// MetricExporter is "none", "prometheus" or "stdout".
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=none prometheus stdout"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// Namespace prefixes the Prometheus collectors.
	Namespace string `yaml:"namespace"`
}

// Telemetry owns the providers built by Setup.
type Telemetry struct {
	tracing  bool
	metered  bool
	tp       trace.TracerProvider
	mp       metric.MeterProvider
	registry *prometheus.Registry
	metrics  *PrometheusMetrics
	shutdown []func(context.Context) error
}

// Setup builds trace and metric providers for cfg. stdout exporters write to
// w.
func Setup(ctx context.Context, cfg Config, w io.Writer) (*Telemetry, error) {
	t := &Telemetry{
		tp: tracenoop.NewTracerProvider(),
		mp: metricnoop.NewMeterProvider(),
	}
	name := cfg.ServiceName
	if name == "" {
		name = "boardflow"
	}
	res := resource.NewWithAttributes("", attribute.String("service.name", name))

	switch cfg.TraceExporter {
	case "", "none":
	case "stdout", "otlp":
		var (
			exporter sdktrace.SpanExporter
			err      error
		)
		if cfg.TraceExporter == "stdout" {
			exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
		} else {
			opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
			if cfg.OTLPInsecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
			exporter, err = otlptracegrpc.New(ctx, opts...)
		}
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
		t.tp = tp
		t.tracing = true
		t.shutdown = append(t.shutdown, tp.Shutdown)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	switch cfg.MetricExporter {
	case "", "none":
	case "prometheus":
		t.registry = prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(t.registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
		t.mp = mp
		t.metered = true
		t.shutdown = append(t.shutdown, mp.Shutdown)
		if t.metrics, err = NewPrometheusMetrics(t.registry, cfg.Namespace); err != nil {
			return nil, err
		}
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)), sdkmetric.WithResource(res))
		t.mp = mp
		t.metered = true
		t.shutdown = append(t.shutdown, mp.Shutdown)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
	return t, nil
}

// RunProbe returns a fresh probe for one run, or a NoopProbe when nothing is
// exported.
func (t *Telemetry) RunProbe() (api.Probe, error) {
	var probes []api.Probe
	if t.tracing || t.metered {
		tp, err := NewTracingProbe(t.tp, t.mp)
		if err != nil {
			return nil, err
		}
		probes = append(probes, tp)
	}
	if t.metrics != nil {
		probes = append(probes, t.metrics.Probe())
	}
	return api.NewCompositeProbe(probes...), nil
}

// MetricsHandler serves the Prometheus registry. It is nil unless the metric
// exporter is "prometheus".
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
