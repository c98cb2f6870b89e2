// Package telemetry pushes the harvester's own logs and prometheus metrics
// to an OTLP endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	prombridge "go.opentelemetry.io/contrib/bridges/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ScopeName is the instrumentation scope of exported log records.
const ScopeName = "telemetry-harvester"

const (
	defaultPushInterval    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Config configures self-monitoring export. An empty Endpoint disables it.
type Config struct {
	Endpoint string
	// Protocol is "grpc" (default) or "http".
	Protocol        string
	Insecure        bool
	Timeout         time.Duration
	PushInterval    time.Duration
	Compression     string
	Headers         map[string]string
	ShutdownTimeout time.Duration

	ServiceName    string
	ServiceVersion string
	// InstanceID is reported as service.instance.id, typically the page id.
	InstanceID string
}

// Telemetry owns the OTEL providers.
type Telemetry struct {
	logs     *sdklog.LoggerProvider
	meters   *metric.MeterProvider
	logger   otellog.Logger
	shutdown time.Duration
}

// Init builds the exporters and providers. It returns nil, nil when
// cfg.Endpoint is empty.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	var build exporterFactory
	switch cfg.Protocol {
	case "", "grpc":
		build = grpcExporters
	case "http":
		build = httpExporters
	default:
		return nil, fmt.Errorf("telemetry: unknown protocol %q", cfg.Protocol)
	}
	logExp, metricExp, err := build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporters: %w", err)
	}

	interval := cfg.PushInterval
	if interval <= 0 {
		interval = defaultPushInterval
	}

	t := &Telemetry{shutdown: cfg.ShutdownTimeout}
	t.logs = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
	)
	t.logger = t.logs.Logger(ScopeName)
	t.meters = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExp,
			metric.WithInterval(interval),
			metric.WithProducer(prombridge.NewMetricProducer()),
		)),
	)
	return t, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = ScopeName
	}
	attrs := []resource.Option{resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)}
	if cfg.InstanceID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(cfg.InstanceID)))
	}
	return resource.New(ctx, attrs...)
}

// Enabled reports whether export is configured.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.logger != nil
}

// Logger returns the OTEL logger, or nil when disabled.
func (t *Telemetry) Logger() otellog.Logger {
	if t == nil {
		return nil
	}
	return t.logger
}

// ShutdownTimeout bounds Shutdown when the caller has no deadline of its own.
func (t *Telemetry) ShutdownTimeout() time.Duration {
	if t == nil || t.shutdown <= 0 {
		return defaultShutdownTimeout
	}
	return t.shutdown
}

// Shutdown flushes and stops both providers. Safe on nil.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meters != nil {
		errs = append(errs, t.meters.Shutdown(ctx))
	}
	if t.logs != nil {
		errs = append(errs, t.logs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

type exporterFactory func(ctx context.Context, cfg Config) (sdklog.Exporter, metric.Exporter, error)

func grpcExporters(ctx context.Context, cfg Config) (sdklog.Exporter, metric.Exporter, error) {
	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		logOpts = append(logOpts, otlploggrpc.WithTimeout(cfg.Timeout))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Compression == "gzip" {
		logOpts = append(logOpts, otlploggrpc.WithCompressor("gzip"))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithCompressor("gzip"))
	}
	if len(cfg.Headers) > 0 {
		logOpts = append(logOpts, otlploggrpc.WithHeaders(cfg.Headers))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}

	logExp, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, err
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = logExp.Shutdown(ctx)
		return nil, nil, err
	}
	return logExp, metricExp, nil
}

func httpExporters(ctx context.Context, cfg Config) (sdklog.Exporter, metric.Exporter, error) {
	logOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	if cfg.Timeout > 0 {
		logOpts = append(logOpts, otlploghttp.WithTimeout(cfg.Timeout))
		metricOpts = append(metricOpts, otlpmetrichttp.WithTimeout(cfg.Timeout))
	}
	if cfg.Compression == "gzip" {
		logOpts = append(logOpts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		metricOpts = append(metricOpts, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
	}
	if len(cfg.Headers) > 0 {
		logOpts = append(logOpts, otlploghttp.WithHeaders(cfg.Headers))
		metricOpts = append(metricOpts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}

	logExp, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, err
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = logExp.Shutdown(ctx)
		return nil, nil, err
	}
	return logExp, metricExp, nil
}
