// Package telemetry configures OpenTelemetry metric export for the mirror.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/coachpo/kurumirror/config"
)

// Init configures the OTLP metric exporter based on the provided
// configuration. An empty endpoint installs a noop provider.
func Init(ctx context.Context, cfg config.TelemetryConfig) (apimetric.MeterProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "kurumirror"
	}

	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return mp, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}

// Bridge adapts a MeterProvider to the engine's metrics interface.
// Instruments are created lazily and cached by name.
type Bridge struct {
	meter apimetric.Meter

	mu       sync.Mutex
	counters map[string]apimetric.Float64Counter
	gauges   map[string]apimetric.Float64Gauge
}

// NewBridge builds a Bridge on the provider's "kurumirror" meter.
func NewBridge(provider apimetric.MeterProvider) *Bridge {
	return &Bridge{
		meter:    provider.Meter("kurumirror"),
		counters: make(map[string]apimetric.Float64Counter),
		gauges:   make(map[string]apimetric.Float64Gauge),
	}
}

// IncCounter adds value to the named counter.
func (b *Bridge) IncCounter(name string, value float64, labels map[string]string) {
	b.mu.Lock()
	counter, ok := b.counters[name]
	if !ok {
		created, err := b.meter.Float64Counter(name)
		if err != nil {
			b.mu.Unlock()
			return
		}
		counter = created
		b.counters[name] = counter
	}
	b.mu.Unlock()
	counter.Add(context.Background(), value, apimetric.WithAttributes(attributes(labels)...))
}

// SetGauge records value on the named gauge.
func (b *Bridge) SetGauge(name string, value float64, labels map[string]string) {
	b.mu.Lock()
	gauge, ok := b.gauges[name]
	if !ok {
		created, err := b.meter.Float64Gauge(name)
		if err != nil {
			b.mu.Unlock()
			return
		}
		gauge = created
		b.gauges[name] = gauge
	}
	b.mu.Unlock()
	gauge.Record(context.Background(), value, apimetric.WithAttributes(attributes(labels)...))
}

func attributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
