// Package telemetry configures the OpenTelemetry meter provider used by the
// tracking engine.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/banshee-data/safezone/internal/monitoring"
	"github.com/banshee-data/safezone/internal/version"
)

// ExportInterval is how often metrics are pushed to the collector.
const ExportInterval = 10 * time.Second

// Provider holds the meter provider and its shutdown hook.
type Provider struct {
	MeterProvider *metric.MeterProvider

	// Exporting is false when no endpoint was configured.
	Exporting bool
	Shutdown  func(context.Context) error
}

// NewProvider returns a meter provider exporting over OTLP/gRPC to endpoint.
// endpoint may be host:port or a URL; only the host is used. https endpoints
// use TLS. An empty endpoint yields a provider without readers.
func NewProvider(ctx context.Context, endpoint, serviceName string) (*Provider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		mp := metric.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	target, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(ExportInterval))),
	)
	monitoring.Logf("telemetry: exporting metrics to %s every %s", target, ExportInterval)

	return &Provider{
		MeterProvider: mp,
		Exporting:     true,
		Shutdown: func(ctx context.Context) error {
			if err := mp.Shutdown(ctx); err != nil {
				monitoring.Logf("telemetry: shutdown: %v", err)
				return err
			}
			return nil
		},
	}, nil
}

// parseEndpoint reduces endpoint to the host:port gRPC dials.
func parseEndpoint(endpoint string) (target string, insecure bool, err error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

// SetGlobal installs the meter provider as the process-wide default.
func (p *Provider) SetGlobal() {
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
