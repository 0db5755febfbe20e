// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the orchestrator daemon.
//
// Provider builds a merged otel resource, an sdktrace.TracerProvider
// with a stdout span exporter for local/dev visibility, and a prometheus
// exporter feeding a metric.MeterProvider served on /metrics. prorch has
// no OTLP collector deployment target, so no OTLP exporter is wired.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer and meter providers for one process lifetime.
type Provider struct {
	tp           *sdktrace.TracerProvider
	mp           *metric.MeterProvider
	promExporter *prometheus.Exporter
}

// New builds a Provider for serviceName/version. tracingEnabled toggles
// whether spans are exported to stdout (always sampled via
// sdktrace.AlwaysSample, since this is a debugging aid, not a production
// collector pipeline); metrics are always wired, since the Prometheus
// registry has near-zero cost when nothing scrapes it.
func New(serviceName, version string, tracingEnabled bool) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if tracingEnabled {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("building stdout trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter), sdktrace.WithSampler(sdktrace.AlwaysSample()))
	} else {
		tpOpts = append(tpOpts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("building prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(promExporter))

	return &Provider{tp: tp, mp: mp, promExporter: promExporter}, nil
}

// Tracer returns a named tracer for span instrumentation.
func (p *Provider) Tracer(name string) trace.Tracer { return p.tp.Tracer(name) }

// MetricsHandler serves the Prometheus exposition format; the
// opentelemetry prometheus exporter registers against the default
// registry, so promhttp.Handler already sees every metric it and
// internal/telemetry's own promauto counters record.
func (p *Provider) MetricsHandler() http.Handler { return promhttp.Handler() }

// Shutdown flushes pending spans and releases provider resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}
