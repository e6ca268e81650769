package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// InitMetrics installs a global meter provider with a Prometheus pull reader and, unless
// PSERVER_OTLP_METRICS=off, an OTLP push reader. The returned handler serves /metrics.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	reg := prometheus.NewRegistry()
	promExp, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		slog.Warn("prometheus reader init failed", "error", err)
	} else {
		opts = append(opts, sdkmetric.WithReader(promExp))
		promHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	if os.Getenv("PSERVER_OTLP_METRICS") != "off" {
		endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		exp, err := otlpmetricgrpc.New(ctxInit,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		if err != nil {
			slog.Warn("metrics exporter init failed", "error", err)
		} else {
			opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
			slog.Info("otlp metrics enabled", "endpoint", endpoint)
		}
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "prometheus", promHandler != nil)
	if promHandler == nil {
		promHandler = http.NotFoundHandler()
	}
	return mp.Shutdown, promHandler
}
