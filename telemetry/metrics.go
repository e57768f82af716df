package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/ethosengine/reach-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	lookupsTotal    metric.Int64Counter
	admissionsTotal metric.Int64Counter
	admissionBytes  metric.Int64Counter
	evictionsTotal  metric.Int64Counter
	evictionBytes   metric.Int64Counter
	sweepRemoved    metric.Int64Counter
	sweepDuration   metric.Float64Histogram
	tierSizeBytes   metric.Int64Gauge
	tierEntries     metric.Int64Gauge

	selectionsTotal metric.Int64Counter
	selectionScore  metric.Float64Histogram

	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "reach-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	lookupsTotal, err := meter.Int64Counter(
		"reach_cache_lookups_total",
		metric.WithDescription("Total tier cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	admissionsTotal, err := meter.Int64Counter(
		"reach_cache_admissions_total",
		metric.WithDescription("Total entries admitted to a tier"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	admissionBytes, err := meter.Int64Counter(
		"reach_cache_admission_bytes_total",
		metric.WithDescription("Total logical bytes admitted to a tier"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"reach_cache_evictions_total",
		metric.WithDescription("Total evictions by tier and reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	evictionBytes, err := meter.Int64Counter(
		"reach_cache_eviction_bytes_total",
		metric.WithDescription("Total logical bytes freed by eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepRemoved, err := meter.Int64Counter(
		"reach_cache_sweep_removed_total",
		metric.WithDescription("Total entries removed by TTL sweeps"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"reach_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of TTL sweep runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return err
	}

	tierSizeBytes, err := meter.Int64Gauge(
		"reach_cache_tier_size_bytes",
		metric.WithDescription("Current logical bytes per tier and reach level"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	tierEntries, err := meter.Int64Gauge(
		"reach_cache_tier_entries",
		metric.WithDescription("Current entry count per tier and reach level"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	selectionsTotal, err := meter.Int64Counter(
		"reach_cache_custodian_selections_total",
		metric.WithDescription("Total custodian selection requests by outcome"),
		metric.WithUnit("{selection}"),
	)
	if err != nil {
		return err
	}

	selectionScore, err := meter.Float64Histogram(
		"reach_cache_custodian_selection_score",
		metric.WithDescription("Winning custodian composite score"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90, 100),
	)
	if err != nil {
		return err
	}

	requestsTotal, err := meter.Int64Counter(
		"reach_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"reach_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"reach_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		lookupsTotal:       lookupsTotal,
		admissionsTotal:    admissionsTotal,
		admissionBytes:     admissionBytes,
		evictionsTotal:     evictionsTotal,
		evictionBytes:      evictionBytes,
		sweepRemoved:       sweepRemoved,
		sweepDuration:      sweepDuration,
		tierSizeBytes:      tierSizeBytes,
		tierEntries:        tierEntries,
		selectionsTotal:    selectionsTotal,
		selectionScore:     selectionScore,
		requestsTotal:      requestsTotal,
		responseBytesTotal: responseBytesTotal,
		requestDuration:    requestDuration,
		meterProvider:      mp,
		promHandler:        promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordLookup records a tier cache lookup.
// result is "hit", "miss" or "expired".
func RecordLookup(ctx context.Context, tier, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
}

// RecordAdmission records an entry admitted to a tier.
func RecordAdmission(ctx context.Context, tier string, reach string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("reach", reach),
	)
	globalMetrics.admissionsTotal.Add(ctx, 1, attrs)
	globalMetrics.admissionBytes.Add(ctx, bytes, attrs)
}

// RecordEviction records an eviction.
// reason is "capacity", "expired" or "delete".
func RecordEviction(ctx context.Context, tier, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("reason", reason),
	)
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionBytes.Add(ctx, bytes, attrs)
}

// RecordSweep records a TTL sweep run.
func RecordSweep(ctx context.Context, tier string, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	globalMetrics.sweepRemoved.Add(ctx, int64(removed), attrs)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateTierState updates the per-level size and entry gauges for a tier.
func UpdateTierState(ctx context.Context, tier, reach string, bytes int64, entries int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("reach", reach),
	)
	globalMetrics.tierSizeBytes.Record(ctx, bytes, attrs)
	globalMetrics.tierEntries.Record(ctx, int64(entries), attrs)
}

// RecordSelection records a custodian selection request.
// outcome is "scored", "cached" or "unavailable". score is the winning
// composite score, ignored for "unavailable".
func RecordSelection(ctx context.Context, outcome string, score float64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.selectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	if outcome != "unavailable" {
		globalMetrics.selectionScore.Record(ctx, score)
	}
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheNA)
	endpoint := "unknown"
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
