package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/promptrefine/metering/internal/config"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	admissionsCounter  *promreg.CounterVec
	creditSpendCounter *promreg.CounterVec
	usageLogFailures   promreg.Counter
	engineLatencyHist  *promreg.HistogramVec
	engineTokens       *promreg.CounterVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("promptrefine-metering"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		rawEndpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		endpoint := rawEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		httpRequests := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "promptrefine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		)
		latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}
		httpLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "promptrefine",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "route", "status"},
		)
		admissions := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "promptrefine",
				Name:      "admissions_total",
				Help:      "Admission decisions by effective tier and outcome.",
			},
			[]string{"tier", "decision"},
		)
		creditSpend := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "promptrefine",
				Name:      "credit_spend_total",
				Help:      "Committed credit spend by optimization mode.",
			},
			[]string{"mode"},
		)
		usageLogFailures := promreg.NewCounter(
			promreg.CounterOpts{
				Namespace: "promptrefine",
				Name:      "usage_log_failures_total",
				Help:      "Usage log writes that failed and were dropped.",
			},
		)
		engineLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "promptrefine",
				Name:      "engine_request_duration_seconds",
				Help:      "Duration of upstream optimization requests.",
				Buckets:   latencyBuckets,
			},
			[]string{"model", "mode", "status"},
		)
		engineTokens := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "promptrefine",
				Name:      "engine_tokens_total",
				Help:      "Total prompt/completion tokens processed.",
			},
			[]string{"model", "mode", "type"},
		)
		if err := registry.Register(httpRequests); err != nil {
			return nil, err
		}
		if err := registry.Register(httpLatency); err != nil {
			return nil, err
		}
		if err := registry.Register(admissions); err != nil {
			return nil, err
		}
		if err := registry.Register(creditSpend); err != nil {
			return nil, err
		}
		if err := registry.Register(usageLogFailures); err != nil {
			return nil, err
		}
		if err := registry.Register(engineLatency); err != nil {
			return nil, err
		}
		if err := registry.Register(engineTokens); err != nil {
			return nil, err
		}
		provider.httpRequestCounter = httpRequests
		provider.httpRequestLatency = httpLatency
		provider.admissionsCounter = admissions
		provider.creditSpendCounter = creditSpend
		provider.usageLogFailures = usageLogFailures
		provider.engineLatencyHist = engineLatency
		provider.engineTokens = engineTokens
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}

	statusLabel := strconv.Itoa(status)

	if p.httpRequestCounter != nil {
		p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	}

	if p.httpRequestLatency != nil {
		p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}

// RecordAdmission counts one admission decision for the given effective tier.
// Decision is one of "allowed", "rate_limited", "insufficient_credit".
func (p *Provider) RecordAdmission(tier, decision string) {
	if p == nil || p.admissionsCounter == nil {
		return
	}
	p.admissionsCounter.WithLabelValues(tier, decision).Inc()
}

// RecordCreditSpend counts one committed spend in the given mode.
func (p *Provider) RecordCreditSpend(mode string) {
	if p == nil || p.creditSpendCounter == nil {
		return
	}
	p.creditSpendCounter.WithLabelValues(mode).Inc()
}

// RecordUsageLogFailure counts a dropped usage log write.
func (p *Provider) RecordUsageLogFailure() {
	if p == nil || p.usageLogFailures == nil {
		return
	}
	p.usageLogFailures.Inc()
}

func (p *Provider) RecordEngineLatency(model, mode string, status int, duration time.Duration) {
	if p == nil || p.engineLatencyHist == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	p.engineLatencyHist.WithLabelValues(model, mode, statusLabel).Observe(duration.Seconds())
}

func (p *Provider) RecordTokens(model, mode string, promptTokens, completionTokens int64) {
	if p == nil || p.engineTokens == nil {
		return
	}
	if promptTokens > 0 {
		p.engineTokens.WithLabelValues(model, mode, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		p.engineTokens.WithLabelValues(model, mode, "completion").Add(float64(completionTokens))
	}
}
