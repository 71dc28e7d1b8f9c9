// Package telemetry wires OpenTelemetry tracing for the reconciler binaries
// and exposes span helpers for orchestrator stages.
package telemetry

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"reims/pkg/logging"
)

const (
	defaultService = "reconciler"
	tracerName     = "reims"
)

// Options describes the exporter. An empty Endpoint keeps spans in process.
type Options struct {
	ServiceName string
	Endpoint    string
	Headers     map[string]string
	Insecure    bool
	Required    bool
	Sampler     string
	SamplerArg  string
	Timeout     time.Duration
}

// OptionsFromEnv reads the standard OTEL_* variables.
func OptionsFromEnv(serviceName string) Options {
	return Options{
		ServiceName: serviceName,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     os.Getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg:  os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
		Timeout:     time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
	}
}

func serviceOrDefault(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultService
	}
	return name
}

// Init installs a global tracer provider. When the exporter cannot start and
// Required is false, tracing continues without export.
func Init(ctx context.Context, opts Options, log *zap.Logger) (func(context.Context) error, error) {
	log = logging.OrNop(log)
	sampler := parseSampler(opts.Sampler, opts.SamplerArg)
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceOrDefault(opts.ServiceName)),
	))
	install := func(extra ...sdktrace.TracerProviderOption) func(context.Context) error {
		base := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler)}
		tp := sdktrace.NewTracerProvider(append(base, extra...)...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		return tp.Shutdown
	}

	if strings.TrimSpace(opts.Endpoint) == "" {
		return install(), nil
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	exporterOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(strings.TrimSpace(opts.Endpoint)),
		otlptracehttp.WithTimeout(timeout),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(opts.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		if opts.Required {
			return nil, err
		}
		log.Warn("otel exporter disabled", zap.Error(err))
		return install(), nil
	}
	return install(sdktrace.WithBatcher(exporter)), nil
}

func parseSampler(name, arg string) sdktrace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	ratio := 1.0
	if arg = strings.TrimSpace(arg); arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Tracer returns the reconciler tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// SessionAttrs tags a span with the run it belongs to.
func SessionAttrs(sessionID string, propertyID, periodID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("recon.session_id", sessionID),
		attribute.Int64("recon.property_id", propertyID),
		attribute.Int64("recon.period_id", periodID),
	}
}

// Start opens a span named after an orchestrator stage.
func Start(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "recon."+stage, trace.WithAttributes(attrs...))
}

// End closes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceOrDefault(serviceName))
}

// InstrumentClient wraps an HTTP client with OTel transport.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
