package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span names of the per-slot path. They start a new trace every slot on
// every carrier, so they are sampled at TracingConfig.SlotSampleRatio.
const (
	SlotIndicationSpan = "sched.SlotIndication"
	RunSlotSpan        = "sched.run_slot"
)

const tracerName = "github.com/signalsfoundry/nr-mac-scheduler"

// TracingConfig governs how scheduler tracing is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	// SampleRatio applies to PHY API and other root spans.
	SampleRatio float64
	// SlotSampleRatio applies to root spans of the slot path.
	SlotSampleRatio float64
	// Cells are described on the tracer resource.
	Cells []model.CellConfig
	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// DefaultSlotSampleRatio traces one slot in a thousand.
const DefaultSlotSampleRatio = 0.001

// TracingConfigFromEnv reads the MACSCHED_TRACING_* variables. Malformed
// ratios fall back to their defaults.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:         strings.EqualFold(os.Getenv("MACSCHED_TRACING_ENABLED"), "true"),
		ServiceName:     envOr("MACSCHED_TRACING_SERVICE_NAME", "macsched"),
		Exporter:        strings.ToLower(envOr("MACSCHED_TRACING_EXPORTER", "stdout")),
		Endpoint:        os.Getenv("MACSCHED_OTLP_ENDPOINT"),
		SampleRatio:     envRatio("MACSCHED_TRACING_SAMPLE_RATIO", 1),
		SlotSampleRatio: envRatio("MACSCHED_TRACING_SLOT_SAMPLE_RATIO", DefaultSlotSampleRatio),
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envRatio(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil || r < 0 || r > 1 {
		return def
	}
	return r
}

// InitTracing installs the global tracer provider and propagators. The
// returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}
	for name, r := range map[string]float64{"sample": cfg.SampleRatio, "slot sample": cfg.SlotSampleRatio} {
		if r < 0 || r > 1 {
			return nil, fmt.Errorf("tracing %s ratio %v outside [0, 1]", name, r)
		}
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(newSampler(cfg)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("sample_ratio", strconv.FormatFloat(cfg.SampleRatio, 'g', -1, 64)),
		logging.String("slot_sample_ratio", strconv.FormatFloat(cfg.SlotSampleRatio, 'g', -1, 64)),
		logging.Int("cells", len(cfg.Cells)),
	)
	return tp.Shutdown, nil
}

// newResource describes the process and the cells it schedules.
func newResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "ran"),
		attribute.Int("macsched.cells", len(cfg.Cells)),
	}
	if len(cfg.Cells) > 0 {
		pcis := make([]int64, len(cfg.Cells))
		prbs := make([]int64, len(cfg.Cells))
		for i, c := range cfg.Cells {
			pcis[i] = int64(c.PCI)
			prbs[i] = int64(c.NofPRB)
		}
		attrs = append(attrs,
			attribute.Int("macsched.numerology", int(cfg.Cells[0].Numerology)),
			attribute.Int64Slice("macsched.cell.pci", pcis),
			attribute.Int64Slice("macsched.cell.nof_prb", prbs),
		)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// slotSampler samples root spans of the slot path at a separate ratio.
// Children follow their parent through ParentBased.
type slotSampler struct {
	slot  sdktrace.Sampler
	other sdktrace.Sampler
}

func newSampler(cfg TracingConfig) sdktrace.Sampler {
	return sdktrace.ParentBased(slotSampler{
		slot:  sdktrace.TraceIDRatioBased(cfg.SlotSampleRatio),
		other: sdktrace.TraceIDRatioBased(cfg.SampleRatio),
	})
}

func (s slotSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	switch p.Name {
	case SlotIndicationSpan, RunSlotSpan:
		return s.slot.ShouldSample(p)
	}
	return s.other.ShouldSample(p)
}

func (s slotSampler) Description() string {
	return fmt.Sprintf("SlotSampler{slot:%s,other:%s}", s.slot.Description(), s.other.Description())
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// Tracer returns the scheduler's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// ShutdownWithTimeout flushes tracing within five seconds. Errors are only
// logged.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
