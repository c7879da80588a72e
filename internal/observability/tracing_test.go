package observability

import (
	"context"
	"io"
	"reflect"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("MACSCHED_TRACING_ENABLED", "TRUE")
	t.Setenv("MACSCHED_TRACING_EXPORTER", "OTLP")
	t.Setenv("MACSCHED_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("MACSCHED_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected tracing config: %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("SampleRatio = %v, want 0.25", cfg.SampleRatio)
	}
	if cfg.ServiceName != "macsched" {
		t.Fatalf("ServiceName = %q, want default macsched", cfg.ServiceName)
	}
}

func TestTracingConfigRejectsBadRatio(t *testing.T) {
	t.Setenv("MACSCHED_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("SampleRatio = %v, want fallback 1", got)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing should produce non-recording spans")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestInitTracingUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestTracingSlotSampleRatioFromEnv(t *testing.T) {
	if got := TracingConfigFromEnv().SlotSampleRatio; got != DefaultSlotSampleRatio {
		t.Fatalf("default SlotSampleRatio = %v, want %v", got, DefaultSlotSampleRatio)
	}
	t.Setenv("MACSCHED_TRACING_SLOT_SAMPLE_RATIO", "0.5")
	if got := TracingConfigFromEnv().SlotSampleRatio; got != 0.5 {
		t.Fatalf("SlotSampleRatio = %v, want 0.5", got)
	}
}

func TestInitTracingRejectsBadSlotRatio(t *testing.T) {
	cfg := TracingConfig{Enabled: true, Exporter: "stdout", SampleRatio: 1, SlotSampleRatio: 2, Writer: io.Discard}
	if _, err := InitTracing(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for slot ratio 2")
	}
}

func TestSlotSpansUseSlotRatio(t *testing.T) {
	cfg := TracingConfig{Enabled: true, Exporter: "stdout", SampleRatio: 1, SlotSampleRatio: 0, Writer: io.Discard}
	shutdown, err := InitTracing(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		ShutdownWithTimeout(context.Background(), shutdown, nil)
		otel.SetTracerProvider(noop.NewTracerProvider())
	})

	ctx, slot := Tracer().Start(context.Background(), SlotIndicationSpan)
	if slot.IsRecording() {
		t.Fatalf("slot root span sampled at ratio 0")
	}
	_, run := Tracer().Start(ctx, RunSlotSpan)
	if run.IsRecording() {
		t.Fatalf("child of an unsampled slot span was sampled")
	}
	run.End()
	slot.End()

	_, rpc := Tracer().Start(context.Background(), "PHY/macsched.phy.v1.PhyService/SlotIndication")
	if !rpc.IsRecording() {
		t.Fatalf("PHY API span not sampled at ratio 1")
	}
	rpc.End()
}

func TestResourceDescribesCells(t *testing.T) {
	a, b := model.DefaultCellConfig(), model.DefaultCellConfig()
	b.PCI, b.NofPRB = 7, 106
	res, err := newResource(context.Background(), TracingConfig{ServiceName: "macsched", Cells: []model.CellConfig{a, b}})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	set := res.Set()
	if v, ok := set.Value("macsched.cells"); !ok || v.AsInt64() != 2 {
		t.Fatalf("macsched.cells = %v", v)
	}
	if v, ok := set.Value("macsched.numerology"); !ok || v.AsInt64() != int64(a.Numerology) {
		t.Fatalf("macsched.numerology = %v", v)
	}
	if v, ok := set.Value("macsched.cell.nof_prb"); !ok || !reflect.DeepEqual(v.AsInt64Slice(), []int64{int64(a.NofPRB), 106}) {
		t.Fatalf("macsched.cell.nof_prb = %v", v)
	}
	if v, ok := set.Value("macsched.cell.pci"); !ok || !reflect.DeepEqual(v.AsInt64Slice(), []int64{int64(a.PCI), 7}) {
		t.Fatalf("macsched.cell.pci = %v", v)
	}
}
