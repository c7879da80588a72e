package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

func TestJSONLoggerDomainFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Writer: &buf})

	slot := timectrl.NewSlotPointFromSFN(0, 12, 0)
	log.With(CC(1)).Warn(context.Background(), "feedback dropped",
		RNTI(model.RNTI(0x4601)), Slot(slot), Err(errors.New("process idle")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg":   "feedback dropped",
		"rnti":  "0x4601",
		"slot":  "12.0",
		"cc":    float64(1),
		"error": "process idle",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Fatalf("field %s = %v, want %v", k, rec[k], v)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Writer: &buf})
	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	if log.DebugEnabled(context.Background()) {
		t.Fatalf("debug should be disabled at warn level")
	}
	log.Error(context.Background(), "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("error line missing: %q", buf.String())
	}
}

func TestEnsureRequestIDIsStable(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" {
		t.Fatalf("expected generated request id")
	}
	ctx2, id2 := EnsureRequestID(ctx)
	if id2 != id || RequestIDFromContext(ctx2) != id {
		t.Fatalf("request id changed: %q -> %q", id, id2)
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on bare context")
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("nil logger should be stored as noop")
	}
}
