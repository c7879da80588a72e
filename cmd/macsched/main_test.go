package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/config"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// TestSimulateRunsEndToEnd drives a short accelerated simulation through the
// cobra command and checks the report.
func TestSimulateRunsEndToEnd(t *testing.T) {
	doc := `
scheduler:
  workers: 2
cells:
  - pci: 1
  - pci: 2
ues:
  - rnti: 0x4601
    carriers: [{cc: 0, active: true}, {cc: 1, active: true}]
  - rnti: 0x4602
simulation:
  rach_every: 50
`
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runRoot(t, "simulate", "--config", path, "--slots", "200", "--ack-rate", "0.8", "--log-level", "error")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !strings.Contains(out, "slots=200 ") {
		t.Fatalf("report does not cover 200 slots:\n%s", out)
	}
	for _, want := range []string{"0x4601", "0x4602", "RNTI"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "dl_grants=0 ") {
		t.Fatalf("no DL grants were scheduled:\n%s", out)
	}
	if strings.Contains(out, "rars=0 ") {
		t.Fatalf("no RAR was scheduled:\n%s", out)
	}
}

func TestSimulateIsDeterministicPerSeed(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Workers = 2
	cfg.Simulation.Slots = 100
	cfg.Simulation.RACHEvery = 0

	run := func() string {
		var out bytes.Buffer
		if err := runSimulation(context.Background(), cfg, logging.Noop(), &out); err != nil {
			t.Fatalf("runSimulation: %v", err)
		}
		return out.String()
	}
	if a, b := run(), run(); a != b {
		t.Fatalf("same seed gave different reports:\n%s\n---\n%s", a, b)
	}
}

func TestSimulateRejectsBadFlags(t *testing.T) {
	if _, err := runRoot(t, "simulate", "--ack-rate", "2"); err == nil {
		t.Fatalf("ack rate 2 accepted")
	}
	if _, err := runRoot(t, "simulate", "--slots", "0"); err == nil {
		t.Fatalf("zero slots accepted")
	}
	if _, err := runRoot(t, "simulate", "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing config accepted")
	}
}

type fakeStatus struct {
	cells   []model.CellConfig
	ues     map[model.RNTI]bool
	metrics []model.UEMetrics
}

func (f *fakeStatus) Cells() []model.CellConfig { return f.cells }
func (f *fakeStatus) UEExists(r model.RNTI) bool { return f.ues[r] }
func (f *fakeStatus) MetricsRead() []model.UEMetrics { return f.metrics }

func TestRouter(t *testing.T) {
	src := &fakeStatus{
		ues:     map[model.RNTI]bool{0x4601: true},
		metrics: []model.UEMetrics{{RNTI: 0x4601, SRCount: 3}},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "macsched_ues 1\n")
	})
	srv := httptest.NewServer(newRouter(src, metrics))
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("/healthz before CellCfg = %d", code)
	}
	src.cells = []model.CellConfig{model.DefaultCellConfig()}
	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "macsched_ues") {
		t.Fatalf("/metrics = %d %q", code, body)
	}

	code, body := get("/ues/metrics")
	if code != http.StatusOK {
		t.Fatalf("/ues/metrics = %d", code)
	}
	var got []model.UEMetrics
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode /ues/metrics: %v", err)
	}
	if len(got) != 1 || got[0].RNTI != 0x4601 || got[0].SRCount != 3 {
		t.Fatalf("/ues/metrics = %+v", got)
	}

	if code, _ := get("/ues/0x4601"); code != http.StatusOK {
		t.Fatalf("/ues/0x4601 = %d", code)
	}
	if code, _ := get("/ues/0x4602"); code != http.StatusNotFound {
		t.Fatalf("/ues/0x4602 = %d", code)
	}
	if code, _ := get("/ues/banana"); code != http.StatusBadRequest {
		t.Fatalf("/ues/banana = %d", code)
	}
}
