package ue

import (
	"errors"
	"sync"
	"testing"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/harq"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/softbuf"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

func twoCells() []model.CellConfig {
	return []model.CellConfig{model.DefaultCellConfig(), model.DefaultCellConfig()}
}

func newPool(t *testing.T) *softbuf.Pool {
	t.Helper()
	pool := softbuf.NewPool(softbuf.Config{InitialPerTier: 4})
	t.Cleanup(pool.Stop)
	return pool
}

func bothCarriers() model.UEConfig {
	return model.UEConfig{
		Carriers:    []model.UECarrierConfig{{CC: 0, Active: true}, {CC: 1, Active: true}},
		Coresets:    []uint8{0},
		MaxHARQRetx: 4,
	}
}

func TestValidateConfig(t *testing.T) {
	cells := twoCells()
	cases := map[string]func(*model.UEConfig){
		"no coreset":        func(c *model.UEConfig) { c.Coresets = nil },
		"zero retx":         func(c *model.UEConfig) { c.MaxHARQRetx = 0 },
		"no active carrier": func(c *model.UEConfig) { c.Carriers = []model.UECarrierConfig{{CC: 0}} },
		"unknown carrier":   func(c *model.UEConfig) { c.Carriers = append(c.Carriers, model.UECarrierConfig{CC: 5}) },
		"duplicate carrier": func(c *model.UEConfig) { c.Carriers = append(c.Carriers, model.UECarrierConfig{CC: 0}) },
		"missing coreset":   func(c *model.UEConfig) { c.Coresets = []uint8{3} },
	}
	for name, mutate := range cases {
		cfg := bothCarriers()
		mutate(&cfg)
		if err := ValidateConfig(cfg, cells); !errors.Is(err, ErrInvalidUEConfig) {
			t.Fatalf("%s: ValidateConfig error = %v, want ErrInvalidUEConfig", name, err)
		}
	}
	if err := ValidateConfig(bothCarriers(), cells); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestReconfigureReleasesDeactivatedCarrier(t *testing.T) {
	pool := newPool(t)
	u := NewContext(0x4601, bothCarriers(), twoCells(), pool)
	if len(u.Carriers()) != 2 {
		t.Fatalf("expected 2 active carriers, got %d", len(u.Carriers()))
	}

	c1 := u.Carrier(1)
	err := c1.HARQ().NewTxDL(0, harq.TxParams{
		Slot:    timectrl.NewSlotPoint(0, 1),
		AckSlot: timectrl.NewSlotPoint(0, 5),
		TBS:     100,
		NofTB:   1,
		MaxRetx: 4,
	})
	if err != nil {
		t.Fatalf("NewTxDL: %v", err)
	}

	cfg := bothCarriers()
	cfg.Carriers[1].Active = false
	u.Reconfigure(cfg)

	if u.Carrier(1) != nil {
		t.Fatalf("carrier 1 should be inactive after reconfiguration")
	}
	if c1.HARQ().DL(0).Active() {
		t.Fatalf("deactivated carrier kept an active HARQ process")
	}
	for _, st := range pool.Stats() {
		if st.Leased != 0 {
			t.Fatalf("tier %+v still has leased buffers", st)
		}
	}
	if u.Carrier(0) == nil {
		t.Fatalf("carrier 0 should stay active")
	}
}

func TestNewSlotSplitsBudgetsAcrossCarriers(t *testing.T) {
	u := NewContext(0x4601, bothCarriers(), twoCells(), newPool(t))

	if err := u.SetDLBuffer(4, 1001, 0); err != nil {
		t.Fatalf("SetDLBuffer: %v", err)
	}
	if err := u.SetBSR(1, 400); err != nil {
		t.Fatalf("SetBSR: %v", err)
	}
	u.AddMACCE(62)
	u.NewSlot()

	c0, c1 := u.Carrier(0), u.Carrier(1)
	if got := c0.DLBudget(); got != 501+CEBytes {
		t.Fatalf("cc0 DL budget = %d, want %d", got, 501+CEBytes)
	}
	if got := c1.DLBudget(); got != 500 {
		t.Fatalf("cc1 DL budget = %d, want 500", got)
	}
	if c0.ULBudget() != 200 || c1.ULBudget() != 200 {
		t.Fatalf("UL budgets = %d/%d, want 200/200", c0.ULBudget(), c1.ULBudget())
	}
	if ces := c0.TakeCEs(); len(ces) != 1 || ces[0] != 62 {
		t.Fatalf("MAC CEs on primary carrier = %v, want [62]", ces)
	}

	c0.ConsumeDL(501)
	c1.ConsumeDL(300)
	c1.ConsumeUL(400)
	u.NewSlot()

	if got := u.ReadMetrics().DLBuffer; got != 200 {
		t.Fatalf("remaining DL buffer = %d, want 200", got)
	}
	if c0.ULBudget() != 0 || c1.ULBudget() != 0 {
		t.Fatalf("UL budgets after drain = %d/%d, want 0/0", c0.ULBudget(), c1.ULBudget())
	}
}

func TestSRWithoutBSRGetsMinimalGrant(t *testing.T) {
	u := NewContext(0x4601, model.DefaultUEConfig(0), twoCells(), newPool(t))
	u.SetSR()
	u.NewSlot()

	c := u.Carrier(0)
	if !c.SRPending() || c.ULBudget() != SRGrantBytes {
		t.Fatalf("SR pending=%v budget=%d, want true/%d", c.SRPending(), c.ULBudget(), SRGrantBytes)
	}
	c.ConsumeUL(SRGrantBytes)
	if c.SRPending() {
		t.Fatalf("UL grant should clear SR")
	}
	if got := u.ReadMetrics().SRCount; got != 1 {
		t.Fatalf("SRCount = %d, want 1", got)
	}
}

func TestInvalidBufferReports(t *testing.T) {
	u := NewContext(0x4601, model.DefaultUEConfig(0), twoCells(), newPool(t))
	if err := u.SetBSR(NofLCG, 10); !errors.Is(err, ErrInvalidLCG) {
		t.Fatalf("SetBSR error = %v, want ErrInvalidLCG", err)
	}
	if err := u.SetDLBuffer(MaxLCID+1, 10, 0); !errors.Is(err, ErrInvalidLCID) {
		t.Fatalf("SetDLBuffer error = %v, want ErrInvalidLCID", err)
	}
}

func TestReadMetricsConsumesAndResets(t *testing.T) {
	u := NewContext(0x4601, bothCarriers(), twoCells(), newPool(t))
	u.Carrier(0).RecordDLAck(1000, true)
	u.Carrier(0).RecordDLAck(1000, false)
	u.Carrier(1).RecordULCRC(200, true)
	u.Carrier(1).SetDLCQI(20)

	m := u.ReadMetrics()
	if len(m.Carriers) != 2 {
		t.Fatalf("expected metrics for 2 carriers, got %d", len(m.Carriers))
	}
	cc0, cc1 := m.Carriers[0], m.Carriers[1]
	if cc0.TxBytes != 1000 || cc0.TxErrors != 1 || cc0.TxPkts != 2 {
		t.Fatalf("cc0 metrics = %+v", cc0)
	}
	if cc1.RxBytes != 200 || cc1.RxPkts != 1 || cc1.DLCQI != 15 {
		t.Fatalf("cc1 metrics = %+v", cc1)
	}

	again := u.ReadMetrics()
	if again.Carriers[0].TxPkts != 0 || again.Carriers[1].RxPkts != 0 {
		t.Fatalf("metrics not reset: %+v", again)
	}
}

func TestRegistryAddRemove(t *testing.T) {
	reg := NewRegistry()
	pool := newPool(t)
	cells := twoCells()

	if err := reg.Add(NewContext(0x4602, model.DefaultUEConfig(1), cells, pool)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Add(NewContext(0x4601, bothCarriers(), cells, pool)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Add(NewContext(0x4601, bothCarriers(), cells, pool)); err == nil {
		t.Fatalf("expected duplicate Add to fail")
	}

	list := reg.List()
	if len(list) != 2 || list[0].RNTI() != 0x4601 {
		t.Fatalf("List not ordered by RNTI: %v", list)
	}
	if on1 := reg.ForCarrier(1); len(on1) != 2 {
		t.Fatalf("ForCarrier(1) = %d UEs, want 2", len(on1))
	}
	if on0 := reg.ForCarrier(0); len(on0) != 1 || on0[0].RNTI() != 0x4601 {
		t.Fatalf("ForCarrier(0) = %v, want only 0x4601", on0)
	}

	if reg.Remove(0x4601) == nil {
		t.Fatalf("Remove returned nil for present UE")
	}
	if reg.Remove(0x4601) != nil {
		t.Fatalf("second Remove should be a no-op")
	}
	if reg.Exists(0x4601) || reg.Len() != 1 {
		t.Fatalf("registry state after removal: exists=%v len=%d", reg.Exists(0x4601), reg.Len())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	pool := newPool(t)
	cells := twoCells()

	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(rnti model.RNTI) {
			defer wg.Done()
			_ = reg.Add(NewContext(rnti, model.DefaultUEConfig(0), cells, pool))
			_ = reg.Exists(rnti)
			_ = reg.List()
		}(model.RNTI(0x4600 + i))
	}
	wg.Wait()
	if reg.Len() != 32 {
		t.Fatalf("Len = %d, want 32", reg.Len())
	}
}
