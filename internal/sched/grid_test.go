package sched

import (
	"testing"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

func TestPRBBitmapFindEmpty(t *testing.T) {
	b := newPRBBitmap(20)
	b.fill(model.PRBInterval{Start: 0, Stop: 5})
	b.fill(model.PRBInterval{Start: 8, Stop: 10})

	if got := b.findEmpty(3); got != (model.PRBInterval{Start: 5, Stop: 8}) {
		t.Fatalf("findEmpty(3) = %s, want [5,8)", got)
	}
	if got := b.findEmpty(4); got != (model.PRBInterval{Start: 10, Stop: 14}) {
		t.Fatalf("findEmpty(4) = %s, want [10,14)", got)
	}
	// No run of 11 exists, so the longest free run is returned.
	if got := b.findEmpty(11); got != (model.PRBInterval{Start: 10, Stop: 20}) {
		t.Fatalf("findEmpty(11) = %s, want [10,20)", got)
	}
	if got := b.count(); got != 7 {
		t.Fatalf("count = %d, want 7", got)
	}

	b.reset()
	if b.count() != 0 || b.collides(model.PRBInterval{Start: 0, Stop: 20}) {
		t.Fatalf("reset left PRBs marked")
	}
	if !b.collides(model.PRBInterval{Start: 15, Stop: 21}) {
		t.Fatalf("interval past the carrier must collide")
	}
}

func TestPRBBitmapDoubleGrantPanics(t *testing.T) {
	b := newPRBBitmap(10)
	b.fill(model.PRBInterval{Start: 2, Stop: 4})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on overlapping grant")
		}
	}()
	b.fill(model.PRBInterval{Start: 3, Stop: 5})
}

func TestTBS(t *testing.T) {
	if got := tbsBytes(0, 10); got != 0 {
		t.Fatalf("tbs at CQI 0 = %d, want 0", got)
	}
	if got := tbsBytes(7, 1); got != 26 {
		t.Fatalf("tbs(7, 1) = %d, want 26", got)
	}
	if got := tbsBytes(7, 4); got != 106 {
		t.Fatalf("tbs(7, 4) = %d, want 106", got)
	}
	if tbsBytes(15, 10) <= tbsBytes(7, 10) {
		t.Fatalf("higher CQI must carry more bytes")
	}
	if got := prbsFor(7, 100); got != 4 {
		t.Fatalf("prbsFor(7, 100) = %d, want 4", got)
	}
	if got := prbsFor(0, 100); got != 0 {
		t.Fatalf("prbsFor(0, 100) = %d, want 0", got)
	}
	if got := cqiToMCS(15); got != 28 {
		t.Fatalf("cqiToMCS(15) = %d, want 28", got)
	}
}

func TestResultRingResetsStaleEntries(t *testing.T) {
	cell := model.DefaultCellConfig()
	r := newResultRing(&cell)
	s := timectrl.NewSlotPoint(0, 3)

	if r.has(s) {
		t.Fatalf("fresh ring must not hold %s", s)
	}
	g := r.get(s)
	g.dl.PDSCH = append(g.dl.PDSCH, model.DLGrant{RNTI: 0x4601})
	g.dlPRBs.fill(model.PRBInterval{Start: 0, Stop: 4})
	if !r.has(s) {
		t.Fatalf("ring must hold %s after get", s)
	}
	if again := r.get(s); len(again.dl.PDSCH) != 1 {
		t.Fatalf("get of the same slot must keep its content")
	}

	later := s.Add(ringSize)
	if r.has(later) {
		t.Fatalf("%s shares the entry of %s but was never added", later, s)
	}
	g = r.get(later)
	if len(g.dl.PDSCH) != 0 || g.dlPRBs.count() != 0 {
		t.Fatalf("stale entry not reset")
	}
	if r.has(s) {
		t.Fatalf("%s was overwritten and must not be reported", s)
	}
	if res, ok := r.result(s, 0); ok || !res.Empty() {
		t.Fatalf("stale result = %+v ok=%v, want empty", res, ok)
	}
}

func TestResultIsCopied(t *testing.T) {
	cell := model.DefaultCellConfig()
	r := newResultRing(&cell)
	s := timectrl.NewSlotPoint(0, 7)
	g := r.get(s)
	g.dl.PDSCH = append(g.dl.PDSCH, model.DLGrant{RNTI: 0x4601, CEs: []uint32{62}})

	res, ok := r.result(s, 0)
	if !ok || len(res.DL.PDSCH) != 1 {
		t.Fatalf("result = %+v ok=%v", res, ok)
	}
	res.DL.PDSCH[0].CEs[0] = 1
	if g.dl.PDSCH[0].CEs[0] != 62 {
		t.Fatalf("result aliases ring storage")
	}
}

func TestAllocResultString(t *testing.T) {
	want := map[allocResult]string{
		allocSuccess:           "success",
		allocNoCCHSpace:        "no_cch_space",
		allocNoSCHSpace:        "no_sch_space",
		allocSCHCollision:      "sch_collision",
		allocNoHARQ:            "no_harq",
		allocNoSoftBuffer:      "no_softbuffer",
		allocNoRNTIOpportunity: "no_rnti_opportunity",
	}
	for r, s := range want {
		if r.String() != s {
			t.Fatalf("%d.String() = %q, want %q", int(r), r.String(), s)
		}
	}
}

func TestRARNTI(t *testing.T) {
	if got := raRNTIFor(timectrl.NewSlotPoint(0, 0)); got != 1 {
		t.Fatalf("RA-RNTI of slot 0 = %d, want 1", got)
	}
	if got := raRNTIFor(timectrl.NewSlotPointFromSFN(0, 12, 3)); got != 43 {
		t.Fatalf("RA-RNTI of slot 3 = %d, want 43", got)
	}
}
