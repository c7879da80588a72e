//go:build perf

package sched

import (
	"context"
	"testing"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/softbuf"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

type perfConfig struct {
	Carriers int
	UEs      int
}

var (
	smallPerf = perfConfig{Carriers: 1, UEs: 32}
	largePerf = perfConfig{Carriers: 4, UEs: 512}
)

func BenchmarkSlotSmall(b *testing.B) { benchmarkSlots(b, smallPerf) }

func BenchmarkSlotLarge(b *testing.B) { benchmarkSlots(b, largePerf) }

// benchmarkSlots measures one full slot: UE phase, every carrier's run_slot
// and result collection, with all UEs backlogged and every PDSCH ACKed.
func benchmarkSlots(b *testing.B, cfg perfConfig) {
	s := New(WithSoftBufConfig(softbuf.Config{InitialPerTier: 256, LowWater: 64, RefillBatch: 128}))
	defer s.Stop()
	if err := s.CellCfg(testCells(cfg.Carriers)); err != nil {
		b.Fatalf("CellCfg: %v", err)
	}
	ccs := make([]uint32, cfg.Carriers)
	for i := range ccs {
		ccs[i] = uint32(i)
	}
	for i := 0; i < cfg.UEs; i++ {
		if err := s.UECfg(model.RNTI(0x4601+i), ueOn(ccs...)); err != nil {
			b.Fatalf("UECfg: %v", err)
		}
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		slot := slotAt(uint32(n))
		for i := 0; i < cfg.UEs; i++ {
			_ = s.DLBufferState(model.RNTI(0x4601+i), 1, 1500, 0)
		}
		if err := s.SlotIndication(slot); err != nil {
			b.Fatalf("SlotIndication(%s): %v", slot, err)
		}
		for cc := range ccs {
			res, err := s.GenerateSchedResult(ctx, slot, uint32(cc))
			if err != nil {
				b.Fatalf("GenerateSchedResult: %v", err)
			}
			for _, p := range res.UL.PUCCH {
				_ = s.DLAckInfo(p.RNTI, p.CC, p.DLPID, 0, true)
			}
		}
	}
}
