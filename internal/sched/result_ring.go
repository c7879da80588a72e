package sched

import (
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// ringSize is the number of slots a carrier keeps results for. It divides
// every slot horizon and exceeds the largest configurable K1, K2 and Msg3
// delay, so entries written ahead are never overwritten before their slot.
const ringSize = 32

// maxSlotDelay is the largest K1, K2 or Msg3 delay a cell may configure.
const maxSlotDelay = ringSize / 2

// slotGrid is the resource state and result of one (slot, carrier).
type slotGrid struct {
	slot timectrl.SlotPoint
	dl   model.DLResult
	ul   model.ULResult

	dlPRBs prbBitmap
	ulPRBs prbBitmap
	// cceUsed is indexed like the cell's coresets.
	cceUsed []uint32
	// nofULDCI counts UL DCIs signalled in this slot's PDCCH.
	nofULDCI uint32
}

func (g *slotGrid) reset(slot timectrl.SlotPoint) {
	g.slot = slot
	g.dl = model.DLResult{}
	g.ul = model.ULResult{}
	g.dlPRBs.reset()
	g.ulPRBs.reset()
	clear(g.cceUsed)
	g.nofULDCI = 0
}

// resultRing stores the grids of one carrier indexed by slot count.
type resultRing struct {
	grids [ringSize]slotGrid
}

func newResultRing(cell *model.CellConfig) *resultRing {
	r := &resultRing{}
	for i := range r.grids {
		r.grids[i].dlPRBs = newPRBBitmap(cell.NofPRB)
		r.grids[i].ulPRBs = newPRBBitmap(cell.NofPRB)
		r.grids[i].cceUsed = make([]uint32, len(cell.Coresets))
	}
	return r
}

// get returns the grid of slot, clearing it first if it still holds an
// older slot.
func (r *resultRing) get(slot timectrl.SlotPoint) *slotGrid {
	g := &r.grids[slot.Count()%ringSize]
	if !g.slot.Equal(slot) {
		g.reset(slot)
	}
	return g
}

// has reports whether the ring holds slot.
func (r *resultRing) has(slot timectrl.SlotPoint) bool {
	return r.grids[slot.Count()%ringSize].slot.Equal(slot)
}

// result copies the stored result of slot. ok is false when the ring no
// longer (or never did) hold it.
func (r *resultRing) result(slot timectrl.SlotPoint, cc uint32) (res model.SchedResult, ok bool) {
	if !r.has(slot) {
		return model.SchedResult{Slot: slot, CC: cc}, false
	}
	g := &r.grids[slot.Count()%ringSize]
	res = model.SchedResult{Slot: slot, CC: cc, DL: g.dl, UL: g.ul}
	return res.Clone(), true
}
