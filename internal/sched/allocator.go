package sched

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/harq"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/ue"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// allocResult is the outcome of one allocation attempt.
type allocResult int

const (
	allocSuccess allocResult = iota
	allocNoCCHSpace
	allocNoSCHSpace
	allocSCHCollision
	allocNoHARQ
	allocNoSoftBuffer
	allocNoRNTIOpportunity
)

func (r allocResult) String() string {
	switch r {
	case allocSuccess:
		return "success"
	case allocNoCCHSpace:
		return "no_cch_space"
	case allocNoSCHSpace:
		return "no_sch_space"
	case allocSCHCollision:
		return "sch_collision"
	case allocNoHARQ:
		return "no_harq"
	case allocNoSoftBuffer:
		return "no_softbuffer"
	case allocNoRNTIOpportunity:
		return "no_rnti_opportunity"
	default:
		return fmt.Sprintf("alloc_result(%d)", int(r))
	}
}

// slotAllocator places grants of one carrier for the PDCCH slot it was
// built for. PDSCH shares the PDCCH slot, HARQ-ACKs land K1 slots later and
// PUSCH K2 slots later.
type slotAllocator struct {
	cc    uint32
	cell  *model.CellConfig
	ring  *resultRing
	slot  timectrl.SlotPoint
	pdcch *slotGrid
}

func newSlotAllocator(cc uint32, cell *model.CellConfig, ring *resultRing, slot timectrl.SlotPoint) *slotAllocator {
	return &slotAllocator{cc: cc, cell: cell, ring: ring, slot: slot, pdcch: ring.get(slot)}
}

func (a *slotAllocator) coresetIndex(id uint8) int {
	for i, cs := range a.cell.Coresets {
		if cs.ID == id {
			return i
		}
	}
	return -1
}

func (a *slotAllocator) cceFree(coreset uint8) bool {
	i := a.coresetIndex(coreset)
	if i < 0 {
		return false
	}
	return a.pdcch.cceUsed[i]+a.cell.AggregationLevel <= a.cell.Coresets[i].NofCCE
}

func (a *slotAllocator) takeCCE(coreset uint8) {
	i := a.coresetIndex(coreset)
	if i < 0 || !a.cceFree(coreset) {
		panic(fmt.Sprintf("sched: cc %d coreset %d has no room for another DCI", a.cc, coreset))
	}
	a.pdcch.cceUsed[i] += a.cell.AggregationLevel
	a.pdcch.dl.NofCCE += a.cell.AggregationLevel
}

func (a *slotAllocator) pdschFull() bool {
	return uint32(len(a.pdcch.dl.PDSCH)+len(a.pdcch.dl.RAR)) >= a.cell.MaxPDSCHPerSlot
}

func (a *slotAllocator) puschFull(g *slotGrid, extra int) bool {
	return uint32(len(g.ul.PUSCH)+extra) > a.cell.MaxPUSCHPerSlot
}

func (a *slotAllocator) addPUCCH(ackSlot timectrl.SlotPoint, rnti model.RNTI, pid uint32) {
	g := a.ring.get(ackSlot)
	g.ul.PUCCH = append(g.ul.PUCCH, model.PUCCHGrant{RNTI: rnti, CC: a.cc, DLPID: pid})
}

// allocDLRetx retransmits the oldest NACKed DL process of c, on its original
// PRBs when they are free, otherwise on the first free run of equal length.
func (a *slotAllocator) allocDLRetx(c *ue.Carrier, p *harq.DLProcess) (model.DLGrant, allocResult) {
	if a.pdschFull() {
		return model.DLGrant{}, allocNoSCHSpace
	}
	prbs := p.PRBs()
	if a.pdcch.dlPRBs.collides(prbs) {
		alt := a.pdcch.dlPRBs.findEmpty(prbs.Length())
		if alt.Length() < prbs.Length() {
			return model.DLGrant{}, allocSCHCollision
		}
		prbs = alt
	}
	if !a.cceFree(c.Coreset()) {
		return model.DLGrant{}, allocNoCCHSpace
	}

	ackSlot := a.slot.Add(int(a.cell.K1))
	if err := c.HARQ().NewRetxDL(p.PID(), a.slot, ackSlot, prbs); err != nil {
		panic(fmt.Sprintf("sched: retransmitting pending process: %v", err))
	}
	a.takeCCE(c.Coreset())
	a.pdcch.dlPRBs.fill(prbs)
	g := model.DLGrant{
		RNTI:    c.RNTI(),
		PID:     p.PID(),
		NDI:     p.NDI(),
		Retx:    p.Retx(),
		PRBs:    prbs,
		CQI:     c.DLCQI(),
		TBS:     p.TBS(),
		AckSlot: ackSlot,
	}
	a.pdcch.dl.PDSCH = append(a.pdcch.dl.PDSCH, g)
	a.addPUCCH(ackSlot, c.RNTI(), p.PID())
	return g, allocSuccess
}

// allocDLNewTx sizes a new PDSCH for the carrier's DL budget at its reported
// CQI and starts an idle HARQ process on it.
func (a *slotAllocator) allocDLNewTx(c *ue.Carrier) (model.DLGrant, allocResult) {
	if a.pdschFull() {
		return model.DLGrant{}, allocNoSCHSpace
	}
	cqi := c.DLCQI()
	want := prbsFor(cqi, c.DLBudget())
	if want == 0 {
		return model.DLGrant{}, allocNoRNTIOpportunity
	}
	p := c.HARQ().FindEmptyDL()
	if p == nil {
		return model.DLGrant{}, allocNoHARQ
	}
	prbs := a.pdcch.dlPRBs.findEmpty(want)
	if prbs.Empty() {
		return model.DLGrant{}, allocSCHCollision
	}
	if !a.cceFree(c.Coreset()) {
		return model.DLGrant{}, allocNoCCHSpace
	}

	ackSlot := a.slot.Add(int(a.cell.K1))
	tbs := tbsBytes(cqi, prbs.Length())
	err := c.HARQ().NewTxDL(p.PID(), harq.TxParams{
		Slot:    a.slot,
		AckSlot: ackSlot,
		PRBs:    prbs,
		MCS:     cqiToMCS(cqi),
		TBS:     tbs,
		NofTB:   1,
		MaxRetx: c.MaxRetx(),
	})
	if errors.Is(err, harq.ErrNoSoftBuffer) {
		return model.DLGrant{}, allocNoSoftBuffer
	}
	if err != nil {
		panic(fmt.Sprintf("sched: starting idle DL process: %v", err))
	}

	a.takeCCE(c.Coreset())
	a.pdcch.dlPRBs.fill(prbs)
	used := min(tbs, c.DLBudget())
	ces := c.TakeCEs()
	c.ConsumeDL(max(used-ue.CEBytes*len(ces), 0))
	g := model.DLGrant{
		RNTI:    c.RNTI(),
		PID:     p.PID(),
		NDI:     p.NDI(),
		PRBs:    prbs,
		CQI:     cqi,
		TBS:     tbs,
		AckSlot: ackSlot,
		CEs:     ces,
	}
	a.pdcch.dl.PDSCH = append(a.pdcch.dl.PDSCH, g)
	a.addPUCCH(ackSlot, c.RNTI(), p.PID())
	return g, allocSuccess
}

// allocULRetx grants the retransmission of a failed PUSCH K2 slots ahead.
func (a *slotAllocator) allocULRetx(c *ue.Carrier, p *harq.ULProcess) (model.ULGrant, allocResult) {
	puschSlot := a.slot.Add(int(a.cell.K2))
	g := a.ring.get(puschSlot)
	if a.puschFull(g, 1) {
		return model.ULGrant{}, allocNoSCHSpace
	}
	prbs := p.PRBs()
	if g.ulPRBs.collides(prbs) {
		alt := g.ulPRBs.findEmpty(prbs.Length())
		if alt.Length() < prbs.Length() {
			return model.ULGrant{}, allocSCHCollision
		}
		prbs = alt
	}
	if !a.cceFree(c.Coreset()) {
		return model.ULGrant{}, allocNoCCHSpace
	}

	if err := c.HARQ().NewRetxUL(p.PID(), puschSlot, prbs); err != nil {
		panic(fmt.Sprintf("sched: retransmitting pending process: %v", err))
	}
	a.takeCCE(c.Coreset())
	a.pdcch.nofULDCI++
	g.ulPRBs.fill(prbs)
	grant := model.ULGrant{
		RNTI:    c.RNTI(),
		PID:     p.PID(),
		NDI:     p.NDI(),
		Retx:    p.Retx(),
		PRBs:    prbs,
		TBS:     p.TBS(),
		DCISlot: a.slot,
		Msg3:    p.Msg3(),
	}
	g.ul.PUSCH = append(g.ul.PUSCH, grant)
	return grant, allocSuccess
}

// allocULNewTx grants PUSCH for the carrier's UL budget K2 slots ahead.
func (a *slotAllocator) allocULNewTx(c *ue.Carrier) (model.ULGrant, allocResult) {
	puschSlot := a.slot.Add(int(a.cell.K2))
	g := a.ring.get(puschSlot)
	if a.puschFull(g, 1) {
		return model.ULGrant{}, allocNoSCHSpace
	}
	cqi := a.cell.ULMCSCQI
	want := prbsFor(cqi, c.ULBudget())
	if want == 0 {
		return model.ULGrant{}, allocNoRNTIOpportunity
	}
	p := c.HARQ().FindEmptyUL()
	if p == nil {
		return model.ULGrant{}, allocNoHARQ
	}
	prbs := g.ulPRBs.findEmpty(want)
	if prbs.Empty() {
		return model.ULGrant{}, allocSCHCollision
	}
	if !a.cceFree(c.Coreset()) {
		return model.ULGrant{}, allocNoCCHSpace
	}

	tbs := tbsBytes(cqi, prbs.Length())
	err := c.HARQ().NewTxUL(p.PID(), harq.TxParams{
		Slot:    puschSlot,
		AckSlot: puschSlot,
		PRBs:    prbs,
		MCS:     cqiToMCS(cqi),
		TBS:     tbs,
		MaxRetx: c.MaxRetx(),
	}, false)
	if errors.Is(err, harq.ErrNoSoftBuffer) {
		return model.ULGrant{}, allocNoSoftBuffer
	}
	if err != nil {
		panic(fmt.Sprintf("sched: starting idle UL process: %v", err))
	}

	a.takeCCE(c.Coreset())
	a.pdcch.nofULDCI++
	g.ulPRBs.fill(prbs)
	c.ConsumeUL(min(tbs, c.ULBudget()))
	grant := model.ULGrant{
		RNTI:    c.RNTI(),
		PID:     p.PID(),
		NDI:     p.NDI(),
		PRBs:    prbs,
		TBS:     tbs,
		DCISlot: a.slot,
	}
	g.ul.PUSCH = append(g.ul.PUSCH, grant)
	return grant, allocSuccess
}
