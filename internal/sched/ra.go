package sched

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/harq"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/ue"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

const (
	// rarPRBs is the PDSCH size of one RAR message.
	rarPRBs = 4
	// msg3PRBs is the PUSCH size granted to every Msg3.
	msg3PRBs = 3
	msg3MCS  = 0
	// msg3CQI is the link quality Msg3 TBS is computed for, matching MCS 0.
	msg3CQI = 2
	// msg3MaxRetx bounds Msg3 retransmissions regardless of UE configuration.
	msg3MaxRetx = 4
)

// pendingRACH is a detected preamble waiting for its RAR.
type pendingRACH struct {
	info      model.RARInfo
	prachSlot timectrl.SlotPoint
	raRNTI    model.RNTI
}

// raRNTIFor derives the RA-RNTI of a PRACH occasion starting at symbol 0 of
// slot, on the first frequency occasion of the normal UL carrier.
func raRNTIFor(slot timectrl.SlotPoint) model.RNTI {
	return model.RNTI(1 + 14*slot.SlotIdx())
}

// expired reports whether the RA response window of p closed before slot.
func (p pendingRACH) expired(slot timectrl.SlotPoint, window uint32) bool {
	return slot.Sub(p.prachSlot) > int(window)
}

// allocRAR sends one RAR for the preambles in pending, which share an
// RA-RNTI, and places their Msg3 PUSCHs Msg3Delay slots ahead. lookup
// resolves a temporary C-RNTI to its carrier state. It returns how many
// preambles were served; those are always a prefix of pending.
func (a *slotAllocator) allocRAR(raRNTI model.RNTI, pending []pendingRACH, lookup func(model.RNTI) *ue.Carrier) (int, allocResult) {
	if len(pending) == 0 {
		return 0, allocSuccess
	}
	coreset := a.cell.Coresets[0].ID
	if a.pdschFull() {
		return 0, allocNoSCHSpace
	}
	msg3Slot := a.slot.Add(int(a.cell.Msg3Delay))
	g3 := a.ring.get(msg3Slot)
	if a.puschFull(g3, len(pending)) {
		return 0, allocNoSCHSpace
	}

	carriers := make([]*ue.Carrier, len(pending))
	procs := make([]*harq.ULProcess, len(pending))
	for i, p := range pending {
		c := lookup(p.info.TempCRNTI)
		if c == nil {
			return 0, allocNoRNTIOpportunity
		}
		h := c.HARQ().FindEmptyUL()
		if h == nil {
			return 0, allocNoHARQ
		}
		carriers[i], procs[i] = c, h
	}

	rarInterv := a.pdcch.dlPRBs.findEmpty(rarPRBs)
	if rarInterv.Length() < rarPRBs {
		return 0, allocSCHCollision
	}
	total := uint32(msg3PRBs * len(pending))
	msg3Interv := g3.ulPRBs.findEmpty(total)
	if msg3Interv.Length() < total {
		return 0, allocSCHCollision
	}
	if !a.cceFree(coreset) {
		return 0, allocNoCCHSpace
	}

	served := 0
	tbs := tbsBytes(msg3CQI, msg3PRBs)
	for i := range pending {
		prbs := model.PRBInterval{
			Start: msg3Interv.Start + uint32(i)*msg3PRBs,
			Stop:  msg3Interv.Start + uint32(i+1)*msg3PRBs,
		}
		err := carriers[i].HARQ().NewTxUL(procs[i].PID(), harq.TxParams{
			Slot:    msg3Slot,
			AckSlot: msg3Slot,
			PRBs:    prbs,
			MCS:     msg3MCS,
			TBS:     tbs,
			MaxRetx: msg3MaxRetx,
		}, true)
		if errors.Is(err, harq.ErrNoSoftBuffer) {
			break
		}
		if err != nil {
			panic(fmt.Sprintf("sched: starting Msg3 process: %v", err))
		}
		served++
	}
	if served == 0 {
		return 0, allocNoSoftBuffer
	}

	a.takeCCE(coreset)
	a.pdcch.dlPRBs.fill(rarInterv)
	for i := 0; i < served; i++ {
		p := pending[i]
		prbs := model.PRBInterval{
			Start: msg3Interv.Start + uint32(i)*msg3PRBs,
			Stop:  msg3Interv.Start + uint32(i+1)*msg3PRBs,
		}
		g3.ulPRBs.fill(prbs)
		a.pdcch.dl.RAR = append(a.pdcch.dl.RAR, model.RARGrant{
			RARNTI:    raRNTI,
			TempCRNTI: p.info.TempCRNTI,
			Preamble:  p.info.Preamble,
			TA:        p.info.TA,
			Msg3PRBs:  prbs,
			Msg3Slot:  msg3Slot,
		})
		g3.ul.PUSCH = append(g3.ul.PUSCH, model.ULGrant{
			RNTI:    p.info.TempCRNTI,
			PID:     procs[i].PID(),
			NDI:     procs[i].NDI(),
			PRBs:    prbs,
			TBS:     tbs,
			DCISlot: a.slot,
			Msg3:    true,
		})
	}
	return served, allocSuccess
}
