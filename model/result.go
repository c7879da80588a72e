package model

import (
	"fmt"

	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// PRBInterval is a contiguous half-open range [Start, Stop) of resource blocks.
type PRBInterval struct {
	Start uint32
	Stop  uint32
}

// Length returns the number of PRBs in the interval.
func (p PRBInterval) Length() uint32 {
	if p.Stop <= p.Start {
		return 0
	}
	return p.Stop - p.Start
}

// Empty reports whether the interval holds no PRBs.
func (p PRBInterval) Empty() bool { return p.Length() == 0 }

func (p PRBInterval) String() string { return fmt.Sprintf("[%d,%d)", p.Start, p.Stop) }

// DLGrant is one PDSCH allocation.
type DLGrant struct {
	RNTI    RNTI
	PID     uint32
	NDI     bool
	Retx    uint32
	PRBs    PRBInterval
	CQI     uint32
	TBS     int
	AckSlot timectrl.SlotPoint
	// CEs holds the LCIDs of MAC CEs multiplexed in this TB.
	CEs []uint32
}

// ULGrant is one PUSCH allocation, signalled in DCISlot and transmitted in Slot.
type ULGrant struct {
	RNTI    RNTI
	PID     uint32
	NDI     bool
	Retx    uint32
	PRBs    PRBInterval
	TBS     int
	DCISlot timectrl.SlotPoint
	Msg3    bool
}

// PUCCHGrant announces that a HARQ-ACK from RNTI is expected in this UL slot.
type PUCCHGrant struct {
	RNTI  RNTI
	CC    uint32
	DLPID uint32
}

// RARGrant carries one random-access response and its Msg3 allocation.
type RARGrant struct {
	RARNTI    RNTI
	TempCRNTI RNTI
	Preamble  uint32
	TA        uint32
	Msg3PRBs  PRBInterval
	Msg3Slot  timectrl.SlotPoint
}

// DLResult is the downlink decision for one (slot, carrier).
type DLResult struct {
	NofCCE uint32
	PDSCH  []DLGrant
	RAR    []RARGrant
}

// ULResult is the uplink content of one (slot, carrier). Entries are
// produced in earlier slots, when their DCIs were scheduled.
type ULResult struct {
	PUSCH []ULGrant
	PUCCH []PUCCHGrant
}

// SchedResult is everything the PHY needs for one (slot, carrier).
type SchedResult struct {
	Slot timectrl.SlotPoint
	CC   uint32
	DL   DLResult
	UL   ULResult
}

// Empty reports whether the result carries no grants at all.
func (r *SchedResult) Empty() bool {
	return len(r.DL.PDSCH) == 0 && len(r.DL.RAR) == 0 && len(r.UL.PUSCH) == 0 && len(r.UL.PUCCH) == 0
}

// Clone deep-copies the result so callers can keep it past the next slot.
func (r SchedResult) Clone() SchedResult {
	out := r
	out.DL.PDSCH = make([]DLGrant, len(r.DL.PDSCH))
	for i, g := range r.DL.PDSCH {
		g.CEs = append([]uint32(nil), g.CEs...)
		out.DL.PDSCH[i] = g
	}
	out.DL.RAR = append([]RARGrant(nil), r.DL.RAR...)
	out.UL.PUSCH = append([]ULGrant(nil), r.UL.PUSCH...)
	out.UL.PUCCH = append([]PUCCHGrant(nil), r.UL.PUCCH...)
	return out
}
