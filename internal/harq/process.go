package harq

import (
	"github.com/signalsfoundry/nr-mac-scheduler/internal/softbuf"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// TB is the state of one transport block inside a process.
type TB struct {
	Active bool
	NDI    bool
	Retx   uint32
	TBS    int
	MCS    uint32
}

// TxParams describes a new transmission.
type TxParams struct {
	Slot    timectrl.SlotPoint
	AckSlot timectrl.SlotPoint
	PRBs    model.PRBInterval
	MCS     uint32
	TBS     int
	// NofTB is 1 or 2 for DL, always 1 for UL.
	NofTB   int
	MaxRetx uint32
}

// proc holds the fields shared by DL and UL processes.
type proc struct {
	pid     uint32
	tb      [MaxTBs]TB
	prbs    model.PRBInterval
	firstTx timectrl.SlotPoint
	lastTx  timectrl.SlotPoint
	ackSlot timectrl.SlotPoint
	maxRetx uint32
	// pendingRetx is set by a NACK and cleared when the retransmission is
	// scheduled.
	pendingRetx bool
}

func (p *proc) active() bool {
	for i := range p.tb {
		if p.tb[i].Active {
			return true
		}
	}
	return false
}

func (p *proc) start(params TxParams) {
	nof := params.NofTB
	if nof < 1 {
		nof = 1
	}
	for i := range p.tb {
		ndi := !p.tb[i].NDI
		p.tb[i] = TB{NDI: ndi}
		if i < nof {
			p.tb[i].Active = true
			p.tb[i].TBS = params.TBS
			p.tb[i].MCS = params.MCS
		}
	}
	p.prbs = params.PRBs
	p.firstTx = params.Slot
	p.lastTx = params.Slot
	p.ackSlot = params.AckSlot
	p.maxRetx = params.MaxRetx
	p.pendingRetx = false
}

func (p *proc) retx(slot, ackSlot timectrl.SlotPoint, prbs model.PRBInterval) {
	p.lastTx = slot
	p.ackSlot = ackSlot
	p.prbs = prbs
	p.pendingRetx = false
}

// feedback applies an ACK or NACK to tb and reports the TBS to account plus
// whether the process went idle as a result.
func (p *proc) feedback(tb int, ok bool) (tbs int, idle bool) {
	t := &p.tb[tb]
	tbs = t.TBS
	if ok {
		t.Active = false
	} else {
		t.Retx++
		if t.Retx >= p.maxRetx {
			t.Active = false
		} else {
			p.pendingRetx = true
		}
	}
	if !p.active() {
		p.pendingRetx = false
		return tbs, true
	}
	return tbs, false
}

func (p *proc) retxCount() uint32 {
	var n uint32
	for i := range p.tb {
		n = max(n, p.tb[i].Retx)
	}
	return n
}

// DLProcess is one downlink HARQ process. It owns a transmit soft-buffer
// while active.
type DLProcess struct {
	proc
	buf *softbuf.TxHandle
}

// PID returns the process id.
func (p *DLProcess) PID() uint32 { return p.pid }

// Active reports whether any transport block awaits a terminal outcome.
func (p *DLProcess) Active() bool { return p.active() }

// PendingRetx reports whether the process was NACKed and needs a retransmission.
func (p *DLProcess) PendingRetx() bool { return p.pendingRetx }

// TB returns a copy of transport block i.
func (p *DLProcess) TB(i int) TB { return p.tb[i] }

// NDI returns the new-data indicator of the first transport block.
func (p *DLProcess) NDI() bool { return p.tb[0].NDI }

// Retx returns the highest retransmission count across transport blocks.
func (p *DLProcess) Retx() uint32 { return p.retxCount() }

// TBS returns the summed size of the active transport blocks.
func (p *DLProcess) TBS() int {
	n := 0
	for i := range p.tb {
		if p.tb[i].Active {
			n += p.tb[i].TBS
		}
	}
	return n
}

func (p *DLProcess) PRBs() model.PRBInterval      { return p.prbs }
func (p *DLProcess) AckSlot() timectrl.SlotPoint  { return p.ackSlot }
func (p *DLProcess) FirstTx() timectrl.SlotPoint  { return p.firstTx }
func (p *DLProcess) LastTx() timectrl.SlotPoint   { return p.lastTx }
func (p *DLProcess) SoftBuffer() *softbuf.TxHandle { return p.buf }

// ULProcess is one uplink HARQ process. It owns a receive soft-buffer while
// active; the CRC of its PUSCH is the feedback.
type ULProcess struct {
	proc
	buf *softbuf.RxHandle
	// msg3 marks the process carrying the RACH Msg3.
	msg3 bool
}

func (p *ULProcess) PID() uint32                   { return p.pid }
func (p *ULProcess) Active() bool                  { return p.active() }
func (p *ULProcess) PendingRetx() bool             { return p.pendingRetx }
func (p *ULProcess) NDI() bool                     { return p.tb[0].NDI }
func (p *ULProcess) Retx() uint32                  { return p.tb[0].Retx }
func (p *ULProcess) TBS() int                      { return p.tb[0].TBS }
func (p *ULProcess) PRBs() model.PRBInterval       { return p.prbs }
func (p *ULProcess) FirstTx() timectrl.SlotPoint   { return p.firstTx }
func (p *ULProcess) LastTx() timectrl.SlotPoint    { return p.lastTx }
func (p *ULProcess) SoftBuffer() *softbuf.RxHandle { return p.buf }
func (p *ULProcess) Msg3() bool                    { return p.msg3 }
