// Package harq implements the per-UE, per-carrier HARQ entity: 16 downlink
// and 16 uplink processes, each leasing a soft-buffer while active.
//
// An Entity is not safe for concurrent use. All calls for one (UE, carrier)
// pair are serialized by the scheduler's event manager.
package harq

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/softbuf"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

const (
	// NofProcs is the number of HARQ processes per direction.
	NofProcs = 16
	// MaxTBs is the number of transport blocks a DL process can carry.
	MaxTBs = 2
)

var (
	ErrInvalidPID   = errors.New("harq: invalid process id")
	ErrInvalidTB    = errors.New("harq: invalid transport block index")
	ErrProcessIdle  = errors.New("harq: process idle")
	ErrProcessBusy  = errors.New("harq: process busy")
	ErrNoRetx       = errors.New("harq: no retransmission pending")
	ErrNoSoftBuffer = errors.New("harq: no soft-buffer available")
)

// BufferPool leases soft-buffers. *softbuf.Pool implements it.
type BufferPool interface {
	GetTx(nofPRB uint32) *softbuf.TxHandle
	GetRx(nofPRB uint32) *softbuf.RxHandle
}

// Entity holds the HARQ processes of one UE on one carrier.
type Entity struct {
	rnti       model.RNTI
	cc         uint32
	nofPRB     uint32
	ackTimeout uint32
	pool       BufferPool

	dl [NofProcs]DLProcess
	ul [NofProcs]ULProcess
}

// NewEntity creates an entity whose buffers are sized for a carrier of
// nofPRB. ackTimeout is the number of slots past the expected feedback slot
// after which an unanswered process counts as NACKed.
func NewEntity(rnti model.RNTI, cc, nofPRB, ackTimeout uint32, pool BufferPool) *Entity {
	e := &Entity{rnti: rnti, cc: cc, nofPRB: nofPRB, ackTimeout: ackTimeout, pool: pool}
	for i := range e.dl {
		e.dl[i].pid = uint32(i)
		e.ul[i].pid = uint32(i)
	}
	return e
}

func (e *Entity) RNTI() model.RNTI { return e.rnti }
func (e *Entity) CC() uint32       { return e.cc }

// DL returns downlink process pid, or nil when pid is out of range.
func (e *Entity) DL(pid uint32) *DLProcess {
	if pid >= NofProcs {
		return nil
	}
	return &e.dl[pid]
}

// UL returns uplink process pid, or nil when pid is out of range.
func (e *Entity) UL(pid uint32) *ULProcess {
	if pid >= NofProcs {
		return nil
	}
	return &e.ul[pid]
}

// FindEmptyDL returns the lowest idle DL process, or nil.
func (e *Entity) FindEmptyDL() *DLProcess {
	for i := range e.dl {
		if !e.dl[i].active() {
			return &e.dl[i]
		}
	}
	return nil
}

// FindEmptyUL returns the lowest idle UL process, or nil.
func (e *Entity) FindEmptyUL() *ULProcess {
	for i := range e.ul {
		if !e.ul[i].active() {
			return &e.ul[i]
		}
	}
	return nil
}

// FindPendingDLRetx returns the DL process NACKed longest ago, or nil.
func (e *Entity) FindPendingDLRetx() *DLProcess {
	var best *DLProcess
	for i := range e.dl {
		p := &e.dl[i]
		if p.active() && p.pendingRetx && (best == nil || p.lastTx.Before(best.lastTx)) {
			best = p
		}
	}
	return best
}

// FindPendingULRetx returns the UL process NACKed longest ago, or nil.
func (e *Entity) FindPendingULRetx() *ULProcess {
	var best *ULProcess
	for i := range e.ul {
		p := &e.ul[i]
		if p.active() && p.pendingRetx && (best == nil || p.lastTx.Before(best.lastTx)) {
			best = p
		}
	}
	return best
}

// NewTxDL activates an idle DL process and leases its transmit buffer.
func (e *Entity) NewTxDL(pid uint32, params TxParams) error {
	p := e.DL(pid)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if p.active() {
		return fmt.Errorf("%w: dl pid %d", ErrProcessBusy, pid)
	}
	if params.NofTB > MaxTBs {
		return fmt.Errorf("%w: %d transport blocks", ErrInvalidTB, params.NofTB)
	}
	buf := e.pool.GetTx(e.nofPRB)
	if buf == nil {
		return ErrNoSoftBuffer
	}
	p.buf = buf
	p.start(params)
	return nil
}

// NewTxUL activates an idle UL process and leases its receive buffer.
func (e *Entity) NewTxUL(pid uint32, params TxParams, msg3 bool) error {
	p := e.UL(pid)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if p.active() {
		return fmt.Errorf("%w: ul pid %d", ErrProcessBusy, pid)
	}
	buf := e.pool.GetRx(e.nofPRB)
	if buf == nil {
		return ErrNoSoftBuffer
	}
	params.NofTB = 1
	p.buf = buf
	p.msg3 = msg3
	p.start(params)
	return nil
}

// NewRetxDL schedules the pending retransmission of a NACKed DL process.
// The buffer and data are kept.
func (e *Entity) NewRetxDL(pid uint32, slot, ackSlot timectrl.SlotPoint, prbs model.PRBInterval) error {
	p := e.DL(pid)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if !p.active() || !p.pendingRetx {
		return fmt.Errorf("%w: dl pid %d", ErrNoRetx, pid)
	}
	p.retx(slot, ackSlot, prbs)
	return nil
}

// NewRetxUL schedules the pending retransmission of a failed UL process.
func (e *Entity) NewRetxUL(pid uint32, slot timectrl.SlotPoint, prbs model.PRBInterval) error {
	p := e.UL(pid)
	if p == nil {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if !p.active() || !p.pendingRetx {
		return fmt.Errorf("%w: ul pid %d", ErrNoRetx, pid)
	}
	p.retx(slot, slot, prbs)
	return nil
}

// DLAckInfo applies HARQ-ACK feedback for transport block tb of process pid
// and returns that block's size. Feedback for idle processes or blocks is
// rejected without touching any counter.
func (e *Entity) DLAckInfo(pid uint32, tb int, ack bool) (int, error) {
	p := e.DL(pid)
	if p == nil {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if tb < 0 || tb >= MaxTBs {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTB, tb)
	}
	if !p.tb[tb].Active {
		return 0, fmt.Errorf("%w: dl pid %d tb %d", ErrProcessIdle, pid, tb)
	}
	tbs, idle := p.feedback(tb, ack)
	if idle {
		p.buf.Release()
		p.buf = nil
	}
	return tbs, nil
}

// ULCRCInfo applies the PUSCH decoding outcome of process pid.
func (e *Entity) ULCRCInfo(pid uint32, crc bool) (int, error) {
	p := e.UL(pid)
	if p == nil {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if !p.tb[0].Active {
		return 0, fmt.Errorf("%w: ul pid %d", ErrProcessIdle, pid)
	}
	tbs, idle := p.feedback(0, crc)
	if idle {
		p.buf.Release()
		p.buf = nil
		p.msg3 = false
	}
	return tbs, nil
}

// Expired is a transport block that NewSlot treated as NACKed because its
// feedback never arrived.
type Expired struct {
	UL  bool
	PID uint32
	TBS int
}

// NewSlot expires processes whose feedback is overdue by more than the ACK
// timeout, treating them as NACKed. It returns one entry per expired
// transport block.
func (e *Entity) NewSlot(slot timectrl.SlotPoint) []Expired {
	var expired []Expired
	for i := range e.dl {
		p := &e.dl[i]
		if !p.active() || p.pendingRetx || !e.overdue(slot, p.ackSlot) {
			continue
		}
		for tb := range p.tb {
			if !p.tb[tb].Active {
				continue
			}
			if tbs, err := e.DLAckInfo(p.pid, tb, false); err == nil {
				expired = append(expired, Expired{PID: p.pid, TBS: tbs})
			}
		}
	}
	for i := range e.ul {
		p := &e.ul[i]
		if !p.active() || p.pendingRetx || !e.overdue(slot, p.lastTx) {
			continue
		}
		if tbs, err := e.ULCRCInfo(p.pid, false); err == nil {
			expired = append(expired, Expired{UL: true, PID: p.pid, TBS: tbs})
		}
	}
	return expired
}

func (e *Entity) overdue(now, expected timectrl.SlotPoint) bool {
	if !expected.Valid() {
		return false
	}
	return now.Sub(expected) > int(e.ackTimeout)
}

// NofActive returns the number of active DL and UL processes.
func (e *Entity) NofActive() (dl, ul int) {
	for i := range e.dl {
		if e.dl[i].active() {
			dl++
		}
		if e.ul[i].active() {
			ul++
		}
	}
	return dl, ul
}

// Release drops every process and returns all leased buffers. It is used
// when the UE is removed or the carrier deactivated.
func (e *Entity) Release() {
	for i := range e.dl {
		e.dl[i].buf.Release()
		e.dl[i].buf = nil
		e.dl[i].tb = [MaxTBs]TB{}
		e.dl[i].pendingRetx = false
		e.ul[i].buf.Release()
		e.ul[i].buf = nil
		e.ul[i].tb = [MaxTBs]TB{}
		e.ul[i].pendingRetx = false
		e.ul[i].msg3 = false
	}
}
