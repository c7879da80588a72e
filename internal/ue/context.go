// Package ue holds per-UE scheduling state and the registry that owns it.
package ue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/harq"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

const (
	// NofLCG is the number of logical channel groups a BSR reports on.
	NofLCG = 8
	// MaxLCID is the highest logical channel id accepted in buffer state reports.
	MaxLCID = 32
	// CEBytes is the space a MAC CE with its subheader takes in a TB.
	CEBytes = 2
	// SRGrantBytes is the UL budget given to a UE that sent an SR but has no
	// BSR on record, enough for the BSR itself.
	SRGrantBytes = 8
)

var (
	ErrInvalidUEConfig = errors.New("ue: invalid configuration")
	ErrInvalidLCG      = errors.New("ue: invalid logical channel group")
	ErrInvalidLCID     = errors.New("ue: invalid logical channel id")
)

// ValidateConfig checks the structure of cfg against the configured cells.
// It does not interpret RRC semantics beyond carriers, coresets and HARQ.
func ValidateConfig(cfg model.UEConfig, cells []model.CellConfig) error {
	if len(cfg.Coresets) == 0 {
		return fmt.Errorf("%w: no coreset configured", ErrInvalidUEConfig)
	}
	if cfg.MaxHARQRetx == 0 {
		return fmt.Errorf("%w: max HARQ retransmissions must be positive", ErrInvalidUEConfig)
	}
	active := cfg.ActiveCarriers()
	if len(active) == 0 {
		return fmt.Errorf("%w: no active carrier", ErrInvalidUEConfig)
	}
	seen := make(map[uint32]bool, len(cfg.Carriers))
	for _, cc := range cfg.Carriers {
		if seen[cc.CC] {
			return fmt.Errorf("%w: carrier %d listed twice", ErrInvalidUEConfig, cc.CC)
		}
		seen[cc.CC] = true
		if int(cc.CC) >= len(cells) {
			return fmt.Errorf("%w: carrier %d not configured", ErrInvalidUEConfig, cc.CC)
		}
	}
	for _, cc := range active {
		cell := &cells[cc]
		found := false
		for _, id := range cfg.Coresets {
			if cell.HasCoreset(id) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: no monitored coreset exists on carrier %d", ErrInvalidUEConfig, cc)
		}
	}
	return nil
}

type lcBuffer struct {
	newTx uint32
	retx  uint32
}

// Context is the scheduling state of one UE. UE-level fields are mutated only
// from the UE's serialized event path; per-carrier state lives in Carrier.
type Context struct {
	rnti  model.RNTI
	cells []model.CellConfig
	pool  harq.BufferPool

	cfg model.UEConfig

	// mu guards the carrier set against concurrent metric reads. Carrier
	// contents are not covered by it.
	mu       sync.RWMutex
	carriers []*Carrier // indexed by cc, nil when inactive

	srPending  bool
	lcgBytes   [NofLCG]uint32
	dlBuffers  map[uint32]lcBuffer
	pendingCEs []uint32

	srCount  atomic.Uint64
	bsrBytes atomic.Uint64
	dlBuffer atomic.Uint64
}

// NewContext builds a UE context with one HARQ entity per active carrier.
// cfg must have passed ValidateConfig.
func NewContext(rnti model.RNTI, cfg model.UEConfig, cells []model.CellConfig, pool harq.BufferPool) *Context {
	u := &Context{
		rnti:      rnti,
		cells:     cells,
		pool:      pool,
		carriers:  make([]*Carrier, len(cells)),
		dlBuffers: make(map[uint32]lcBuffer),
	}
	u.Reconfigure(cfg)
	return u
}

func (u *Context) RNTI() model.RNTI       { return u.rnti }
func (u *Context) Config() model.UEConfig { return u.cfg.Clone() }

// Reconfigure applies cfg in place. Newly activated carriers get a fresh HARQ
// entity; deactivated carriers release all their soft-buffers.
func (u *Context) Reconfigure(cfg model.UEConfig) {
	cfg = cfg.Clone()
	want := make(map[uint32]bool)
	for _, cc := range cfg.ActiveCarriers() {
		want[cc] = true
	}

	u.mu.Lock()
	for cc := range u.carriers {
		c := u.carriers[cc]
		switch {
		case c == nil && want[uint32(cc)]:
			u.carriers[cc] = newCarrier(u.rnti, &u.cells[cc], uint32(cc), cfg, u.pool)
		case c != nil && !want[uint32(cc)]:
			c.harq.Release()
			u.carriers[cc] = nil
		case c != nil:
			c.applyConfig(cfg)
		}
	}
	u.mu.Unlock()
	u.cfg = cfg
}

// Release returns every soft-buffer held by the UE. The context must not be
// scheduled afterwards.
func (u *Context) Release() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for cc, c := range u.carriers {
		if c != nil {
			c.harq.Release()
			u.carriers[cc] = nil
		}
	}
}

// Carrier returns the UE's state on cc, or nil if cc is not active.
func (u *Context) Carrier(cc uint32) *Carrier {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if int(cc) >= len(u.carriers) {
		return nil
	}
	return u.carriers[cc]
}

// Carriers returns the active carriers in carrier order.
func (u *Context) Carriers() []*Carrier {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*Carrier, 0, len(u.carriers))
	for _, c := range u.carriers {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// primary is the lowest active carrier; UE-level signalling (SR, MAC CEs)
// is served there.
func (u *Context) primary() *Carrier {
	for _, cc := range u.cfg.ActiveCarriers() {
		if c := u.Carrier(cc); c != nil {
			return c
		}
	}
	return nil
}

// SetSR records a scheduling request.
func (u *Context) SetSR() {
	u.srPending = true
	u.srCount.Add(1)
}

// SetBSR records the buffer status of one logical channel group.
func (u *Context) SetBSR(lcg uint32, bytes uint32) error {
	if lcg >= NofLCG {
		return fmt.Errorf("%w: %d", ErrInvalidLCG, lcg)
	}
	u.lcgBytes[lcg] = bytes
	u.bsrBytes.Store(uint64(u.pendingUL()))
	return nil
}

// SetDLBuffer records the RLC buffer occupancy of one logical channel.
func (u *Context) SetDLBuffer(lcid, newTx, retx uint32) error {
	if lcid > MaxLCID {
		return fmt.Errorf("%w: %d", ErrInvalidLCID, lcid)
	}
	if newTx == 0 && retx == 0 {
		delete(u.dlBuffers, lcid)
	} else {
		u.dlBuffers[lcid] = lcBuffer{newTx: newTx, retx: retx}
	}
	u.dlBuffer.Store(uint64(u.pendingDL()))
	return nil
}

// AddMACCE queues a DL MAC CE identified by its LCID.
func (u *Context) AddMACCE(lcid uint32) {
	u.pendingCEs = append(u.pendingCEs, lcid)
}

func (u *Context) pendingDL() int {
	n := 0
	for _, b := range u.dlBuffers {
		n += int(b.newTx) + int(b.retx)
	}
	return n
}

func (u *Context) pendingUL() int {
	n := 0
	for _, b := range u.lcgBytes {
		n += int(b)
	}
	return n
}

// NewSlot runs between slots on the UE's event path. It charges the bytes
// each carrier scheduled in the previous slot against the buffer state, then
// splits the remaining DL and UL demand over the active carriers.
func (u *Context) NewSlot() {
	carriers := u.Carriers()
	if len(carriers) == 0 {
		return
	}

	for _, c := range carriers {
		u.drainDL(c.dlAllocated)
		u.drainUL(c.ulAllocated)
	}

	if len(u.pendingCEs) > 0 || u.srPending {
		p := u.primary()
		p.pendingCEs = append(p.pendingCEs, u.pendingCEs...)
		u.pendingCEs = nil
		if u.srPending {
			p.srPending = true
			u.srPending = false
		}
	}

	dl := u.pendingDL()
	ul := u.pendingUL()
	n := len(carriers)
	for i, c := range carriers {
		dlShare, ulShare := dl/n, ul/n
		if i == 0 {
			dlShare += dl % n
			ulShare += ul % n
		}
		dlShare += CEBytes * len(c.pendingCEs)
		if c.srPending && ulShare == 0 {
			ulShare = SRGrantBytes
		}
		c.setBudgets(dlShare, ulShare)
	}
	u.dlBuffer.Store(uint64(dl))
	u.bsrBytes.Store(uint64(ul))
}

// drainDL removes scheduled bytes from the DL buffers, retransmissions
// first, lowest LCID first.
func (u *Context) drainDL(bytes int) {
	if bytes <= 0 || len(u.dlBuffers) == 0 {
		return
	}
	lcids := make([]uint32, 0, len(u.dlBuffers))
	for lcid := range u.dlBuffers {
		lcids = append(lcids, lcid)
	}
	sort.Slice(lcids, func(i, j int) bool { return lcids[i] < lcids[j] })

	for _, lcid := range lcids {
		b := u.dlBuffers[lcid]
		take := min(uint32(bytes), b.retx)
		b.retx -= take
		bytes -= int(take)
		take = min(uint32(bytes), b.newTx)
		b.newTx -= take
		bytes -= int(take)
		if b.newTx == 0 && b.retx == 0 {
			delete(u.dlBuffers, lcid)
		} else {
			u.dlBuffers[lcid] = b
		}
		if bytes == 0 {
			return
		}
	}
}

func (u *Context) drainUL(bytes int) {
	for lcg := range u.lcgBytes {
		if bytes <= 0 {
			return
		}
		take := min(uint32(bytes), u.lcgBytes[lcg])
		u.lcgBytes[lcg] -= take
		bytes -= int(take)
	}
}

// ReadMetrics returns the counters accumulated since the previous call and
// resets them. It is safe to call from any goroutine.
func (u *Context) ReadMetrics() model.UEMetrics {
	m := model.UEMetrics{
		RNTI:     u.rnti,
		SRCount:  u.srCount.Swap(0),
		BSRBytes: u.bsrBytes.Load(),
		DLBuffer: u.dlBuffer.Load(),
	}
	for _, c := range u.Carriers() {
		m.Carriers = append(m.Carriers, c.readMetrics())
	}
	return m
}
