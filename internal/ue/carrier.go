package ue

import (
	"sync/atomic"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/harq"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// DefaultCQI is assumed until the UE reports channel quality.
const DefaultCQI = 7

// Carrier is the part of a UE context that lives on one carrier. Apart from
// the metric counters it is touched only by that carrier's worker during a
// slot, and by the UE's own event path between slots.
type Carrier struct {
	rnti model.RNTI
	cc   uint32
	cell *model.CellConfig
	harq *harq.Entity

	coreset uint8
	maxRetx uint32
	dlCQI   atomic.Uint32

	// Byte budgets handed out by Context.NewSlot and the amounts the carrier
	// worker actually scheduled against them.
	dlBudget    int
	ulBudget    int
	dlAllocated int
	ulAllocated int

	srPending  bool
	pendingCEs []uint32

	metrics carrierMetrics
}

type carrierMetrics struct {
	txBytes  atomic.Uint64
	txErrors atomic.Uint64
	txPkts   atomic.Uint64
	rxBytes  atomic.Uint64
	rxErrors atomic.Uint64
	rxPkts   atomic.Uint64
}

func newCarrier(rnti model.RNTI, cell *model.CellConfig, cc uint32, cfg model.UEConfig, pool harq.BufferPool) *Carrier {
	c := &Carrier{
		rnti: rnti,
		cc:   cc,
		cell: cell,
		harq: harq.NewEntity(rnti, cc, cell.NofPRB, cell.HARQAckTimeout, pool),
	}
	c.dlCQI.Store(DefaultCQI)
	c.applyConfig(cfg)
	return c
}

func (c *Carrier) applyConfig(cfg model.UEConfig) {
	c.maxRetx = cfg.MaxHARQRetx
	for _, id := range cfg.Coresets {
		if c.cell.HasCoreset(id) {
			c.coreset = id
			break
		}
	}
}

func (c *Carrier) RNTI() model.RNTI        { return c.rnti }
func (c *Carrier) CC() uint32              { return c.cc }
func (c *Carrier) Cell() *model.CellConfig { return c.cell }
func (c *Carrier) HARQ() *harq.Entity      { return c.harq }
func (c *Carrier) Coreset() uint8          { return c.coreset }
func (c *Carrier) MaxRetx() uint32         { return c.maxRetx }
func (c *Carrier) DLCQI() uint32           { return c.dlCQI.Load() }
func (c *Carrier) SetDLCQI(cqi uint32)     { c.dlCQI.Store(min(cqi, 15)) }
func (c *Carrier) SRPending() bool         { return c.srPending }
func (c *Carrier) HasPendingCEs() bool     { return len(c.pendingCEs) > 0 }

// DLBudget is the number of new DL bytes still worth scheduling this slot.
func (c *Carrier) DLBudget() int { return c.dlBudget - c.dlAllocated }

// ULBudget is the number of new UL bytes still worth granting this slot.
func (c *Carrier) ULBudget() int { return c.ulBudget - c.ulAllocated }

// setBudgets starts a new slot's accounting.
func (c *Carrier) setBudgets(dl, ul int) {
	c.dlBudget, c.ulBudget = dl, ul
	c.dlAllocated, c.ulAllocated = 0, 0
}

// ConsumeDL records bytes of new DL data scheduled in this slot.
func (c *Carrier) ConsumeDL(bytes int) { c.dlAllocated += bytes }

// ConsumeUL records bytes of new UL data granted in this slot and clears a
// pending scheduling request.
func (c *Carrier) ConsumeUL(bytes int) {
	c.ulAllocated += bytes
	c.srPending = false
}

// TakeCEs returns and clears the MAC CEs queued for this carrier.
func (c *Carrier) TakeCEs() []uint32 {
	ces := c.pendingCEs
	c.pendingCEs = nil
	return ces
}

// RecordDLAck accounts HARQ-ACK feedback for a TB of tbs bytes.
func (c *Carrier) RecordDLAck(tbs int, ack bool) {
	if ack {
		c.metrics.txBytes.Add(uint64(tbs))
	} else {
		c.metrics.txErrors.Add(1)
	}
	c.metrics.txPkts.Add(1)
}

// RecordULCRC accounts a PUSCH decoding outcome for a TB of tbs bytes.
func (c *Carrier) RecordULCRC(tbs int, crc bool) {
	if crc {
		c.metrics.rxBytes.Add(uint64(tbs))
	} else {
		c.metrics.rxErrors.Add(1)
	}
	c.metrics.rxPkts.Add(1)
}

// ExpireHARQ runs the HARQ timeouts of slot and counts every expired
// transport block as a failed transmission. It returns the number expired.
func (c *Carrier) ExpireHARQ(slot timectrl.SlotPoint) int {
	expired := c.harq.NewSlot(slot)
	for _, x := range expired {
		if x.UL {
			c.RecordULCRC(x.TBS, false)
		} else {
			c.RecordDLAck(x.TBS, false)
		}
	}
	return len(expired)
}

func (c *Carrier) readMetrics() model.UECarrierMetrics {
	return model.UECarrierMetrics{
		CC:       c.cc,
		TxBytes:  c.metrics.txBytes.Swap(0),
		TxErrors: c.metrics.txErrors.Swap(0),
		TxPkts:   c.metrics.txPkts.Swap(0),
		RxBytes:  c.metrics.rxBytes.Swap(0),
		RxErrors: c.metrics.rxErrors.Swap(0),
		RxPkts:   c.metrics.rxPkts.Swap(0),
		DLCQI:    c.dlCQI.Load(),
	}
}
