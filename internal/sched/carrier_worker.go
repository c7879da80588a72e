package sched

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/events"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/ue"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// ccWorker owns the slot grids and random-access queue of one carrier. Its
// state is only touched from runSlot, which never overlaps itself.
type ccWorker struct {
	cc      uint32
	cell    *model.CellConfig
	ring    *resultRing
	events  *events.Manager
	lookup  func(model.RNTI) *ue.Carrier
	log     logging.Logger
	metrics *observability.SchedulerCollector
	tracer  trace.Tracer

	pendingRACH []pendingRACH
	rrOffset    int
}

// slotStats summarizes one runSlot for logs and spans.
type slotStats struct {
	events   int
	timeouts int
	rar      int
	dlNewTx  int
	dlRetx   int
	ulNewTx  int
	ulRetx   int
}

// addRACH queues a preamble detection. Duplicates of a temporary C-RNTI
// already waiting are dropped.
func (w *ccWorker) addRACH(ctx context.Context, info model.RARInfo) {
	for _, p := range w.pendingRACH {
		if p.info.TempCRNTI == info.TempCRNTI {
			w.log.Warn(ctx, "duplicate RACH for pending temporary C-RNTI", logging.RNTI(info.TempCRNTI), logging.CC(w.cc))
			w.metrics.IncFeedbackDropped("rach", "duplicate")
			return
		}
	}
	prach := timectrl.NewSlotPoint(w.cell.Numerology, info.PRACHSlot%timectrl.Horizon(w.cell.Numerology))
	w.pendingRACH = append(w.pendingRACH, pendingRACH{
		info:      info,
		prachSlot: prach,
		raRNTI:    raRNTIFor(prach),
	})
}

// runSlot builds the result of slot for this carrier. carriers is the
// snapshot of UEs active on the carrier taken after the UE phase.
func (w *ccWorker) runSlot(ctx context.Context, slot timectrl.SlotPoint, carriers []*ue.Carrier) {
	ctx, span := w.tracer.Start(ctx, observability.RunSlotSpan, trace.WithAttributes(
		attribute.String("slot", slot.String()),
		attribute.Int64("cc", int64(w.cc)),
		attribute.Int("ues", len(carriers)),
	))
	defer span.End()

	a := newSlotAllocator(w.cc, w.cell, w.ring, slot)
	var st slotStats
	st.events = w.events.RunCCEvents(ctx, slot, w.cc)

	for _, c := range carriers {
		st.timeouts += c.ExpireHARQ(slot)
	}
	w.metrics.AddAckTimeouts(st.timeouts)

	st.rar = w.scheduleRAR(ctx, a)

	order := w.roundRobin(carriers)
	scheduled := make(map[model.RNTI]bool, len(order))
	for _, c := range order {
		p := c.HARQ().FindPendingDLRetx()
		if p == nil {
			continue
		}
		if _, res := a.allocDLRetx(c, p); res != allocSuccess {
			w.allocFailed(ctx, slot, c.RNTI(), "dl_retx", res)
			continue
		}
		scheduled[c.RNTI()] = true
		st.dlRetx++
	}
	for _, c := range order {
		if scheduled[c.RNTI()] || (c.DLBudget() <= 0 && !c.HasPendingCEs()) {
			continue
		}
		if _, res := a.allocDLNewTx(c); res != allocSuccess {
			w.allocFailed(ctx, slot, c.RNTI(), "dl_newtx", res)
			continue
		}
		st.dlNewTx++
	}

	clear(scheduled)
	for _, c := range order {
		p := c.HARQ().FindPendingULRetx()
		if p == nil {
			continue
		}
		if _, res := a.allocULRetx(c, p); res != allocSuccess {
			w.allocFailed(ctx, slot, c.RNTI(), "ul_retx", res)
			continue
		}
		scheduled[c.RNTI()] = true
		st.ulRetx++
	}
	for _, c := range order {
		if scheduled[c.RNTI()] || c.ULBudget() <= 0 {
			continue
		}
		if _, res := a.allocULNewTx(c); res != allocSuccess {
			w.allocFailed(ctx, slot, c.RNTI(), "ul_newtx", res)
			continue
		}
		st.ulNewTx++
	}
	w.rrOffset++

	w.metrics.AddGrants("dl", "rar", st.rar)
	w.metrics.AddGrants("dl", "newtx", st.dlNewTx)
	w.metrics.AddGrants("dl", "retx", st.dlRetx)
	w.metrics.AddGrants("ul", "newtx", st.ulNewTx)
	w.metrics.AddGrants("ul", "retx", st.ulRetx)
	span.SetAttributes(
		attribute.Int("rar", st.rar),
		attribute.Int("pdsch", st.dlNewTx+st.dlRetx),
		attribute.Int("pusch", st.ulNewTx+st.ulRetx),
	)
	if w.log.DebugEnabled(ctx) {
		w.log.Debug(ctx, "slot scheduled",
			logging.Slot(slot),
			logging.CC(w.cc),
			logging.Int("events", st.events),
			logging.Int("ack_timeouts", st.timeouts),
			logging.Int("rar", st.rar),
			logging.Int("dl_newtx", st.dlNewTx),
			logging.Int("dl_retx", st.dlRetx),
			logging.Int("ul_newtx", st.ulNewTx),
			logging.Int("ul_retx", st.ulRetx),
			logging.Uint("cce", a.pdcch.dl.NofCCE),
		)
	}
}

// roundRobin rotates the UE order by one position every slot so no UE keeps
// first pick of the grid.
func (w *ccWorker) roundRobin(carriers []*ue.Carrier) []*ue.Carrier {
	n := len(carriers)
	if n == 0 {
		return nil
	}
	off := w.rrOffset % n
	out := make([]*ue.Carrier, 0, n)
	out = append(out, carriers[off:]...)
	return append(out, carriers[:off]...)
}

// scheduleRAR drops preambles whose response window has closed and sends
// one RAR per RA-RNTI, oldest first. Preambles that could not be served stay
// queued for the next slot.
func (w *ccWorker) scheduleRAR(ctx context.Context, a *slotAllocator) int {
	if len(w.pendingRACH) == 0 {
		return 0
	}
	live := w.pendingRACH[:0]
	for _, p := range w.pendingRACH {
		if p.expired(a.slot, w.cell.RAWindow) {
			w.log.Warn(ctx, "RA response window expired",
				logging.RNTI(p.info.TempCRNTI),
				logging.CC(w.cc),
				logging.Slot(a.slot),
				logging.String("prach_slot", p.prachSlot.String()),
			)
			w.metrics.IncFeedbackDropped("rach", "ra_window_expired")
			continue
		}
		live = append(live, p)
	}
	w.pendingRACH = live

	sent := 0
	var remaining []pendingRACH
	done := make(map[model.RNTI]bool)
	for _, p := range w.pendingRACH {
		if done[p.raRNTI] {
			continue
		}
		done[p.raRNTI] = true
		var group []pendingRACH
		for _, q := range w.pendingRACH {
			if q.raRNTI == p.raRNTI {
				group = append(group, q)
			}
		}
		served, res := a.allocRAR(p.raRNTI, group, w.lookup)
		if res != allocSuccess {
			w.allocFailed(ctx, a.slot, p.raRNTI, "rar", res)
		}
		sent += served
		remaining = append(remaining, group[served:]...)
	}
	w.pendingRACH = remaining
	return sent
}

func (w *ccWorker) allocFailed(ctx context.Context, slot timectrl.SlotPoint, rnti model.RNTI, kind string, res allocResult) {
	w.metrics.IncAllocFailure(res.String())
	if w.log.DebugEnabled(ctx) {
		w.log.Debug(ctx, "allocation failed",
			logging.Slot(slot),
			logging.CC(w.cc),
			logging.RNTI(rnti),
			logging.String("kind", kind),
			logging.String("result", res.String()),
		)
	}
}

// result returns a copy of the stored result of slot.
func (w *ccWorker) result(slot timectrl.SlotPoint) model.SchedResult {
	res, _ := w.ring.result(slot, w.cc)
	return res
}
