// Package sched implements the slot scheduler facade: carrier and UE
// configuration, per-slot scheduling across carriers, and the feedback
// entry points used by the PHY.
//
// Every mutation of UE state is queued on the owning UE's (or UE-carrier
// pair's) mailbox and applied at the next slot boundary, so no scheduling
// state needs its own lock. Several Schedulers can run in one process.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/events"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/softbuf"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/ue"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

var (
	ErrAlreadyConfigured = errors.New("sched: cells already configured")
	ErrInvalidCellConfig = errors.New("sched: invalid cell configuration")
	ErrNotConfigured     = errors.New("sched: cells not configured")
	ErrSlotOutOfOrder    = errors.New("sched: slot indication out of order")
	ErrDeadlineMissed    = errors.New("sched: slot result deadline missed")
	ErrInvalidCC         = errors.New("sched: unknown carrier")
	ErrInvalidRNTI       = errors.New("sched: invalid RNTI")
	ErrStopped           = errors.New("sched: scheduler stopped")
)

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics reports scheduler metrics to c.
func WithMetrics(c *observability.SchedulerCollector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithTracer overrides the tracer used for slot spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithWorkers sets the number of pool goroutines. Zero uses one per CPU.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithSoftBufConfig sizes the soft-buffer pool.
func WithSoftBufConfig(cfg softbuf.Config) Option {
	return func(s *Scheduler) { s.bufCfg = cfg }
}

// WithResultTimeout bounds GenerateSchedResult when the caller's context
// has no deadline. Zero waits for the context alone.
func WithResultTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.resultTimeout = d }
}

// slotTask tracks one carrier's run_slot.
type slotTask struct {
	slot  timectrl.SlotPoint
	start time.Time
	done  chan struct{}
	// res is written once before done is closed.
	res model.SchedResult
}

// Scheduler is the MAC scheduler of a set of carriers.
type Scheduler struct {
	log           logging.Logger
	metrics       *observability.SchedulerCollector
	tracer        trace.Tracer
	workers       int
	bufCfg        softbuf.Config
	resultTimeout time.Duration

	pool   *events.Pool
	events *events.Manager
	bufs   *softbuf.Pool
	ues    *ue.Registry

	// cfgMu guards cells and ccWorkers, written once by CellCfg.
	cfgMu     sync.RWMutex
	cells     []model.CellConfig
	ccWorkers []*ccWorker

	// slotMu serializes SlotIndication and Stop.
	slotMu   sync.Mutex
	lastSlot timectrl.SlotPoint

	taskMu sync.Mutex
	tasks  []*slotTask

	stopped atomic.Bool
}

// New creates a scheduler with no carriers. CellCfg must be called before
// any UE is configured or slot indicated.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:    logging.Noop(),
		tracer: observability.Tracer(),
		bufCfg: softbuf.DefaultConfig(),
		ues:    ue.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = events.NewPool(s.workers)
	s.events = events.NewManager(s.pool,
		events.WithLogger(s.log),
		events.WithPanicHook(s.metrics.IncEventPanics),
	)
	s.bufs = softbuf.NewPool(s.bufCfg)
	return s
}

// CellCfg configures the carriers, indexed by their position in cells. It
// can be called once.
func (s *Scheduler) CellCfg(cells []model.CellConfig) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if err := validateCells(cells); err != nil {
		return err
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.cells != nil {
		return ErrAlreadyConfigured
	}
	s.cells = make([]model.CellConfig, len(cells))
	for i, c := range cells {
		c.Coresets = append([]model.CoresetConfig(nil), c.Coresets...)
		s.cells[i] = c
	}
	s.ccWorkers = make([]*ccWorker, len(cells))
	for i := range s.cells {
		cell := &s.cells[i]
		cc := uint32(i)
		s.bufs.Reserve(cell.NofPRB)
		s.ccWorkers[i] = &ccWorker{
			cc:      cc,
			cell:    cell,
			ring:    newResultRing(cell),
			events:  s.events,
			lookup:  s.carrierLookup(cc),
			log:     s.log,
			metrics: s.metrics,
			tracer:  s.tracer,
		}
	}
	s.taskMu.Lock()
	s.tasks = make([]*slotTask, len(cells))
	s.taskMu.Unlock()

	s.log.Info(context.Background(), "cells configured", logging.Int("carriers", len(cells)))
	return nil
}

func validateCells(cells []model.CellConfig) error {
	if len(cells) == 0 {
		return fmt.Errorf("%w: no carriers", ErrInvalidCellConfig)
	}
	for i, c := range cells {
		if err := validateCell(c); err != nil {
			return fmt.Errorf("%w: carrier %d: %s", ErrInvalidCellConfig, i, err)
		}
		if c.Numerology != cells[0].Numerology {
			return fmt.Errorf("%w: carrier %d: numerology %d differs from carrier 0", ErrInvalidCellConfig, i, c.Numerology)
		}
	}
	return nil
}

func validateCell(c model.CellConfig) error {
	switch {
	case c.NofPRB < rarPRBs || c.NofPRB > 275:
		return fmt.Errorf("nof_prb %d out of range [%d,275]", c.NofPRB, rarPRBs)
	case c.Numerology > 4:
		return fmt.Errorf("numerology %d out of range", c.Numerology)
	case len(c.Coresets) == 0:
		return errors.New("no coreset")
	case c.AggregationLevel == 0 || c.AggregationLevel&(c.AggregationLevel-1) != 0 || c.AggregationLevel > 16:
		return fmt.Errorf("aggregation level %d not in {1,2,4,8,16}", c.AggregationLevel)
	case c.K1 == 0 || c.K1 > maxSlotDelay:
		return fmt.Errorf("k1 %d out of range [1,%d]", c.K1, maxSlotDelay)
	case c.K2 == 0 || c.K2 > maxSlotDelay:
		return fmt.Errorf("k2 %d out of range [1,%d]", c.K2, maxSlotDelay)
	case c.Msg3Delay == 0 || c.Msg3Delay > maxSlotDelay:
		return fmt.Errorf("msg3 delay %d out of range [1,%d]", c.Msg3Delay, maxSlotDelay)
	case c.RAWindow == 0:
		return errors.New("ra window must be positive")
	case c.MaxPDSCHPerSlot == 0 || c.MaxPUSCHPerSlot == 0:
		return errors.New("max PDSCH and PUSCH per slot must be positive")
	case c.ULMCSCQI == 0 || c.ULMCSCQI > 15:
		return fmt.Errorf("ul cqi %d out of range [1,15]", c.ULMCSCQI)
	}
	seen := make(map[uint8]bool, len(c.Coresets))
	for _, cs := range c.Coresets {
		if seen[cs.ID] {
			return fmt.Errorf("coreset %d listed twice", cs.ID)
		}
		seen[cs.ID] = true
		if cs.NofCCE < c.AggregationLevel {
			return fmt.Errorf("coreset %d has %d CCEs, fewer than aggregation level %d", cs.ID, cs.NofCCE, c.AggregationLevel)
		}
	}
	return nil
}

// Cells returns a copy of the configured carriers.
func (s *Scheduler) Cells() []model.CellConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	out := make([]model.CellConfig, len(s.cells))
	copy(out, s.cells)
	return out
}

func (s *Scheduler) configured() ([]model.CellConfig, []*ccWorker, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	if s.cells == nil {
		return nil, nil, ErrNotConfigured
	}
	return s.cells, s.ccWorkers, nil
}

func (s *Scheduler) worker(cc uint32) (*ccWorker, error) {
	_, workers, err := s.configured()
	if err != nil {
		return nil, err
	}
	if int(cc) >= len(workers) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCC, cc)
	}
	return workers[cc], nil
}

func (s *Scheduler) carrierLookup(cc uint32) func(model.RNTI) *ue.Carrier {
	return func(rnti model.RNTI) *ue.Carrier {
		u := s.ues.Get(rnti)
		if u == nil {
			return nil
		}
		return u.Carrier(cc)
	}
}

// UECfg validates cfg and queues the creation or reconfiguration of rnti.
// Validation errors are returned here; the change itself is applied at the
// next slot indication.
func (s *Scheduler) UECfg(rnti model.RNTI, cfg model.UEConfig) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	cells, _, err := s.configured()
	if err != nil {
		return err
	}
	if !rnti.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRNTI, rnti)
	}
	if err := ue.ValidateConfig(cfg, cells); err != nil {
		return err
	}
	cfg = cfg.Clone()
	s.events.EnqueueEvent(rnti, "ue_cfg", func() {
		s.applyUECfg(rnti, cfg, cells)
	})
	return nil
}

func (s *Scheduler) applyUECfg(rnti model.RNTI, cfg model.UEConfig, cells []model.CellConfig) {
	ctx := context.Background()
	if u := s.ues.Get(rnti); u != nil {
		u.Reconfigure(cfg)
		s.log.Info(ctx, "ue reconfigured", logging.RNTI(rnti))
		return
	}
	u := ue.NewContext(rnti, cfg, cells, s.bufs)
	if err := s.ues.Add(u); err != nil {
		u.Release()
		s.log.Warn(ctx, "ue add failed", logging.RNTI(rnti), logging.Err(err))
		return
	}
	s.metrics.SetUEs(s.ues.Len())
	s.log.Info(ctx, "ue added", logging.RNTI(rnti), logging.Int("carriers", len(cfg.ActiveCarriers())))
}

// UERem queues the removal of rnti behind its pending events. Removing an
// unknown UE is a no-op.
func (s *Scheduler) UERem(rnti model.RNTI) {
	if s.stopped.Load() {
		return
	}
	s.events.EnqueueEvent(rnti, "ue_rem", func() {
		u := s.ues.Remove(rnti)
		if u == nil {
			return
		}
		u.Release()
		s.metrics.SetUEs(s.ues.Len())
		s.log.Info(context.Background(), "ue removed", logging.RNTI(rnti))
	})
}

// UEExists reports whether rnti is currently configured.
func (s *Scheduler) UEExists(rnti model.RNTI) bool { return s.ues.Exists(rnti) }

// SlotIndication starts slot. It waits for the previous slot's carrier
// workers, applies queued UE events, refreshes each UE's budgets and then
// launches one run_slot per carrier on the pool.
func (s *Scheduler) SlotIndication(slot timectrl.SlotPoint) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	cells, workers, err := s.configured()
	if err != nil {
		return err
	}
	if !slot.Valid() || slot.Numerology() != cells[0].Numerology {
		return fmt.Errorf("%w: slot %s does not match numerology %d", ErrSlotOutOfOrder, slot, cells[0].Numerology)
	}

	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.stopped.Load() {
		return ErrStopped
	}
	if s.lastSlot.Valid() && !slot.After(s.lastSlot) {
		return fmt.Errorf("%w: %s after %s", ErrSlotOutOfOrder, slot, s.lastSlot)
	}
	s.waitTasks()

	ctx, span := s.tracer.Start(context.Background(), observability.SlotIndicationSpan,
		trace.WithAttributes(attribute.String("slot", slot.String())))
	defer span.End()

	start := time.Now()
	nofEvents := s.events.RunUEEvents(ctx, slot)
	for _, u := range s.ues.List() {
		u.NewSlot()
	}
	s.metrics.ObserveUEPhase(time.Since(start))
	s.metrics.SetUEs(s.ues.Len())
	s.publishSoftBufStats()
	span.SetAttributes(attribute.Int("ue_events", nofEvents), attribute.Int("ues", s.ues.Len()))

	tasks := make([]*slotTask, len(workers))
	for i, w := range workers {
		tasks[i] = &slotTask{slot: slot, start: start, done: make(chan struct{})}
		carriers := s.ues.ForCarrier(w.cc)
		task := tasks[i]
		run := func() {
			defer close(task.done)
			w.runSlot(ctx, slot, carriers)
			task.res = w.result(slot)
		}
		if err := s.pool.Submit(run); err != nil {
			run()
		}
	}
	s.taskMu.Lock()
	s.tasks = tasks
	s.taskMu.Unlock()
	s.lastSlot = slot
	return nil
}

// waitTasks blocks until every launched run_slot finished.
func (s *Scheduler) waitTasks() {
	s.taskMu.Lock()
	tasks := s.tasks
	s.taskMu.Unlock()
	for _, t := range tasks {
		if t != nil {
			<-t.done
		}
	}
}

func (s *Scheduler) publishSoftBufStats() {
	if s.metrics == nil {
		return
	}
	free := map[softbuf.Kind]int{}
	leased := map[softbuf.Kind]int{}
	var fallbacks uint64
	for _, st := range s.bufs.Stats() {
		free[st.Kind] += st.Free
		leased[st.Kind] += st.Leased
		fallbacks += st.Fallbacks
	}
	for _, k := range []softbuf.Kind{softbuf.KindTx, softbuf.KindRx} {
		s.metrics.SetSoftBuffers(k.String(), free[k], leased[k])
	}
	s.metrics.SetSoftBufFallbacks(fallbacks)
}

// GenerateSchedResult waits for carrier cc to finish slot and returns its
// DL and UL decisions. A slot that is not the carrier's current one yields
// an empty result. If ctx (or the configured result timeout) expires first,
// ErrDeadlineMissed is returned.
func (s *Scheduler) GenerateSchedResult(ctx context.Context, slot timectrl.SlotPoint, cc uint32) (model.SchedResult, error) {
	empty := model.SchedResult{Slot: slot, CC: cc}
	if s.stopped.Load() {
		return empty, ErrStopped
	}
	if _, err := s.worker(cc); err != nil {
		return empty, err
	}

	s.taskMu.Lock()
	task := s.tasks[cc]
	s.taskMu.Unlock()
	if task == nil || !task.slot.Equal(slot) {
		return empty, nil
	}

	if _, ok := ctx.Deadline(); !ok && s.resultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.resultTimeout)
		defer cancel()
	}
	select {
	case <-task.done:
	case <-ctx.Done():
		s.metrics.IncDeadlineMissed(cc)
		s.metrics.ObserveSlot(cc, time.Since(task.start))
		s.log.Warn(ctx, "slot result deadline missed", logging.Slot(slot), logging.CC(cc), logging.Err(ctx.Err()))
		return empty, fmt.Errorf("%w: slot %s cc %d: %v", ErrDeadlineMissed, slot, cc, ctx.Err())
	}
	s.metrics.ObserveSlot(cc, time.Since(task.start))
	return task.res.Clone(), nil
}

// MetricsRead returns every UE's counters since the previous call and
// resets them. It does not wait for slot processing.
func (s *Scheduler) MetricsRead() []model.UEMetrics {
	list := s.ues.List()
	out := make([]model.UEMetrics, 0, len(list))
	for _, u := range list {
		out = append(out, u.ReadMetrics())
	}
	return out
}

// Stop waits for in-flight carrier workers, then stops the worker pool and
// the soft-buffer refill goroutine. Remaining UEs release their buffers.
// Stop is idempotent.
func (s *Scheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.slotMu.Lock()
	s.waitTasks()
	s.slotMu.Unlock()

	s.pool.Stop()
	for _, u := range s.ues.List() {
		s.ues.Remove(u.RNTI())
		u.Release()
	}
	s.bufs.Stop()
	s.log.Info(context.Background(), "scheduler stopped", logging.Any("event_panics", s.events.Panics()))
}
