package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

type ueCCKey struct {
	rnti model.RNTI
	cc   uint32
}

// Manager routes scheduler events into per-UE, per-carrier and per-(UE,
// carrier) mailboxes and drains them at slot boundaries.
type Manager struct {
	pool *Pool
	log  logging.Logger

	ue       *Mailbox[model.RNTI]
	cc       *Mailbox[uint32]
	feedback *Mailbox[ueCCKey]

	panics  atomic.Uint64
	onPanic func()
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for panics and debug summaries.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithPanicHook registers fn to run after an event panic was recovered.
func WithPanicHook(fn func()) Option {
	return func(m *Manager) { m.onPanic = fn }
}

// NewManager builds a manager executing UE batches on pool.
func NewManager(pool *Pool, opts ...Option) *Manager {
	m := &Manager{
		pool:     pool,
		log:      logging.Noop(),
		ue:       NewMailbox[model.RNTI](),
		cc:       NewMailbox[uint32](),
		feedback: NewMailbox[ueCCKey](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnqueueEvent queues fn behind every earlier event of the same UE.
func (m *Manager) EnqueueEvent(rnti model.RNTI, name string, fn func()) {
	m.ue.Push(rnti, Event{Name: name, Fn: fn})
}

// EnqueueCCEvent queues a UE-less event (such as a RACH detection) for cc.
func (m *Manager) EnqueueCCEvent(cc uint32, name string, fn func()) {
	m.cc.Push(cc, Event{Name: name, Fn: fn})
}

// EnqueueCCFeedback queues HARQ feedback for one UE on one carrier. Feedback
// of the same pair is ordered; different carriers of a UE are independent.
func (m *Manager) EnqueueCCFeedback(rnti model.RNTI, cc uint32, name string, fn func()) {
	m.feedback.Push(ueCCKey{rnti: rnti, cc: cc}, Event{Name: name, Fn: fn})
}

// Panics returns the number of event panics recovered so far.
func (m *Manager) Panics() uint64 { return m.panics.Load() }

// Pending returns the number of queued events across all mailboxes.
func (m *Manager) Pending() int {
	return m.ue.Len() + m.cc.Len() + m.feedback.Len()
}

// RunUEEvents drains every UE mailbox, running different UEs in parallel on
// the pool, and returns once all of them are processed. It returns the
// number of events run.
func (m *Manager) RunUEEvents(ctx context.Context, slot timectrl.SlotPoint) int {
	batches := m.ue.TakeAll()
	if len(batches) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			m.runBatch(ctx, b.Events, logging.RNTI(b.Key))
		}
		if err := m.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	n := 0
	for _, b := range batches {
		n += len(b.Events)
	}
	if m.log.DebugEnabled(ctx) {
		m.log.Debug(ctx, "ue events processed",
			logging.Slot(slot),
			logging.Int("count", n),
			logging.String("events", summarizeUE(batches)),
		)
	}
	return n
}

// RunCCEvents drains the carrier mailbox of cc, then the feedback of every
// UE on cc, on the calling goroutine. It is called at the start of the
// carrier's slot work.
func (m *Manager) RunCCEvents(ctx context.Context, slot timectrl.SlotPoint, cc uint32) int {
	n := 0
	var names []string
	debug := m.log.DebugEnabled(ctx)

	for _, b := range m.cc.TakeMatching(func(k uint32) bool { return k == cc }) {
		m.runBatch(ctx, b.Events, logging.CC(cc))
		n += len(b.Events)
		if debug {
			for _, ev := range b.Events {
				names = append(names, ev.Name)
			}
		}
	}
	for _, b := range m.feedback.TakeMatching(func(k ueCCKey) bool { return k.cc == cc }) {
		m.runBatch(ctx, b.Events, logging.RNTI(b.Key.rnti), logging.CC(cc))
		n += len(b.Events)
		if debug {
			for _, ev := range b.Events {
				names = append(names, fmt.Sprintf("%s(%s)", ev.Name, b.Key.rnti))
			}
		}
	}

	if debug && n > 0 {
		m.log.Debug(ctx, "carrier events processed",
			logging.Slot(slot),
			logging.CC(cc),
			logging.Int("count", n),
			logging.String("events", strings.Join(names, ", ")),
		)
	}
	return n
}

func (m *Manager) runBatch(ctx context.Context, evs []Event, fields ...logging.Field) {
	for _, ev := range evs {
		m.run(ctx, ev, fields)
	}
}

// run executes one event, isolating a panic so the rest of the batch and
// other keys proceed.
func (m *Manager) run(ctx context.Context, ev Event, fields []logging.Field) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			m.log.Error(ctx, "event panicked",
				append(fields, logging.String("event", ev.Name), logging.Any("panic", r))...)
			if m.onPanic != nil {
				m.onPanic()
			}
		}
	}()
	ev.Fn()
}

func summarizeUE(batches []Batch[model.RNTI]) string {
	var sb strings.Builder
	for i, b := range batches {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(b.Key.String())
		sb.WriteString(":[")
		for j, ev := range b.Events {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(ev.Name)
		}
		sb.WriteByte(']')
	}
	return sb.String()
}
