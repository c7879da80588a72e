package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

var testSlot = timectrl.NewSlotPoint(0, 1)

func TestMailboxKeepsPerKeyOrder(t *testing.T) {
	m := NewMailbox[int]()
	var got []string
	for _, name := range []string{"a1", "b1", "a2", "b2", "a3"} {
		key := 0
		if name[0] == 'b' {
			key = 1
		}
		m.Push(key, Event{Name: name, Fn: func() { got = append(got, name) }})
	}
	batches := m.TakeAll()
	if len(batches) != 2 || batches[0].Key != 0 || batches[1].Key != 1 {
		t.Fatalf("unexpected batches: %+v", batches)
	}
	for _, b := range batches {
		for _, ev := range b.Events {
			ev.Fn()
		}
	}
	want := []string{"a1", "a2", "a3", "b1", "b2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if m.Len() != 0 || m.TakeAll() != nil {
		t.Fatalf("mailbox not empty after TakeAll")
	}
}

func TestMailboxTakeMatchingLeavesOthers(t *testing.T) {
	m := NewMailbox[int]()
	for k := 0; k < 4; k++ {
		m.Push(k, Event{Name: "x", Fn: func() {}})
	}
	even := m.TakeMatching(func(k int) bool { return k%2 == 0 })
	if len(even) != 2 || m.Len() != 2 {
		t.Fatalf("took %d batches, %d events left; want 2 and 2", len(even), m.Len())
	}
	rest := m.TakeAll()
	if rest[0].Key != 1 || rest[1].Key != 3 {
		t.Fatalf("remaining keys out of order: %+v", rest)
	}
}

func TestPoolRunsTasksAndStops(t *testing.T) {
	p := NewPool(4)
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := p.Submit(func() { defer wg.Done(); n.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	p.Stop()
	p.Stop()
	if n.Load() != 100 {
		t.Fatalf("ran %d tasks, want 100", n.Load())
	}
	if err := p.Submit(func() {}); err != ErrPoolStopped {
		t.Fatalf("Submit after Stop = %v, want ErrPoolStopped", err)
	}
}

func TestManagerUEEventsOrderedPerUE(t *testing.T) {
	pool := NewPool(4)
	defer pool.Stop()
	m := NewManager(pool)

	const ues, perUE = 16, 50
	var mu sync.Mutex
	seq := make(map[model.RNTI][]int)
	for i := 0; i < perUE; i++ {
		for u := 1; u <= ues; u++ {
			rnti, i := model.RNTI(u), i
			m.EnqueueEvent(rnti, "ue_cfg", func() {
				mu.Lock()
				seq[rnti] = append(seq[rnti], i)
				mu.Unlock()
			})
		}
	}

	if n := m.RunUEEvents(context.Background(), testSlot); n != ues*perUE {
		t.Fatalf("RunUEEvents processed %d, want %d", n, ues*perUE)
	}
	for rnti, got := range seq {
		for i, v := range got {
			if v != i {
				t.Fatalf("rnti %s events out of order: %v", rnti, got)
			}
		}
	}
	if m.Pending() != 0 {
		t.Fatalf("Pending = %d after drain", m.Pending())
	}
}

func TestManagerCCEventsOnlyDrainOwnCarrier(t *testing.T) {
	pool := NewPool(2)
	defer pool.Stop()
	m := NewManager(pool)

	var order []string
	m.EnqueueCCFeedback(1, 0, "dl_ack", func() { order = append(order, "fb0") })
	m.EnqueueCCEvent(0, "rach", func() { order = append(order, "rach0") })
	m.EnqueueCCFeedback(1, 1, "dl_ack", func() { order = append(order, "fb1") })
	m.EnqueueCCEvent(1, "rach", func() { order = append(order, "rach1") })

	if n := m.RunCCEvents(context.Background(), testSlot, 0); n != 2 {
		t.Fatalf("RunCCEvents(0) processed %d, want 2", n)
	}
	if len(order) != 2 || order[0] != "rach0" || order[1] != "fb0" {
		t.Fatalf("cc0 order = %v, want [rach0 fb0]", order)
	}
	if m.Pending() != 2 {
		t.Fatalf("carrier 1 events should remain queued, pending=%d", m.Pending())
	}
}

func TestManagerIsolatesPanics(t *testing.T) {
	pool := NewPool(2)
	defer pool.Stop()
	var hooked atomic.Int32
	m := NewManager(pool, WithPanicHook(func() { hooked.Add(1) }))

	var ran atomic.Int32
	m.EnqueueEvent(1, "bad", func() { panic("boom") })
	m.EnqueueEvent(1, "after_bad", func() { ran.Add(1) })
	m.EnqueueEvent(2, "good", func() { ran.Add(1) })
	m.EnqueueCCFeedback(2, 0, "bad_fb", func() { panic("boom") })

	m.RunUEEvents(context.Background(), testSlot)
	m.RunCCEvents(context.Background(), testSlot, 0)

	if ran.Load() != 2 {
		t.Fatalf("ran %d healthy events, want 2", ran.Load())
	}
	if m.Panics() != 2 || hooked.Load() != 2 {
		t.Fatalf("panics=%d hook=%d, want 2/2", m.Panics(), hooked.Load())
	}
}

func TestManagerEventsEnqueuedDuringDrainRunNextTime(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()
	m := NewManager(pool)

	var second bool
	m.EnqueueEvent(1, "first", func() {
		m.EnqueueEvent(1, "second", func() { second = true })
	})
	m.RunUEEvents(context.Background(), testSlot)
	if second {
		t.Fatalf("event enqueued during drain ran in the same pass")
	}
	m.RunUEEvents(context.Background(), testSlot.Next())
	if !second {
		t.Fatalf("event enqueued during drain never ran")
	}
}
