package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestSlotControllerSetSlot(t *testing.T) {
	sc := NewSlotController(NewSlotPoint(0, 0), RealTime)

	want := NewSlotPoint(0, 42)
	sc.SetSlot(want)

	if got := sc.Now(); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestSlotControllerAcceleratedAnnouncesConsecutiveSlots(t *testing.T) {
	start := NewSlotPoint(0, Horizon(0)-2)
	sc := NewSlotController(start, Accelerated)

	var seen []SlotPoint
	sc.AddListener(func(s SlotPoint) { seen = append(seen, s) })

	<-sc.Run(context.Background(), 4)

	if len(seen) != 4 {
		t.Fatalf("listener called %d times, want 4", len(seen))
	}
	for i, s := range seen {
		if want := start.Add(i); !s.Equal(want) {
			t.Fatalf("slot %d = %v, want %v", i, s, want)
		}
	}
	if got := sc.Now(); !got.Equal(start.Add(3)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(3))
	}
}

func TestSlotControllerRealTimeStopsOnCancel(t *testing.T) {
	sc := NewSlotController(NewSlotPoint(0, 0), RealTime)
	ctx, cancel := context.WithCancel(context.Background())

	done := sc.Run(ctx, 0)
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("controller did not stop after cancel")
	}
	if !sc.Now().Valid() {
		t.Fatalf("expected at least one slot announced in real-time mode")
	}
}

func TestSlotDurationScalesWithNumerology(t *testing.T) {
	if got := SlotDuration(1); got != 500*time.Microsecond {
		t.Fatalf("SlotDuration(1) = %v, want 500µs", got)
	}
}
