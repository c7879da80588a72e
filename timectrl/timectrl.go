package timectrl

import (
	"context"
	"sync"
	"time"
)

// SlotClock gives read access to the current slot. Components that only
// need to know "now" depend on this rather than on SlotController.
type SlotClock interface {
	// Now returns the slot most recently announced to listeners.
	Now() SlotPoint
}

// Mode describes how the SlotController advances slots.
type Mode int

const (
	// RealTime advances one slot per slot duration of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as soon as every listener returned.
	Accelerated
)

// SlotDuration returns the air-interface duration of one slot.
func SlotDuration(mu uint8) time.Duration {
	return time.Millisecond >> mu
}

// SlotController drives slot boundaries and notifies registered listeners
// once per slot, in registration order.
type SlotController struct {
	mu    sync.RWMutex
	Start SlotPoint
	Tick  time.Duration
	Mode  Mode

	current   SlotPoint
	listeners []func(SlotPoint)
}

// NewSlotController constructs a controller whose first announced slot is start.
func NewSlotController(start SlotPoint, mode Mode) *SlotController {
	return &SlotController{
		Start: start,
		Tick:  SlotDuration(start.Numerology()),
		Mode:  mode,
	}
}

// Now returns the last announced slot, or an invalid slot before the first tick.
func (sc *SlotController) Now() SlotPoint {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.current
}

// SetSlot forces the current slot without notifying listeners.
func (sc *SlotController) SetSlot(s SlotPoint) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.current = s
}

// AddListener registers a callback invoked on every slot boundary.
func (sc *SlotController) AddListener(fn func(SlotPoint)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.listeners = append(sc.listeners, fn)
}

// Run announces nofSlots consecutive slots (forever when nofSlots <= 0) in a
// separate goroutine. The returned channel is closed when the controller
// stops, either because the slot budget ran out or ctx was cancelled.
func (sc *SlotController) Run(ctx context.Context, nofSlots int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var tick <-chan time.Time
		if sc.Mode == RealTime {
			ticker := time.NewTicker(sc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		sc.mu.RLock()
		slot := sc.Start
		listeners := append([]func(SlotPoint){}, sc.listeners...)
		sc.mu.RUnlock()

		for n := 0; nofSlots <= 0 || n < nofSlots; n++ {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}

			sc.mu.Lock()
			sc.current = slot
			sc.mu.Unlock()

			for _, fn := range listeners {
				fn(slot)
			}
			slot = slot.Next()
		}
	}()
	return done
}
