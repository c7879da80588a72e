package timectrl

import "fmt"

const (
	// NofFrames is the number of radio frames before the SFN wraps.
	NofFrames = 1024
	// MaxNumerology is the highest supported subcarrier-spacing index (240 kHz).
	MaxNumerology = 4
)

// SlotPoint identifies a scheduling instant inside the wraparound window of
// NofFrames radio frames. The zero value is invalid and compares unequal to
// every valid slot.
//
// Ordering between slots must go through Sub, Before and After; the raw
// count wraps and cannot be compared directly near the boundary.
type SlotPoint struct {
	count      uint32
	numerology uint8
	valid      bool
}

// SlotsPerFrame returns the number of slots in a 10ms frame for numerology mu.
func SlotsPerFrame(mu uint8) uint32 {
	return 10 << mu
}

// Horizon returns the modulus of the slot counter for numerology mu.
func Horizon(mu uint8) uint32 {
	return NofFrames * SlotsPerFrame(mu)
}

// NewSlotPoint builds a slot from its absolute count within the window.
// Counts beyond the window are reduced modulo the horizon.
func NewSlotPoint(mu uint8, count uint32) SlotPoint {
	if mu > MaxNumerology {
		panic(fmt.Sprintf("timectrl: invalid numerology %d", mu))
	}
	return SlotPoint{count: count % Horizon(mu), numerology: mu, valid: true}
}

// NewSlotPointFromSFN builds a slot from a system frame number and a slot
// index within the frame.
func NewSlotPointFromSFN(mu uint8, sfn, slot uint32) SlotPoint {
	if slot >= SlotsPerFrame(mu) {
		panic(fmt.Sprintf("timectrl: slot index %d out of range for numerology %d", slot, mu))
	}
	return NewSlotPoint(mu, (sfn%NofFrames)*SlotsPerFrame(mu)+slot)
}

// Valid reports whether the slot was initialised.
func (s SlotPoint) Valid() bool { return s.valid }

// Numerology returns the subcarrier-spacing index the slot is counted in.
func (s SlotPoint) Numerology() uint8 { return s.numerology }

// Count returns the slot counter within the window.
func (s SlotPoint) Count() uint32 { return s.count }

// SFN returns the system frame number.
func (s SlotPoint) SFN() uint32 { return s.count / SlotsPerFrame(s.numerology) }

// SlotIdx returns the slot index within the frame.
func (s SlotPoint) SlotIdx() uint32 { return s.count % SlotsPerFrame(s.numerology) }

// Add advances the slot by n (which may be negative), wrapping at the horizon.
func (s SlotPoint) Add(n int) SlotPoint {
	s.mustBeValid()
	h := int64(Horizon(s.numerology))
	c := (int64(s.count) + int64(n)) % h
	if c < 0 {
		c += h
	}
	s.count = uint32(c)
	return s
}

// Next returns the slot immediately after s.
func (s SlotPoint) Next() SlotPoint { return s.Add(1) }

// Sub returns the signed modular distance s - other, in the range
// (-horizon/2, horizon/2].
func (s SlotPoint) Sub(other SlotPoint) int {
	s.mustBeValid()
	other.mustBeValid()
	if s.numerology != other.numerology {
		panic(fmt.Sprintf("timectrl: comparing slots of numerology %d and %d", s.numerology, other.numerology))
	}
	h := int(Horizon(s.numerology))
	d := (int(s.count) - int(other.count)) % h
	if d < 0 {
		d += h
	}
	if d > h/2 {
		d -= h
	}
	return d
}

// Before reports whether s happens before other.
func (s SlotPoint) Before(other SlotPoint) bool { return s.Sub(other) < 0 }

// After reports whether s happens after other.
func (s SlotPoint) After(other SlotPoint) bool { return s.Sub(other) > 0 }

// Equal reports whether both slots are valid and identify the same instant.
func (s SlotPoint) Equal(other SlotPoint) bool {
	return s.valid && other.valid && s.numerology == other.numerology && s.count == other.count
}

// String formats the slot as "sfn.slot".
func (s SlotPoint) String() string {
	if !s.valid {
		return "invalid"
	}
	return fmt.Sprintf("%d.%d", s.SFN(), s.SlotIdx())
}

func (s SlotPoint) mustBeValid() {
	if !s.valid {
		panic("timectrl: operation on invalid slot point")
	}
}
