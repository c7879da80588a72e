package timectrl

import "testing"

func TestSlotPointZeroValueIsInvalid(t *testing.T) {
	var s SlotPoint
	if s.Valid() {
		t.Fatalf("zero SlotPoint is valid")
	}
	if s.Equal(NewSlotPoint(0, 0)) {
		t.Fatalf("zero SlotPoint equals slot 0")
	}
	if got := s.String(); got != "invalid" {
		t.Fatalf("String() = %q, want invalid", got)
	}
}

func TestSlotPointSFNAndIndex(t *testing.T) {
	s := NewSlotPointFromSFN(1, 512, 7)
	if s.SFN() != 512 || s.SlotIdx() != 7 {
		t.Fatalf("SFN/slot = %d/%d, want 512/7", s.SFN(), s.SlotIdx())
	}
	if got := s.Count(); got != 512*20+7 {
		t.Fatalf("Count() = %d, want %d", got, 512*20+7)
	}
	if got := s.String(); got != "512.7" {
		t.Fatalf("String() = %q, want 512.7", got)
	}
}

func TestSlotPointWrapsAtHorizon(t *testing.T) {
	last := NewSlotPoint(0, Horizon(0)-1)
	next := last.Next()

	if next.Count() != 0 {
		t.Fatalf("slot after the horizon = %d, want 0", next.Count())
	}
	if !next.After(last) || !last.Before(next) {
		t.Fatalf("ordering across the wrap is wrong")
	}
	if d := next.Sub(last); d != 1 {
		t.Fatalf("next - last = %d, want 1", d)
	}
	if d := last.Sub(next); d != -1 {
		t.Fatalf("last - next = %d, want -1", d)
	}
}

func TestSlotPointAddNegative(t *testing.T) {
	s := NewSlotPoint(0, 2)
	if got := s.Add(-5).Count(); got != Horizon(0)-3 {
		t.Fatalf("Add(-5) = %d, want %d", got, Horizon(0)-3)
	}
	if got := s.Add(-5).Add(5); got != s {
		t.Fatalf("Add(-5).Add(5) = %s, want %s", got, s)
	}
}

func TestSlotPointSubAcrossWrap(t *testing.T) {
	cases := []struct {
		name string
		a, b uint32
		want int
	}{
		{name: "same", a: 10, b: 10, want: 0},
		{name: "forward", a: 20, b: 10, want: 10},
		{name: "backward", a: 10, b: 20, want: -10},
		{name: "wrap forward", a: 3, b: 10236, want: 7},
		{name: "wrap backward", a: 10236, b: 3, want: -7},
		{name: "half window", a: 5120, b: 0, want: 5120},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NewSlotPoint(0, tc.a).Sub(NewSlotPoint(0, tc.b)); got != tc.want {
				t.Fatalf("%d - %d = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestSlotPointCountReducedModuloHorizon(t *testing.T) {
	if got := NewSlotPoint(0, Horizon(0)+5).Count(); got != 5 {
		t.Fatalf("Count() = %d, want 5", got)
	}
}

func TestSlotPointMixedNumerologyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Sub across numerologies did not panic")
		}
	}()
	NewSlotPoint(0, 1).Sub(NewSlotPoint(1, 1))
}
