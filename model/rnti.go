package model

import "fmt"

// RNTI is the radio network temporary identifier of a UE. It keys all
// per-UE state and serialisation in the scheduler.
type RNTI uint16

const (
	// InvalidRNTI is never assigned to a UE.
	InvalidRNTI RNTI = 0
	// MaxCRNTI is the highest value usable as a C-RNTI (38.321 Table 7.1-1).
	MaxCRNTI RNTI = 0xFFEF
)

// Valid reports whether r can identify a UE.
func (r RNTI) Valid() bool {
	return r != InvalidRNTI && r <= MaxCRNTI
}

func (r RNTI) String() string {
	return fmt.Sprintf("0x%x", uint16(r))
}
