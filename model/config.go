package model

// CoresetConfig describes one control resource set of a carrier: the region
// where PDCCH DCIs for that carrier can be placed.
type CoresetConfig struct {
	ID     uint8  `yaml:"id"`
	NofCCE uint32 `yaml:"nof_cce"`
}

// CellConfig is the static configuration of one carrier. It is set once via
// CellCfg and never mutated afterwards; UE contexts share it by pointer.
type CellConfig struct {
	PCI        uint32 `yaml:"pci"`
	NofPRB     uint32 `yaml:"nof_prb"`
	Numerology uint8  `yaml:"numerology"`

	Coresets []CoresetConfig `yaml:"coresets"`
	// AggregationLevel is the number of CCEs consumed by every DCI.
	AggregationLevel uint32 `yaml:"aggregation_level"`

	// K1 is the delay in slots between a PDSCH and its HARQ-ACK on PUCCH.
	K1 uint32 `yaml:"k1"`
	// K2 is the delay in slots between an UL DCI and its PUSCH.
	K2 uint32 `yaml:"k2"`
	// Msg3Delay is the delay in slots between a RAR and the Msg3 PUSCH.
	Msg3Delay uint32 `yaml:"msg3_delay"`
	// RAWindow is the number of slots a detected preamble may wait for its RAR.
	RAWindow uint32 `yaml:"ra_window"`

	MaxPDSCHPerSlot uint32 `yaml:"max_pdsch_per_slot"`
	MaxPUSCHPerSlot uint32 `yaml:"max_pusch_per_slot"`

	// HARQAckTimeout is the number of slots past the expected HARQ-ACK slot
	// after which a silent process is treated as NACKed.
	HARQAckTimeout uint32 `yaml:"harq_ack_timeout"`

	// ULMCSCQI is the CQI-equivalent link quality assumed for PUSCH sizing.
	ULMCSCQI uint32 `yaml:"ul_cqi"`
}

// TotalCCE returns the number of CCEs available across all coresets.
func (c *CellConfig) TotalCCE() uint32 {
	var n uint32
	for _, cs := range c.Coresets {
		n += cs.NofCCE
	}
	return n
}

// HasCoreset reports whether the carrier defines a coreset with the given id.
func (c *CellConfig) HasCoreset(id uint8) bool {
	for _, cs := range c.Coresets {
		if cs.ID == id {
			return true
		}
	}
	return false
}

// DefaultCellConfig returns a 52-PRB, 15 kHz carrier with a single coreset.
func DefaultCellConfig() CellConfig {
	return CellConfig{
		PCI:              1,
		NofPRB:           52,
		Numerology:       0,
		Coresets:         []CoresetConfig{{ID: 0, NofCCE: 16}},
		AggregationLevel: 2,
		K1:               4,
		K2:               4,
		Msg3Delay:        6,
		RAWindow:         10,
		MaxPDSCHPerSlot:  8,
		MaxPUSCHPerSlot:  8,
		HARQAckTimeout:   8,
		ULMCSCQI:         10,
	}
}

// UECarrierConfig activates or deactivates one carrier for a UE.
type UECarrierConfig struct {
	CC     uint32 `yaml:"cc"`
	Active bool   `yaml:"active"`
}

// UEConfig is the scheduler-relevant part of a UE's RRC configuration.
type UEConfig struct {
	Carriers []UECarrierConfig `yaml:"carriers"`
	// Coresets lists the control resource regions the UE monitors.
	Coresets []uint8 `yaml:"coresets"`
	// MaxHARQRetx is the number of NACKs after which a HARQ process gives up.
	MaxHARQRetx uint32 `yaml:"max_harq_retx"`
}

// ActiveCarriers returns the carrier indexes marked active, in configuration order.
func (c UEConfig) ActiveCarriers() []uint32 {
	var out []uint32
	for _, cc := range c.Carriers {
		if cc.Active {
			out = append(out, cc.CC)
		}
	}
	return out
}

// Clone returns a deep copy so the scheduler never aliases caller slices.
func (c UEConfig) Clone() UEConfig {
	out := c
	out.Carriers = append([]UECarrierConfig(nil), c.Carriers...)
	out.Coresets = append([]uint8(nil), c.Coresets...)
	return out
}

// DefaultUEConfig returns the configuration applied to UEs created by RACH:
// the RACH carrier only, coreset 0, four HARQ retransmissions.
func DefaultUEConfig(cc uint32) UEConfig {
	return UEConfig{
		Carriers:    []UECarrierConfig{{CC: cc, Active: true}},
		Coresets:    []uint8{0},
		MaxHARQRetx: 4,
	}
}
