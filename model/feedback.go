package model

// RARInfo describes a detected PRACH preamble that needs a random-access
// response on carrier CC.
type RARInfo struct {
	CC        uint32
	Preamble  uint32
	TempCRNTI RNTI
	TA        uint32
	// PRACHSlot is the slot count the preamble was received in; it is used
	// to derive the RA-RNTI.
	PRACHSlot uint32
}

// UEMetrics is a consume-and-reset snapshot of a UE's counters since the
// previous read.
type UEMetrics struct {
	RNTI     RNTI
	Carriers []UECarrierMetrics
	SRCount  uint64
	BSRBytes uint64
	DLBuffer uint64
}

// UECarrierMetrics is the per-carrier part of UEMetrics.
type UECarrierMetrics struct {
	CC       uint32
	TxBytes  uint64
	TxErrors uint64
	TxPkts   uint64
	RxBytes  uint64
	RxErrors uint64
	RxPkts   uint64
	DLCQI    uint32
}
