package sched

// Spectral efficiency per CQI index, 38.214 Table 5.2.2.1-2.
var cqiEfficiency = [16]float64{
	0, 0.1523, 0.2344, 0.3770, 0.6016, 0.8770, 1.1758, 1.4766,
	1.9141, 2.4063, 2.7305, 3.3223, 3.9023, 4.5234, 5.1152, 5.5547,
}

// rePerPRB counts the data REs of one PRB after two symbols of PDCCH/DMRS
// overhead.
const rePerPRB = 12 * 12

// tbsBytes returns the transport block size in bytes of nofPRB resource
// blocks at the given CQI.
func tbsBytes(cqi, nofPRB uint32) int {
	if cqi >= uint32(len(cqiEfficiency)) {
		cqi = uint32(len(cqiEfficiency)) - 1
	}
	bitsPerPRB := float64(rePerPRB) * cqiEfficiency[cqi]
	return int(bitsPerPRB*float64(nofPRB)) / 8
}

// prbsFor returns the number of PRBs needed to carry bytes at cqi, at least 1.
// It returns 0 when the channel cannot carry data.
func prbsFor(cqi uint32, bytes int) uint32 {
	per := tbsBytes(cqi, 1)
	if per <= 0 {
		return 0
	}
	if bytes <= 0 {
		return 1
	}
	return uint32((bytes + per - 1) / per)
}

// cqiToMCS maps a CQI onto the MCS index of the same modulation order and
// similar code rate in MCS table 1.
func cqiToMCS(cqi uint32) uint32 {
	if cqi == 0 {
		return 0
	}
	return min((cqi*28)/15, 28)
}
