package sched

import (
	"fmt"
	"math/bits"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

// prbBitmap marks the resource blocks already granted in one slot and
// direction.
type prbBitmap struct {
	nof   uint32
	words []uint64
}

func newPRBBitmap(nof uint32) prbBitmap {
	return prbBitmap{nof: nof, words: make([]uint64, (nof+63)/64)}
}

func (b *prbBitmap) reset() { clear(b.words) }

func (b *prbBitmap) test(i uint32) bool { return b.words[i/64]&(1<<(i%64)) != 0 }

func (b *prbBitmap) collides(p model.PRBInterval) bool {
	if p.Stop > b.nof {
		return true
	}
	for i := p.Start; i < p.Stop; i++ {
		if b.test(i) {
			return true
		}
	}
	return false
}

// fill marks p as used. Granting a PRB twice is a scheduler bug.
func (b *prbBitmap) fill(p model.PRBInterval) {
	if b.collides(p) {
		panic(fmt.Sprintf("sched: PRB interval %s collides with an earlier grant", p))
	}
	for i := p.Start; i < p.Stop; i++ {
		b.words[i/64] |= 1 << (i % 64)
	}
}

// count returns the number of used PRBs.
func (b *prbBitmap) count() uint32 {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return uint32(n)
}

// findEmpty returns the first free run of at least n PRBs, trimmed to n.
// Without such a run it returns the longest free run, which may be empty.
func (b *prbBitmap) findEmpty(n uint32) model.PRBInterval {
	var best, cur model.PRBInterval
	for i := uint32(0); i < b.nof; i++ {
		if b.test(i) {
			cur = model.PRBInterval{}
			continue
		}
		if cur.Empty() {
			cur = model.PRBInterval{Start: i, Stop: i + 1}
		} else {
			cur.Stop = i + 1
		}
		if cur.Length() >= n {
			return model.PRBInterval{Start: cur.Start, Stop: cur.Start + n}
		}
		if cur.Length() > best.Length() {
			best = cur
		}
	}
	return best
}
