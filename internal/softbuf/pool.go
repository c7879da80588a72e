// Package softbuf provides the HARQ soft-buffer pool. Buffers are grouped in
// tiers keyed by carrier bandwidth (PRB count) and leased through owning
// handles that return them on Release.
package softbuf

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrPoolExhausted is reported through the fatal handler when a tier would
// have to grow past its configured maximum.
var ErrPoolExhausted = errors.New("softbuf: pool exhausted")

const (
	// TxBytesPerPRB holds the packed coded bits of one PRB (12 subcarriers x
	// 14 symbols, 8 bits per RE at 256QAM).
	TxBytesPerPRB = 12 * 14
	// RxBytesPerPRB holds one int8 LLR per coded bit.
	RxBytesPerPRB = 12 * 14 * 8
)

// Kind tells transmit and receive buffers apart.
type Kind int

const (
	KindTx Kind = iota
	KindRx
)

func (k Kind) String() string {
	if k == KindRx {
		return "rx"
	}
	return "tx"
}

// Config sizes the pool.
type Config struct {
	// InitialPerTier buffers are allocated when a tier is reserved.
	InitialPerTier int `yaml:"initial_per_tier"`
	// LowWater triggers a background refill when the free list drops below it.
	LowWater int `yaml:"low_water"`
	// RefillBatch is the number of buffers allocated per refill.
	RefillBatch int `yaml:"refill_batch"`
	// MaxPerTier caps the buffers a tier may ever own; 0 means unlimited.
	MaxPerTier int `yaml:"max_per_tier"`
	// Fatal receives ErrPoolExhausted. Defaults to panic.
	Fatal func(error) `yaml:"-"`
}

// DefaultConfig returns sizing suitable for a handful of carriers with a few
// hundred UEs.
func DefaultConfig() Config {
	return Config{
		InitialPerTier: 64,
		LowWater:       16,
		RefillBatch:    32,
		MaxPerTier:     4096,
	}
}

// TierStats describes one tier.
type TierStats struct {
	Kind      Kind
	NofPRB    uint32
	Allocated int
	Free      int
	Leased    int
	Fallbacks uint64
}

// Pool hands out transmit and receive soft-buffers. It is safe for concurrent
// use; refills run on a background goroutine until Stop.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	tiers   map[tierKey]*tier
	stopped bool

	refill chan *tier
	done   chan struct{}
	wg     sync.WaitGroup
}

type tierKey struct {
	kind   Kind
	nofPRB uint32
}

type tier struct {
	key     tierKey
	bufSize int
	max     int

	mu        sync.Mutex
	free      [][]byte
	allocated int
	fallbacks atomic.Uint64
	// refilling dedupes refill requests while one is queued or running.
	refilling atomic.Bool
}

// NewPool starts a pool with the given sizing.
func NewPool(cfg Config) *Pool {
	if cfg.Fatal == nil {
		cfg.Fatal = func(err error) { panic(err) }
	}
	if cfg.RefillBatch <= 0 {
		cfg.RefillBatch = 1
	}
	p := &Pool{
		cfg:    cfg,
		tiers:  make(map[tierKey]*tier),
		refill: make(chan *tier, 64),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.refillLoop()
	return p
}

// Reserve creates the transmit and receive tiers for nofPRB and preallocates
// InitialPerTier buffers in each. It is meant for configuration time.
func (p *Pool) Reserve(nofPRB uint32) {
	for _, kind := range []Kind{KindTx, KindRx} {
		t := p.tierFor(kind, nofPRB)
		t.grow(p.cfg.InitialPerTier)
	}
}

// GetTx leases a zeroed transmit buffer for a carrier of nofPRB. It returns
// nil only when the tier is exhausted and the fatal handler returned.
func (p *Pool) GetTx(nofPRB uint32) *TxHandle {
	buf := p.get(KindTx, nofPRB)
	if buf == nil {
		return nil
	}
	return &TxHandle{lease: lease{tier: p.tierFor(KindTx, nofPRB), buf: buf}}
}

// GetRx leases a zeroed receive buffer for a carrier of nofPRB.
func (p *Pool) GetRx(nofPRB uint32) *RxHandle {
	buf := p.get(KindRx, nofPRB)
	if buf == nil {
		return nil
	}
	return &RxHandle{lease: lease{tier: p.tierFor(KindRx, nofPRB), buf: buf}}
}

// Stats returns a snapshot of every tier, ordered by kind then PRB count.
func (p *Pool) Stats() []TierStats {
	p.mu.Lock()
	tiers := make([]*tier, 0, len(p.tiers))
	for _, t := range p.tiers {
		tiers = append(tiers, t)
	}
	p.mu.Unlock()

	out := make([]TierStats, 0, len(tiers))
	for _, t := range tiers {
		t.mu.Lock()
		st := TierStats{
			Kind:      t.key.kind,
			NofPRB:    t.key.nofPRB,
			Allocated: t.allocated,
			Free:      len(t.free),
			Leased:    t.allocated - len(t.free),
			Fallbacks: t.fallbacks.Load(),
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].NofPRB < out[j].NofPRB
	})
	return out
}

// Stop terminates the refill goroutine. Leased handles stay valid and may
// still be released.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	close(p.done)
	p.wg.Wait()
}

func (p *Pool) tierFor(kind Kind, nofPRB uint32) *tier {
	key := tierKey{kind: kind, nofPRB: nofPRB}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tiers[key]; ok {
		return t
	}
	per := TxBytesPerPRB
	if kind == KindRx {
		per = RxBytesPerPRB
	}
	t := &tier{key: key, bufSize: int(nofPRB) * per, max: p.cfg.MaxPerTier}
	p.tiers[key] = t
	return t
}

func (p *Pool) get(kind Kind, nofPRB uint32) []byte {
	t := p.tierFor(kind, nofPRB)

	t.mu.Lock()
	if n := len(t.free); n > 0 {
		buf := t.free[n-1]
		t.free[n-1] = nil
		t.free = t.free[:n-1]
		low := len(t.free) < p.cfg.LowWater
		t.mu.Unlock()
		if low {
			p.requestRefill(t)
		}
		return buf
	}
	if t.max > 0 && t.allocated >= t.max {
		t.mu.Unlock()
		p.cfg.Fatal(fmt.Errorf("%w: %s tier of %d PRB reached %d buffers", ErrPoolExhausted, kind, nofPRB, t.max))
		return nil
	}
	t.allocated++
	t.mu.Unlock()

	t.fallbacks.Add(1)
	p.requestRefill(t)
	return make([]byte, t.bufSize)
}

func (p *Pool) requestRefill(t *tier) {
	if !t.refilling.CompareAndSwap(false, true) {
		return
	}
	select {
	case p.refill <- t:
	default:
		t.refilling.Store(false)
	}
}

func (p *Pool) refillLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case t := <-p.refill:
			t.grow(p.cfg.RefillBatch)
			t.refilling.Store(false)
		}
	}
}

// grow allocates up to n buffers without crossing the tier maximum. The
// allocation itself happens outside the tier lock.
func (t *tier) grow(n int) {
	t.mu.Lock()
	if t.max > 0 {
		n = min(n, t.max-t.allocated)
	}
	t.mu.Unlock()
	if n <= 0 {
		return
	}

	bufs := make([][]byte, n)
	for i := range bufs {
		bufs[i] = make([]byte, t.bufSize)
	}

	t.mu.Lock()
	if t.max > 0 && t.allocated+len(bufs) > t.max {
		bufs = bufs[:max(t.max-t.allocated, 0)]
	}
	t.allocated += len(bufs)
	t.free = append(t.free, bufs...)
	t.mu.Unlock()
}

func (t *tier) put(buf []byte) {
	clear(buf)
	t.mu.Lock()
	t.free = append(t.free, buf)
	t.mu.Unlock()
}
