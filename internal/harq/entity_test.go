package harq

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/softbuf"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

const testPRB = 52

func newTestEntity(t *testing.T) (*Entity, *softbuf.Pool) {
	t.Helper()
	pool := softbuf.NewPool(softbuf.Config{InitialPerTier: 4})
	pool.Stop()
	pool.Reserve(testPRB)
	return NewEntity(0x4601, 0, testPRB, 8, pool), pool
}

func leased(t *testing.T, pool *softbuf.Pool, kind softbuf.Kind) int {
	t.Helper()
	for _, st := range pool.Stats() {
		if st.Kind == kind && st.NofPRB == testPRB {
			return st.Leased
		}
	}
	return 0
}

func mustNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func wantLeased(t *testing.T, pool *softbuf.Pool, kind softbuf.Kind, want int) {
	t.Helper()
	if got := leased(t, pool, kind); got != want {
		t.Fatalf("%s buffers leased = %d, want %d", kind, got, want)
	}
}

func slot(n uint32) timectrl.SlotPoint { return timectrl.NewSlotPoint(0, n) }

func dlParams(at uint32, maxRetx uint32) TxParams {
	return TxParams{
		Slot:    slot(at),
		AckSlot: slot(at + 4),
		PRBs:    model.PRBInterval{Start: 0, Stop: 10},
		MCS:     10,
		TBS:     1200,
		NofTB:   1,
		MaxRetx: maxRetx,
	}
}

func TestDLNewTxLeasesBufferAndTogglesNDI(t *testing.T) {
	e, pool := newTestEntity(t)

	p := e.FindEmptyDL()
	if p == nil || p.PID() != 0 {
		t.Fatalf("FindEmptyDL = %v, want pid 0", p)
	}
	before := p.NDI()

	mustNil(t, e.NewTxDL(p.PID(), dlParams(10, 4)))
	if !p.Active() || p.NDI() == before || p.Retx() != 0 {
		t.Fatalf("after NewTxDL: active=%v ndi=%v retx=%d", p.Active(), p.NDI(), p.Retx())
	}
	if p.SoftBuffer() == nil {
		t.Fatalf("active process holds no soft-buffer")
	}
	wantLeased(t, pool, softbuf.KindTx, 1)

	if err := e.NewTxDL(p.PID(), dlParams(11, 4)); !errors.Is(err, ErrProcessBusy) {
		t.Fatalf("NewTxDL on busy process = %v, want ErrProcessBusy", err)
	}
	if got := e.FindEmptyDL().PID(); got != 1 {
		t.Fatalf("next empty pid = %d, want 1", got)
	}
}

func TestDLAckReturnsToIdleAndReleases(t *testing.T) {
	e, pool := newTestEntity(t)
	mustNil(t, e.NewTxDL(0, dlParams(10, 4)))

	tbs, err := e.DLAckInfo(0, 0, true)
	mustNil(t, err)
	if tbs != 1200 {
		t.Fatalf("acked TBS = %d, want 1200", tbs)
	}
	if e.DL(0).Active() || e.DL(0).SoftBuffer() != nil {
		t.Fatalf("acked process still active or holding a buffer")
	}
	wantLeased(t, pool, softbuf.KindTx, 0)
}

func TestDLLifecycleNackThenAck(t *testing.T) {
	for k := 0; k < 4; k++ {
		e, pool := newTestEntity(t)
		mustNil(t, e.NewTxDL(0, dlParams(0, 4)))
		for i := 0; i < k; i++ {
			_, err := e.DLAckInfo(0, 0, false)
			mustNil(t, err)
			if !e.DL(0).PendingRetx() || e.FindPendingDLRetx() != e.DL(0) {
				t.Fatalf("k=%d: NACKed process not pending retx", k)
			}
			mustNil(t, e.NewRetxDL(0, slot(uint32(8*(i+1))), slot(uint32(8*(i+1)+4)), model.PRBInterval{Start: 0, Stop: 10}))
			if e.DL(0).PendingRetx() {
				t.Fatalf("k=%d: retx still pending after NewRetxDL", k)
			}
			// A retransmission keeps the same buffer.
			wantLeased(t, pool, softbuf.KindTx, 1)
		}
		if got := e.DL(0).Retx(); got != uint32(k) {
			t.Fatalf("k=%d: retx = %d", k, got)
		}
		_, err := e.DLAckInfo(0, 0, true)
		mustNil(t, err)
		if e.DL(0).Active() {
			t.Fatalf("k=%d: process active after ACK", k)
		}
		wantLeased(t, pool, softbuf.KindTx, 0)
	}
}

func TestDLGoesIdleOnFourthNack(t *testing.T) {
	e, pool := newTestEntity(t)
	mustNil(t, e.NewTxDL(0, dlParams(0, 4)))

	for i := 1; i <= 3; i++ {
		_, err := e.DLAckInfo(0, 0, false)
		mustNil(t, err)
		if !e.DL(0).Active() || e.DL(0).Retx() != uint32(i) {
			t.Fatalf("after NACK %d: active=%v retx=%d", i, e.DL(0).Active(), e.DL(0).Retx())
		}
	}
	_, err := e.DLAckInfo(0, 0, false)
	mustNil(t, err)
	if e.DL(0).Active() {
		t.Fatalf("process active after the 4th NACK")
	}
	wantLeased(t, pool, softbuf.KindTx, 0)
}

func TestStaleFeedbackIsRejectedWithoutSideEffects(t *testing.T) {
	e, pool := newTestEntity(t)

	if _, err := e.DLAckInfo(3, 0, true); !errors.Is(err, ErrProcessIdle) {
		t.Fatalf("ACK on idle process = %v", err)
	}
	if _, err := e.ULCRCInfo(3, true); !errors.Is(err, ErrProcessIdle) {
		t.Fatalf("CRC on idle process = %v", err)
	}
	if _, err := e.DLAckInfo(NofProcs, 0, true); !errors.Is(err, ErrInvalidPID) {
		t.Fatalf("ACK on pid %d = %v", NofProcs, err)
	}
	if _, err := e.DLAckInfo(0, MaxTBs, true); !errors.Is(err, ErrInvalidTB) {
		t.Fatalf("ACK on tb %d = %v", MaxTBs, err)
	}

	mustNil(t, e.NewTxDL(0, dlParams(0, 4)))
	_, err := e.DLAckInfo(0, 0, true)
	mustNil(t, err)
	ndi := e.DL(0).NDI()

	// duplicate ACK
	if _, err := e.DLAckInfo(0, 0, false); !errors.Is(err, ErrProcessIdle) {
		t.Fatalf("duplicate feedback = %v, want ErrProcessIdle", err)
	}
	if e.DL(0).NDI() != ndi || e.DL(0).Retx() != 0 {
		t.Fatalf("duplicate feedback changed the process")
	}
	wantLeased(t, pool, softbuf.KindTx, 0)
}

func TestDLTwoTransportBlocks(t *testing.T) {
	e, pool := newTestEntity(t)
	params := dlParams(0, 4)
	params.NofTB = 2
	mustNil(t, e.NewTxDL(0, params))
	if got := e.DL(0).TBS(); got != 2400 {
		t.Fatalf("TBS = %d, want 2400", got)
	}

	_, err := e.DLAckInfo(0, 1, true)
	mustNil(t, err)
	if !e.DL(0).Active() {
		t.Fatalf("process idle while TB0 is still outstanding")
	}
	wantLeased(t, pool, softbuf.KindTx, 1)

	_, err = e.DLAckInfo(0, 0, true)
	mustNil(t, err)
	if e.DL(0).Active() {
		t.Fatalf("process active after both TBs were acked")
	}
	wantLeased(t, pool, softbuf.KindTx, 0)

	params.NofTB = 3
	if err := e.NewTxDL(1, params); !errors.Is(err, ErrInvalidTB) {
		t.Fatalf("NewTxDL with 3 TBs = %v, want ErrInvalidTB", err)
	}
}

func TestULCRCLifecycle(t *testing.T) {
	e, pool := newTestEntity(t)
	p := e.FindEmptyUL()
	mustNil(t, e.NewTxUL(p.PID(), TxParams{Slot: slot(14), PRBs: model.PRBInterval{Stop: 5}, TBS: 300, MaxRetx: 2}, false))
	wantLeased(t, pool, softbuf.KindRx, 1)

	_, err := e.ULCRCInfo(p.PID(), false)
	mustNil(t, err)
	if e.FindPendingULRetx() != p {
		t.Fatalf("failed CRC did not leave the process pending retx")
	}
	mustNil(t, e.NewRetxUL(p.PID(), slot(22), model.PRBInterval{Stop: 5}))
	if err := e.NewRetxUL(p.PID(), slot(23), model.PRBInterval{Stop: 5}); !errors.Is(err, ErrNoRetx) {
		t.Fatalf("second NewRetxUL = %v, want ErrNoRetx", err)
	}

	tbs, err := e.ULCRCInfo(p.PID(), true)
	mustNil(t, err)
	if tbs != 300 {
		t.Fatalf("decoded TBS = %d, want 300", tbs)
	}
	wantLeased(t, pool, softbuf.KindRx, 0)
}

func TestNewSlotExpiresSilentProcesses(t *testing.T) {
	e, _ := newTestEntity(t)
	mustNil(t, e.NewTxDL(0, dlParams(0, 4))) // ack expected at slot 4

	if got := e.NewSlot(slot(12)); len(got) != 0 {
		t.Fatalf("expired within timeout: %+v", got)
	}
	got := e.NewSlot(slot(13))
	if len(got) != 1 || got[0] != (Expired{PID: 0, TBS: 1200}) {
		t.Fatalf("NewSlot(13) = %+v, want pid 0 with 1200 bytes", got)
	}
	if !e.DL(0).PendingRetx() || e.DL(0).Retx() != 1 {
		t.Fatalf("expired process: pending=%v retx=%d", e.DL(0).PendingRetx(), e.DL(0).Retx())
	}

	// A pending retransmission is not expired twice.
	if got := e.NewSlot(slot(40)); len(got) != 0 {
		t.Fatalf("NewSlot(40) = %+v", got)
	}
}

func TestNewSlotReportsEveryExpiredTransportBlock(t *testing.T) {
	e, _ := newTestEntity(t)
	params := dlParams(0, 4)
	params.NofTB = 2
	mustNil(t, e.NewTxDL(0, params))
	mustNil(t, e.NewTxUL(3, TxParams{Slot: slot(2), PRBs: model.PRBInterval{Stop: 5}, TBS: 300, MaxRetx: 1}, false))

	got := e.NewSlot(slot(13))
	want := []Expired{{PID: 0, TBS: 1200}, {PID: 0, TBS: 1200}, {UL: true, PID: 3, TBS: 300}}
	if len(got) != len(want) {
		t.Fatalf("NewSlot = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NewSlot[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	// Max retx 1: the UL process is released on its first timeout.
	if e.UL(3).Active() {
		t.Fatalf("UL process active after exhausting its retransmissions")
	}
}

func TestNoBufferMeansNoActivation(t *testing.T) {
	pool := softbuf.NewPool(softbuf.Config{MaxPerTier: 1, Fatal: func(error) {}})
	pool.Stop()
	e := NewEntity(0x4601, 0, testPRB, 8, pool)

	mustNil(t, e.NewTxDL(0, dlParams(0, 4)))
	if err := e.NewTxDL(1, dlParams(0, 4)); !errors.Is(err, ErrNoSoftBuffer) {
		t.Fatalf("NewTxDL without buffer = %v, want ErrNoSoftBuffer", err)
	}
	if e.DL(1).Active() {
		t.Fatalf("process activated without a soft-buffer")
	}
}

func TestLiveBuffersNeverExceedActiveProcesses(t *testing.T) {
	e, pool := newTestEntity(t)
	for i := uint32(0); i < NofProcs; i++ {
		mustNil(t, e.NewTxDL(i, dlParams(i, 1)))
		dl, _ := e.NofActive()
		wantLeased(t, pool, softbuf.KindTx, dl)
	}
	if p := e.FindEmptyDL(); p != nil {
		t.Fatalf("FindEmptyDL = pid %d with all processes busy", p.PID())
	}

	for i := uint32(0); i < NofProcs; i += 2 {
		_, err := e.DLAckInfo(i, 0, false) // max retx 1: idle on first NACK
		mustNil(t, err)
		dl, _ := e.NofActive()
		wantLeased(t, pool, softbuf.KindTx, dl)
	}

	e.Release()
	wantLeased(t, pool, softbuf.KindTx, 0)
	if dl, ul := e.NofActive(); dl+ul != 0 {
		t.Fatalf("%d processes active after Release", dl+ul)
	}
}
