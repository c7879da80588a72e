package softbuf

import "sync/atomic"

type lease struct {
	tier     *tier
	buf      []byte
	released atomic.Bool
}

func (l *lease) release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	buf := l.buf
	l.buf = nil
	l.tier.put(buf)
}

func (l *lease) bytes() []byte {
	if l == nil || l.released.Load() {
		return nil
	}
	return l.buf
}

// TxHandle owns one transmit soft-buffer until Release.
type TxHandle struct {
	lease lease
}

// Bytes returns the buffer, or nil once released.
func (h *TxHandle) Bytes() []byte {
	if h == nil {
		return nil
	}
	return h.lease.bytes()
}

// NofPRB is the carrier bandwidth the buffer was sized for.
func (h *TxHandle) NofPRB() uint32 { return h.lease.tier.key.nofPRB }

// Release returns the buffer to its tier. Calling it more than once, or on a
// nil handle, is a no-op.
func (h *TxHandle) Release() {
	if h == nil {
		return
	}
	h.lease.release()
}

// Released reports whether the handle no longer owns a buffer.
func (h *TxHandle) Released() bool { return h == nil || h.lease.released.Load() }

// RxHandle owns one receive soft-buffer (LLR storage) until Release.
type RxHandle struct {
	lease lease
}

// LLRs returns the buffer, or nil once released.
func (h *RxHandle) LLRs() []byte {
	if h == nil {
		return nil
	}
	return h.lease.bytes()
}

// NofPRB is the carrier bandwidth the buffer was sized for.
func (h *RxHandle) NofPRB() uint32 { return h.lease.tier.key.nofPRB }

// Release returns the buffer to its tier. It is idempotent.
func (h *RxHandle) Release() {
	if h == nil {
		return
	}
	h.lease.release()
}

// Released reports whether the handle no longer owns a buffer.
func (h *RxHandle) Released() bool { return h == nil || h.lease.released.Load() }
