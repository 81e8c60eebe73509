package virtionet

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtionet/guestmem"
	"github.com/tinyrange/virtionet/ratelimiter"
	"github.com/tinyrange/virtionet/virtqueue"
)

const (
	flagNext  = uint16(1)
	flagWrite = uint16(2)
)

// fakeTap is a hand-written Tap double: a FIFO of frames to hand back from
// Read, and a recording of everything passed to Write. An empty FIFO yields
// EAGAIN, matching the non-blocking contract tap.Device gives the handler.
type fakeTap struct {
	rxFrames [][]byte
	rxErr    error

	written  [][]byte
	writeErr error

	fd int
}

func newFakeTap() *fakeTap { return &fakeTap{fd: -1} }

func (t *fakeTap) Read(buf []byte) (int, error) {
	if len(t.rxFrames) == 0 {
		if t.rxErr != nil {
			return 0, t.rxErr
		}
		return 0, unix.EAGAIN
	}
	f := t.rxFrames[0]
	t.rxFrames = t.rxFrames[1:]
	return copy(buf, f), nil
}

func (t *fakeTap) Write(buf []byte) (int, error) {
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	t.written = append(t.written, append([]byte(nil), buf...))
	return len(buf), nil
}

func (t *fakeTap) Fd() int { return t.fd }

// fakeMmds is a hand-written Mmds double. detour decides whether a TX frame
// is claimed; pending is a FIFO of synthesized frames handed back through
// WriteNextFrame.
type fakeMmds struct {
	detour   func([]byte) bool
	pending  [][]byte
	detoured [][]byte
}

func (m *fakeMmds) DetourFrame(frame []byte) bool {
	if m.detour == nil || !m.detour(frame) {
		return false
	}
	m.detoured = append(m.detoured, append([]byte(nil), frame...))
	return true
}

func (m *fakeMmds) WriteNextFrame(out []byte) (int, bool) {
	if len(m.pending) == 0 {
		return 0, false
	}
	f := m.pending[0]
	m.pending = m.pending[1:]
	return copy(out, f), true
}

// fakeLimiter is a deterministic stand-in for ratelimiter.Limiter: it models
// the same two-bucket, consume/rollback contract without a real timerfd, so
// tests can force a blocked state or an EventHandler error without waiting
// on real token refill.
type fakeLimiter struct {
	opsBudget, bytesBudget int64 // negative means unlimited

	consumedOps, consumedBytes []uint64
	replenishedOps             int
	replenishedBytes           int

	blocked  bool
	eventErr error
	fd       int
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{opsBudget: -1, bytesBudget: -1, fd: -1}
}

func (l *fakeLimiter) Consume(n uint64, kind ratelimiter.TokenKind) bool {
	switch kind {
	case ratelimiter.Ops:
		if l.opsBudget < 0 {
			return true
		}
		if int64(n) > l.opsBudget {
			l.blocked = true
			return false
		}
		l.opsBudget -= int64(n)
		l.consumedOps = append(l.consumedOps, n)
	case ratelimiter.Bytes:
		if l.bytesBudget < 0 {
			return true
		}
		if int64(n) > l.bytesBudget {
			l.blocked = true
			return false
		}
		l.bytesBudget -= int64(n)
		l.consumedBytes = append(l.consumedBytes, n)
	}
	return true
}

func (l *fakeLimiter) ManualReplenish(kind ratelimiter.TokenKind) {
	switch kind {
	case ratelimiter.Ops:
		l.replenishedOps++
		if n := len(l.consumedOps); n > 0 {
			l.opsBudget += int64(l.consumedOps[n-1])
			l.consumedOps = l.consumedOps[:n-1]
		}
	case ratelimiter.Bytes:
		l.replenishedBytes++
		if n := len(l.consumedBytes); n > 0 {
			l.bytesBudget += int64(l.consumedBytes[n-1])
			l.consumedBytes = l.consumedBytes[:n-1]
		}
	}
}

func (l *fakeLimiter) IsBlocked() bool { return l.blocked }

func (l *fakeLimiter) EventHandler() error {
	if l.eventErr != nil {
		return l.eventErr
	}
	l.blocked = false
	return nil
}

func (l *fakeLimiter) Fd() int { return l.fd }

// harness wires a Device to an in-memory guest, two activated virtqueues,
// real (but test-local) eventfds, and whatever doubles a test supplies for
// TAP, MMDS and the rate limiters.
type harness struct {
	t   *testing.T
	dev *Device
	mem *guestmem.Memory

	rxQ, txQ *virtqueue.Queue

	rxDescTable, rxAvailRing, rxUsedRing uint64
	txDescTable, txAvailRing, txUsedRing uint64
	nextBufAddr                         uint64

	rxAvailCount, txAvailCount uint16

	tap  *fakeTap
	mmds *fakeMmds

	interruptFd, rxEvtFd, txEvtFd int
	interruptStatus               atomic.Uint32
}

type harnessOpts struct {
	tap   *fakeTap
	mmds  Mmds
	rxLim RateLimiter
	txLim RateLimiter
	mac   []byte
	qsize uint16
}

func mustEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	if opts.tap == nil {
		opts.tap = newFakeTap()
	}
	if opts.qsize == 0 {
		opts.qsize = 64
	}

	h := &harness{
		t:   t,
		mem: guestmem.New(make([]byte, 4<<20)),

		rxDescTable: 0x1000, rxAvailRing: 0x2000, rxUsedRing: 0x3000,
		txDescTable: 0x10000, txAvailRing: 0x11000, txUsedRing: 0x12000,
		nextBufAddr: 0x100000,

		tap: opts.tap,
	}
	if fm, ok := opts.mmds.(*fakeMmds); ok {
		h.mmds = fm
	}

	h.rxQ = newActivatedQueue(h.rxDescTable, h.rxAvailRing, h.rxUsedRing, opts.qsize)
	h.txQ = newActivatedQueue(h.txDescTable, h.txAvailRing, h.txUsedRing, opts.qsize)

	h.interruptFd = mustEventfd(t)
	h.rxEvtFd = mustEventfd(t)
	h.txEvtFd = mustEventfd(t)

	dev, err := New(Config{
		MAC:           opts.mac,
		Tap:           opts.tap,
		Mmds:          opts.mmds,
		RxRateLimiter: opts.rxLim,
		TxRateLimiter: opts.txLim,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.dev = dev

	err = dev.Activate(ActivateParams{
		Mem:             h.mem,
		InterruptEvtFd:  h.interruptFd,
		InterruptStatus: &h.interruptStatus,
		Queues:          []*virtqueue.Queue{h.rxQ, h.txQ},
		QueueEvtFds:     []int{h.rxEvtFd, h.txEvtFd},
		EpollFd:         -1,
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	return h
}

func newActivatedQueue(descTableAddr, availRingAddr, usedRingAddr uint64, size uint16) *virtqueue.Queue {
	q := virtqueue.New(size)
	q.SetAddresses(descTableAddr, availRingAddr, usedRingAddr)
	if err := q.SetSize(size); err != nil {
		panic(err)
	}
	q.SetReady(true)
	return q
}

func (h *harness) writeUint16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	if _, err := h.mem.WriteAt(buf[:], int64(addr)); err != nil {
		h.t.Fatalf("writeUint16(%x): %v", addr, err)
	}
}

func (h *harness) readUint16(addr uint64) uint16 {
	var buf [2]byte
	if _, err := h.mem.ReadAt(buf[:], int64(addr)); err != nil {
		h.t.Fatalf("readUint16(%x): %v", addr, err)
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func (h *harness) readUint32(addr uint64) uint32 {
	var buf [4]byte
	if _, err := h.mem.ReadAt(buf[:], int64(addr)); err != nil {
		h.t.Fatalf("readUint32(%x): %v", addr, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (h *harness) writeDescriptor(descTableAddr uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	base := descTableAddr + uint64(idx)*16
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	if _, err := h.mem.WriteAt(buf[:], int64(base)); err != nil {
		h.t.Fatalf("writeDescriptor: %v", err)
	}
}

// allocBuf reserves length bytes of guest memory and returns its address.
func (h *harness) allocBuf(length uint32) uint64 {
	addr := h.nextBufAddr
	h.nextBufAddr += uint64(length) + 0x100
	return addr
}

// postRxBuffer makes a single-descriptor, device-writable buffer of
// capacity available on the RX ring and returns its head index.
func (h *harness) postRxBuffer(capacity uint32) uint16 {
	head := h.rxAvailCount % 64 // descriptor indices reused 1:1 with slot for these tests
	addr := h.allocBuf(capacity)
	h.writeDescriptor(h.rxDescTable, head, addr, capacity, flagWrite, 0)
	h.writeUint16(h.rxAvailRing+4+uint64(h.rxAvailCount%64)*2, head)
	h.rxAvailCount++
	h.writeUint16(h.rxAvailRing+2, h.rxAvailCount)
	return head
}

// postTxFrame places frame into guest memory behind a single readable
// descriptor and makes it available on the TX ring.
func (h *harness) postTxFrame(frame []byte) uint16 {
	head := h.txAvailCount % 64
	addr := h.allocBuf(uint32(len(frame)))
	if _, err := h.mem.WriteAt(frame, int64(addr)); err != nil {
		h.t.Fatalf("postTxFrame: %v", err)
	}
	h.writeDescriptor(h.txDescTable, head, addr, uint32(len(frame)), 0, 0)
	h.writeUint16(h.txAvailRing+4+uint64(h.txAvailCount%64)*2, head)
	h.txAvailCount++
	h.writeUint16(h.txAvailRing+2, h.txAvailCount)
	return head
}

func (h *harness) rxUsedIdx() uint16             { return h.readUint16(h.rxUsedRing + 2) }
func (h *harness) txUsedIdx() uint16             { return h.readUint16(h.txUsedRing + 2) }
func (h *harness) rxUsedHead(slot uint16) uint32 { return h.readUint32(h.rxUsedRing + 4 + uint64(slot)*8) }
func (h *harness) rxUsedLen(slot uint16) uint32  { return h.readUint32(h.rxUsedRing + 8 + uint64(slot)*8) }
func (h *harness) txUsedHead(slot uint16) uint32 { return h.readUint32(h.txUsedRing + 4 + uint64(slot)*8) }

func (h *harness) interruptFired() bool {
	var buf [8]byte
	n, err := unix.Read(h.interruptFd, buf[:])
	return err == nil && n == 8
}

// kick writes to a queue notifier eventfd, the way a guest driver signals
// the host after posting new avail-ring entries.
func (h *harness) kick(fd int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		h.t.Fatalf("kick: %v", err)
	}
}

// postRxBufferRaw is postRxBuffer with an explicit descriptor flags word,
// letting tests construct a non-writable or chained RX descriptor.
func (h *harness) postRxBufferRaw(capacity uint32, flags uint16) uint16 {
	head := h.rxAvailCount % 64
	addr := h.allocBuf(capacity)
	h.writeDescriptor(h.rxDescTable, head, addr, capacity, flags, 0)
	h.writeUint16(h.rxAvailRing+4+uint64(h.rxAvailCount%64)*2, head)
	h.rxAvailCount++
	h.writeUint16(h.rxAvailRing+2, h.rxAvailCount)
	return head
}

func makeFrame(n int, fill byte) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = fill
	}
	return f
}
