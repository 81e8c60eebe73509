// Package virtqueue implements the split virtqueue primitive consumed by
// the virtio-net data plane: descriptor table, available ring and used
// ring, with chain iteration modeled after the guest-driver contract in
// the virtio 1.0 specification.
package virtqueue

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	descFNext  = uint16(1)
	descFWrite = uint16(2)
)

// GuestMemory is the accessor a Queue uses to read descriptors and rings
// and to copy frame bytes in and out of guest physical memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor is a single entry read from the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) hasNext() bool { return d.Flags&descFNext != 0 }

// Queue is a split virtqueue: a descriptor table plus an avail ring
// (guest-produced) and a used ring (host-produced).
type Queue struct {
	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64

	size    uint16
	maxSize uint16
	ready   bool

	lastAvailIdx uint16
	usedIdx      uint16
}

// New creates a queue with the given maximum descriptor count.
func New(maxSize uint16) *Queue {
	return &Queue{maxSize: maxSize}
}

// SetAddresses configures the guest-physical addresses of the three rings.
func (q *Queue) SetAddresses(descTableAddr, availRingAddr, usedRingAddr uint64) {
	q.descTableAddr = descTableAddr
	q.availRingAddr = availRingAddr
	q.usedRingAddr = usedRingAddr
}

// SetSize sets the negotiated queue size.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 {
		return fmt.Errorf("virtqueue: size cannot be zero")
	}
	if size > q.maxSize {
		return fmt.Errorf("virtqueue: size %d exceeds max size %d", size, q.maxSize)
	}
	q.size = size
	return nil
}

// SetReady marks the queue ready (or resets it when unready).
func (q *Queue) SetReady(ready bool) {
	q.ready = ready
	if !ready {
		q.lastAvailIdx = 0
		q.usedIdx = 0
	}
}

// GetMaxSize returns the queue's maximum descriptor count.
func (q *Queue) GetMaxSize() uint16 { return q.maxSize }

// GoToPreviousPosition rewinds the avail-ring cursor by one entry, so the
// most recently iterated chain is handed out again by the next Iter().
// Used by the TX path to back off a chain that was rejected by the rate
// limiter after it had already been pulled off the ring.
func (q *Queue) GoToPreviousPosition() {
	q.lastAvailIdx--
}

// DescriptorChain is the current position within one chain returned by an
// Iterator. Index is the chain's head descriptor index, to be passed back
// to AddUsed once the chain has been fully processed.
type DescriptorChain struct {
	q     *Queue
	mem   GuestMemory
	Index uint16
	cur   Descriptor
}

// Addr is the guest-physical address of the current descriptor's buffer.
func (c *DescriptorChain) Addr() uint64 { return c.cur.Addr }

// Len is the length of the current descriptor's buffer.
func (c *DescriptorChain) Len() uint32 { return c.cur.Len }

// IsWriteOnly reports whether the current descriptor is device-writable
// (an RX buffer) as opposed to device-readable (a TX buffer).
func (c *DescriptorChain) IsWriteOnly() bool { return c.cur.Flags&descFWrite != 0 }

// NextDescriptor returns the next descriptor in the chain, or nil if the
// current descriptor is the chain's tail (or the link could not be
// resolved, which is treated as chain truncation by callers).
func (c *DescriptorChain) NextDescriptor() *DescriptorChain {
	if !c.cur.hasNext() {
		return nil
	}
	next, err := c.q.readDescriptor(c.mem, c.cur.Next)
	if err != nil {
		return nil
	}
	return &DescriptorChain{q: c.q, mem: c.mem, Index: c.Index, cur: next}
}

// Iterator walks available descriptor chains in ring order, one head per
// Next() call. It does not itself advance past a chain it has not been
// asked for; GoToPreviousPosition can undo the most recent Next().
type Iterator struct {
	q   *Queue
	mem GuestMemory
}

// Iter returns an iterator over chains the guest has made available.
func (q *Queue) Iter(mem GuestMemory) *Iterator {
	return &Iterator{q: q, mem: mem}
}

// Next returns the next available descriptor chain head, or nil if the
// guest has not posted any more buffers.
func (it *Iterator) Next() *DescriptorChain {
	head, ok, err := it.q.nextAvailable(it.mem)
	if err != nil || !ok {
		return nil
	}
	desc, err := it.q.readDescriptor(it.mem, head)
	if err != nil {
		return nil
	}
	return &DescriptorChain{q: it.q, mem: it.mem, Index: head, cur: desc}
}

func (q *Queue) nextAvailable(mem GuestMemory) (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	var header [4]byte
	if err := readGuestInto(mem, q.availRingAddr, header[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])

	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.size
	var buf [2]byte
	offset := q.availRingAddr + 4 + uint64(ringIndex)*2
	if err := readGuestInto(mem, offset, buf[:]); err != nil {
		return 0, false, err
	}

	head = binary.LittleEndian.Uint16(buf[:])
	q.lastAvailIdx++
	return head, true, nil
}

func (q *Queue) readDescriptor(mem GuestMemory, idx uint16) (Descriptor, error) {
	if idx >= q.size {
		return Descriptor{}, fmt.Errorf("virtqueue: descriptor index %d out of bounds (size %d)", idx, q.size)
	}

	var buf [16]byte
	offset := q.descTableAddr + uint64(idx)*16
	if err := readGuestInto(mem, offset, buf[:]); err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// AddUsed marks the chain headed by head as used, recording len bytes
// written (0 for TX, per virtio convention).
func (q *Queue) AddUsed(mem GuestMemory, head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	usedSlot := q.usedIdx % q.size
	base := q.usedRingAddr + 4 + uint64(usedSlot)*8

	if err := writeGuestUint32(mem, base, uint32(head)); err != nil {
		return err
	}
	if err := writeGuestUint32(mem, base+4, length); err != nil {
		return err
	}

	q.usedIdx++
	return writeGuestUint16(mem, q.usedRingAddr+2, q.usedIdx)
}

func (q *Queue) ensureReady() error {
	if !q.ready || q.size == 0 {
		return fmt.Errorf("virtqueue: not ready")
	}
	return nil
}

func readGuestInto(mem GuestMemory, addr uint64, buf []byte) error {
	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtqueue: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func writeGuestFrom(mem GuestMemory, addr uint64, data []byte) error {
	n, err := mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtqueue: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func writeGuestUint16(mem GuestMemory, addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return writeGuestFrom(mem, addr, buf[:])
}

func writeGuestUint32(mem GuestMemory, addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return writeGuestFrom(mem, addr, buf[:])
}
