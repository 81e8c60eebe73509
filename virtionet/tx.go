package virtionet

import (
	"github.com/tinyrange/virtionet/ratelimiter"
)

// processTx iterates available TX descriptor chains, emitting each
// reassembled frame to MMDS or TAP, until the ring is empty or the TX
// limiter blocks. Used-ring entries are batched and flushed once at the
// end rather than per frame, to amortize the cross-thread synchronization
// the used ring implies.
func (d *Device) processTx() {
	rateLimited := false
	usedCount := 0
	processRxForMmds := false

	it := d.tx.queue.Iter(d.mem)
	for {
		chain := it.Next()
		if chain == nil {
			break
		}

		if !consumeOrSkip(d.tx.limiter, 1, ratelimiter.Ops) {
			rateLimited = true
			break
		}

		headIndex := chain.Index
		d.tx.iovec = d.tx.iovec[:0]
		readCount := 0
		for chain != nil {
			if chain.IsWriteOnly() {
				break
			}
			d.tx.iovec = append(d.tx.iovec, ioSlice{addr: chain.Addr(), len: chain.Len()})
			readCount += int(chain.Len())
			chain = chain.NextDescriptor()
		}

		if !consumeOrSkip(d.tx.limiter, uint64(readCount), ratelimiter.Bytes) {
			rateLimited = true
			replenishOrSkip(d.tx.limiter, ratelimiter.Ops)
			break
		}

		assembled := d.assembleTxFrame()

		if d.writeToMmdsOrTap(d.tx.frameBuf[:assembled]) && !d.rx.deferredFrame {
			processRxForMmds = true
		}

		d.tx.usedHeads[usedCount] = headIndex
		usedCount++
	}

	if rateLimited {
		d.tx.queue.GoToPreviousPosition()
	}

	for i := 0; i < usedCount; i++ {
		if err := d.tx.queue.AddUsed(d.mem, d.tx.usedHeads[i], 0); err != nil {
			d.log.Error("virtionet: add_used failed", "error", err, "head", d.tx.usedHeads[i])
		}
	}

	if processRxForMmds {
		d.processRx()
	}
}

// assembleTxFrame copies the bytes described by iovec into frame_buf,
// clipping to the buffer's capacity, and returns the number of bytes
// assembled. A per-descriptor short read (end of a guest memory region)
// counts a tx failure and truncates assembly at that point.
func (d *Device) assembleTxFrame() int {
	readCount := 0
	for _, seg := range d.tx.iovec {
		limit := readCount + int(seg.len)
		if limit > len(d.tx.frameBuf) {
			limit = len(d.tx.frameBuf)
		}
		dst := d.tx.frameBuf[readCount:limit]
		n := d.mem.ReadSliceAtAddr(dst, seg.addr)
		readCount += n
		if n < len(dst) {
			d.log.Error("virtionet: short read from guest memory", "addr", seg.addr)
			d.metrics.TxFails.Add(1)
			break
		}
	}
	return readCount
}

// writeToMmdsOrTap dispatches an assembled frame to the MMDS stack if it
// claims the frame, refunding the TX limiter tokens already consumed for
// it (MMDS traffic is out-of-band and must not be rate-limited). The vnet
// header is stripped before the MMDS detour check since MMDS only ever
// sees Ethernet frames, never the virtio wire prefix. Otherwise the frame
// (vnet header included) goes to the TAP device as-is; TAP write failures
// are best-effort and are never retried.
func (d *Device) writeToMmdsOrTap(frame []byte) bool {
	if d.mmds != nil && len(frame) >= VnetHdrSize && d.mmds.DetourFrame(frame[VnetHdrSize:]) {
		d.metrics.MmdsRxAccepted.Add(1)
		replenishOrSkip(d.tx.limiter, ratelimiter.Bytes)
		replenishOrSkip(d.tx.limiter, ratelimiter.Ops)
		return true
	}

	if _, err := d.tap.Write(frame); err != nil {
		d.log.Error("virtionet: failed to write tap", "error", err)
		d.metrics.TxFails.Add(1)
		return false
	}
	d.metrics.TxBytesCount.Add(uint64(len(frame)))
	d.metrics.TxPacketsCount.Add(1)
	return false
}

func consumeOrSkip(l RateLimiter, n uint64, kind ratelimiter.TokenKind) bool {
	if l == nil {
		return true
	}
	return l.Consume(n, kind)
}

func replenishOrSkip(l RateLimiter, kind ratelimiter.TokenKind) {
	if l != nil {
		l.ManualReplenish(kind)
	}
}
