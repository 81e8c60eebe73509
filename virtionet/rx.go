package virtionet

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtionet/ratelimiter"
)

// signalUsedQueue ORs the VRING interrupt bit into interrupt_status and
// writes 1 to the interrupt eventfd, per spec.md §4.4. The guest's MMIO
// read path clears interrupt_status asynchronously; the fetch_or here only
// needs to be atomic with respect to that reader, not with anything else
// in this single-threaded handler.
func (d *Device) signalUsedQueue() {
	d.interruptStatus.Or(vringInterruptUsedBit)
	if err := writeEventFd(d.interruptEvtFd, 1); err != nil {
		d.log.Error("virtionet: failed to signal used queue", "error", err)
		d.metrics.EventFails.Add(1)
	}
}

// processRx drains frames from the MMDS stack (first) and the TAP device
// (second) into the guest RX ring until the source is exhausted, the guest
// runs out of buffers, or the RX limiter blocks delivery.
func (d *Device) processRx() {
	for {
		n, err := d.readFromMmdsOrTap()
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				d.log.Error("virtionet: failed to read tap", "error", err)
				d.metrics.RxFails.Add(1)
			}
			break
		}
		d.rx.bytesRead = n
		if !d.rateLimitedRxSingleFrame() {
			d.rx.deferredFrame = true
			break
		}
	}
	if d.rx.deferredIrqs {
		d.rx.deferredIrqs = false
		d.signalUsedQueue()
	}
}

// readFromMmdsOrTap prioritizes MMDS responses over TAP traffic so a burst
// of host network activity can never starve a pending metadata reply.
func (d *Device) readFromMmdsOrTap() (int, error) {
	if d.mmds != nil {
		if n, ok := d.mmds.WriteNextFrame(d.rx.frameBuf[VnetHdrSize:]); ok {
			d.metrics.MmdsTxFrames.Add(1)
			d.metrics.MmdsTxBytes.Add(uint64(n))
			for i := 0; i < VnetHdrSize; i++ {
				d.rx.frameBuf[i] = 0
			}
			return VnetHdrSize + n, nil
		}
	}
	return d.tap.Read(d.rx.frameBuf[:])
}

// rateLimitedRxSingleFrame gates rxSingleFrame behind the two-step
// consume-with-rollback discipline: a partial consume must never leak
// tokens, since a failed frame is retried verbatim on the next event.
func (d *Device) rateLimitedRxSingleFrame() bool {
	if !consumeOrSkip(d.rx.limiter, 1, ratelimiter.Ops) {
		return false
	}
	if !consumeOrSkip(d.rx.limiter, uint64(d.rx.bytesRead), ratelimiter.Bytes) {
		replenishOrSkip(d.rx.limiter, ratelimiter.Ops)
		return false
	}

	if !d.rxSingleFrame() {
		replenishOrSkip(d.rx.limiter, ratelimiter.Ops)
		replenishOrSkip(d.rx.limiter, ratelimiter.Bytes)
		return false
	}
	return true
}

// rxSingleFrame copies the staged frame into the next available RX
// descriptor chain, which may span multiple descriptors. It always marks
// the chain's head used if one was taken from the ring — even on a short
// chain — so the head is never leaked; the caller sees a false return in
// that case, keeps the frame staged as deferred, and retries it into the
// next available chain.
func (d *Device) rxSingleFrame() bool {
	chain := d.rx.queue.Iter(d.mem).Next()
	if chain == nil {
		return false
	}
	headIndex := chain.Index
	writeCount := 0

	for {
		if chain == nil {
			d.log.Warn("virtionet: rx buffer too small to hold frame")
			d.metrics.RxFails.Add(1)
			break
		}
		if !chain.IsWriteOnly() {
			break
		}

		limit := writeCount + int(chain.Len())
		if limit > d.rx.bytesRead {
			limit = d.rx.bytesRead
		}
		src := d.rx.frameBuf[writeCount:limit]
		n := d.mem.WriteSliceAtAddr(src, chain.Addr())
		writeCount += n
		if n < len(src) {
			d.log.Error("virtionet: short write to guest memory", "addr", chain.Addr())
			d.metrics.RxFails.Add(1)
			break
		}
		if writeCount >= d.rx.bytesRead {
			break
		}
		chain = chain.NextDescriptor()
	}

	if err := d.rx.queue.AddUsed(d.mem, headIndex, uint32(writeCount)); err != nil {
		d.log.Error("virtionet: add_used failed", "error", err, "head", headIndex)
	}
	d.rx.deferredIrqs = true

	if writeCount >= d.rx.bytesRead {
		d.metrics.RxBytesCount.Add(uint64(writeCount))
		d.metrics.RxPacketsCount.Add(1)
		return true
	}
	return false
}

// resumeRx is invoked whenever an event may have made delivery of a
// previously deferred frame possible: a new RX buffer was posted, or the RX
// limiter replenished. On success it re-enters processRx to keep draining;
// on a retry that still fails, any interrupt owed from the earlier attempt
// is still flushed so the guest sees progress it has already made.
func (d *Device) resumeRx() {
	if !d.rx.deferredFrame {
		return
	}
	if d.rateLimitedRxSingleFrame() {
		d.rx.deferredFrame = false
		d.processRx()
	} else if d.rx.deferredIrqs {
		d.rx.deferredIrqs = false
		d.signalUsedQueue()
	}
}
