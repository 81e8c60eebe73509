package virtionet

import "fmt"

// HandleEvent is the host epoll loop's single entry point into this
// handler, invoked once per dispatched EventKind. It never blocks and never
// suspends: every branch either completes the request or leaves explicit
// state (deferredFrame, a rewound TX queue position) for a later event to
// pick up.
func (d *Device) HandleEvent(kind EventKind) {
	switch kind {
	case RxTap:
		d.handleRxTap()
	case RxQueue:
		d.handleRxQueue()
	case TxQueue:
		d.handleTxQueue()
	case RxLimit:
		d.handleRxLimit()
	case TxLimit:
		d.handleTxLimit()
	default:
		panic(fmt.Sprintf("virtionet: unknown event kind %d", kind))
	}
}

func (d *Device) handleRxTap() {
	d.metrics.RxTapEventCount.Add(1)

	if d.rx.limiter != nil && d.rx.limiter.IsBlocked() {
		return
	}

	if d.rx.deferredFrame {
		if d.rateLimitedRxSingleFrame() {
			d.rx.deferredFrame = false
		} else {
			if d.rx.deferredIrqs {
				d.rx.deferredIrqs = false
				d.signalUsedQueue()
			}
			return
		}
	}

	d.processRx()
}

func (d *Device) handleRxQueue() {
	d.metrics.RxQueueEventCount.Add(1)

	if err := consumeEventFd(d.rx.evtFd); err != nil {
		d.log.Error("virtionet: failed to read rx queue event", "error", err)
		d.metrics.EventFails.Add(1)
	}

	if d.rx.limiter == nil || !d.rx.limiter.IsBlocked() {
		d.resumeRx()
	}
}

func (d *Device) handleTxQueue() {
	d.metrics.TxQueueEventCount.Add(1)

	if err := consumeEventFd(d.tx.evtFd); err != nil {
		d.log.Error("virtionet: failed to read tx queue event", "error", err)
		d.metrics.EventFails.Add(1)
	}

	if d.tx.limiter == nil || !d.tx.limiter.IsBlocked() {
		d.processTx()
	}
}

func (d *Device) handleRxLimit() {
	d.metrics.RxRateLimiterEventCount.Add(1)

	if d.rx.limiter == nil {
		return
	}
	if err := d.rx.limiter.EventHandler(); err != nil {
		d.log.Error("virtionet: failed to get rx rate-limiter event", "error", err)
		d.metrics.EventFails.Add(1)
		return
	}
	d.resumeRx()
}

func (d *Device) handleTxLimit() {
	d.metrics.TxRateLimiterEventCount.Add(1)

	if d.tx.limiter == nil {
		return
	}
	if err := d.tx.limiter.EventHandler(); err != nil {
		d.log.Error("virtionet: failed to get tx rate-limiter event", "error", err)
		d.metrics.EventFails.Add(1)
		return
	}
	d.processTx()
}
