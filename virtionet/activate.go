package virtionet

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtionet/virtqueue"
)

// ActivateParams carries everything the host hands the device at device
// activation (after feature negotiation succeeds), per spec.md §6.8.
type ActivateParams struct {
	Mem GuestMemory

	InterruptEvtFd  int
	InterruptStatus *atomic.Uint32

	// Queues must contain exactly two entries: RX then TX.
	Queues []*virtqueue.Queue
	// QueueEvtFds must contain exactly two entries, matching Queues.
	QueueEvtFds []int

	// EpollFd, if non-negative, causes Activate to register the TAP fd,
	// both queue notifiers, and any present rate-limiter fds with this
	// host epoll instance under the five event tokens (the EventKind
	// value itself, carried in the epoll_event's otherwise-unused data).
	EpollFd int
}

// Activate wires queues, notifiers, guest memory and the interrupt signal
// into the device and, if an epoll fd was supplied, registers this
// device's five event sources with it. A device can only be activated
// once; a queue/eventfd count other than two is a bad-activate error.
func (d *Device) Activate(p ActivateParams) error {
	if d.activated {
		d.metrics.ActivateFails.Add(1)
		return fmt.Errorf("virtionet: device already activated")
	}
	if len(p.Queues) != numQueues || len(p.QueueEvtFds) != numQueues {
		d.metrics.ActivateFails.Add(1)
		return fmt.Errorf("virtionet: activate requires %d queues and %d eventfds, got %d queues and %d eventfds",
			numQueues, numQueues, len(p.Queues), len(p.QueueEvtFds))
	}

	d.mem = p.Mem
	d.interruptEvtFd = p.InterruptEvtFd
	d.interruptStatus = p.InterruptStatus

	d.rx.queue = p.Queues[queueRX]
	d.rx.evtFd = p.QueueEvtFds[queueRX]
	d.tx.queue = p.Queues[queueTX]
	d.tx.evtFd = p.QueueEvtFds[queueTX]

	maxSize := int(d.tx.queue.GetMaxSize())
	d.tx.iovec = make([]ioSlice, 0, maxSize)
	d.tx.usedHeads = make([]uint16, maxSize)

	if p.EpollFd >= 0 {
		if err := d.registerEpoll(p.EpollFd); err != nil {
			d.metrics.ActivateFails.Add(1)
			return err
		}
	}

	d.activated = true
	return nil
}

func (d *Device) registerEpoll(epollFd int) error {
	add := func(fd int, token EventKind) error {
		if fd < 0 {
			return nil
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(token)}
		if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("virtionet: epoll_ctl add fd %d (token %s): %w", fd, token, err)
		}
		return nil
	}

	if err := add(d.tap.Fd(), RxTap); err != nil {
		return err
	}
	if err := add(d.rx.evtFd, RxQueue); err != nil {
		return err
	}
	if err := add(d.tx.evtFd, TxQueue); err != nil {
		return err
	}
	if d.rx.limiter != nil {
		if err := add(d.rx.limiter.Fd(), RxLimit); err != nil {
			return err
		}
	}
	if d.tx.limiter != nil {
		if err := add(d.tx.limiter.Fd(), TxLimit); err != nil {
			return err
		}
	}
	return nil
}
