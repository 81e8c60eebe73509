package virtionet

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// consumeEventFd drains one notification from a Linux eventfd (a queue
// notifier), the way the host epoll loop's registered fds are expected to
// be acknowledged before the guest is allowed to post another one.
func consumeEventFd(fd int) error {
	if fd < 0 {
		return nil
	}
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return fmt.Errorf("virtionet: read eventfd %d: %w", fd, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtionet: short eventfd read on fd %d: %d bytes", fd, n)
	}
	return nil
}

// writeEventFd raises an eventfd (the interrupt line) by writing a 64-bit
// counter increment to it.
func writeEventFd(fd int, value uint64) error {
	if fd < 0 {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	n, err := unix.Write(fd, buf[:])
	if err != nil {
		return fmt.Errorf("virtionet: write eventfd %d: %w", fd, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtionet: short eventfd write on fd %d: %d bytes", fd, n)
	}
	return nil
}
