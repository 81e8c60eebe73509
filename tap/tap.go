// Package tap opens a Linux TAP network interface for the virtio-net data
// plane with an open/ioctl/fcntl sequence built on golang.org/x/sys/unix
// instead of raw syscall numbers.
package tap

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const (
	ifNameSize = 0x10

	// vnetHdrSize matches the 12-byte virtio_net_hdr_mrg_rxbuf layout the
	// data plane prepends to every frame it hands the guest.
	vnetHdrSize = 12
)

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// Device is a non-blocking TAP file descriptor, pre-configured with the
// offload flags and vnet header size the virtio-net device advertises to
// the guest.
type Device struct {
	fd   int
	name string
}

// Open creates (or attaches to) the named TAP interface and configures it
// for virtio-net use: IFF_TAP|IFF_NO_PI, the offload feature set, a
// 12-byte vnet header, and non-blocking mode.
func Open(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	d := &Device{fd: fd, name: name}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)
	if err := d.ioctl(unix.TUNSETIFF, &ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF %q: %w", name, err)
	}

	if err := d.SetOffload(OffloadChecksum | OffloadUFO | OffloadTSO4 | OffloadTSO6); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := d.SetVnetHdrSize(vnetHdrSize); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := d.setNonBlocking(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return d, nil
}

// Offload flags, matching TUNSETOFFLOAD's bitmask (linux/if_tun.h).
const (
	OffloadChecksum = unix.TUN_F_CSUM
	OffloadTSO4     = unix.TUN_F_TSO4
	OffloadTSO6     = unix.TUN_F_TSO6
	OffloadUFO      = unix.TUN_F_UFO
)

// SetOffload configures the TUNSETOFFLOAD feature bitmask.
func (d *Device) SetOffload(flags uint32) error {
	if err := d.ioctlArg(unix.TUNSETOFFLOAD, uintptr(flags)); err != nil {
		return fmt.Errorf("tap: TUNSETOFFLOAD: %w", err)
	}
	return nil
}

// SetVnetHdrSize sets the size of the virtio_net_hdr the kernel expects to
// find prepended to every frame read from or written to the device.
func (d *Device) SetVnetHdrSize(size int) error {
	sz := int32(size)
	if err := d.ioctl(unix.TUNSETVNETHDRSZ, &sz); err != nil {
		return fmt.Errorf("tap: TUNSETVNETHDRSZ: %w", err)
	}
	return nil
}

// SetIPAddr assigns an IPv4 address to the interface via SIOCSIFADDR. This
// requires a separate AF_INET socket; the TAP fd itself only carries frames.
func (d *Device) SetIPAddr(ip net.IP) error {
	return d.withInetSocket(func(sockFd int) error {
		return ifreqSetAddr(sockFd, d.name, unix.SIOCSIFADDR, ip)
	})
}

// SetNetmask assigns an IPv4 netmask via SIOCSIFNETMASK.
func (d *Device) SetNetmask(mask net.IPMask) error {
	return d.withInetSocket(func(sockFd int) error {
		return ifreqSetAddr(sockFd, d.name, unix.SIOCSIFNETMASK, net.IP(mask))
	})
}

// Enable brings the interface administratively up (IFF_UP|IFF_RUNNING).
func (d *Device) Enable() error {
	return d.withInetSocket(func(sockFd int) error {
		return ifreqSetFlags(sockFd, d.name, unix.IFF_UP|unix.IFF_RUNNING)
	})
}

// Fd returns the raw file descriptor, for epoll registration.
func (d *Device) Fd() int { return d.fd }

// Read reads exactly one frame (including its vnet header) from the TAP
// device. Non-blocking: a drained device returns unix.EAGAIN.
func (d *Device) Read(buf []byte) (int, error) {
	return unix.Read(d.fd, buf)
}

// Write writes exactly one frame (including its vnet header) to the TAP
// device.
func (d *Device) Write(buf []byte) (int, error) {
	return unix.Write(d.fd, buf)
}

// Close releases the TAP file descriptor.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

func (d *Device) setNonBlocking() error {
	flags, err := unix.FcntlInt(uintptr(d.fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("tap: F_GETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(d.fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("tap: F_SETFL: %w", err)
	}
	return nil
}
