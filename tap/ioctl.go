package tap

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

func (d *Device) ioctl(op uintptr, arg any) error {
	return ioctlPtr(d.fd, op, arg)
}

func (d *Device) ioctlArg(op uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), op, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd int, op uintptr, arg any) error {
	var ptr uintptr
	switch v := arg.(type) {
	case *ifReq:
		ptr = uintptr(unsafe.Pointer(v))
	case *int32:
		ptr = uintptr(unsafe.Pointer(v))
	case *ifreqAddr:
		ptr = uintptr(unsafe.Pointer(v))
	case *ifreqFlags:
		ptr = uintptr(unsafe.Pointer(v))
	default:
		return fmt.Errorf("tap: unsupported ioctl argument type %T", arg)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, ptr)
	if errno != 0 {
		return errno
	}
	return nil
}

// ifreqAddr mirrors struct ifreq with a sockaddr_in payload, used for
// SIOCSIFADDR/SIOCSIFNETMASK.
type ifreqAddr struct {
	Name   [ifNameSize]byte
	Family uint16
	Port   uint16
	Addr   [4]byte
	_      [16]byte
}

// ifreqFlags mirrors struct ifreq with a short flags payload, used for
// SIOCSIFFLAGS/SIOCGIFFLAGS.
type ifreqFlags struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte
}

func (d *Device) withInetSocket(fn func(sockFd int) error) error {
	sockFd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("tap: socket(AF_INET): %w", err)
	}
	defer unix.Close(sockFd)
	return fn(sockFd)
}

func ifreqSetAddr(sockFd int, name string, op uintptr, ip net.IP) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("tap: %q is not an IPv4 address", ip)
	}

	var req ifreqAddr
	copy(req.Name[:ifNameSize-1], name)
	req.Family = uint16(unix.AF_INET)
	copy(req.Addr[:], ip4)

	return ioctlPtr(sockFd, op, &req)
}

func ifreqSetFlags(sockFd int, name string, flags uint16) error {
	var req ifreqFlags
	copy(req.Name[:ifNameSize-1], name)
	req.Flags = flags
	return ioctlPtr(sockFd, unix.SIOCSIFFLAGS, &req)
}
