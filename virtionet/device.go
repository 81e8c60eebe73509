// Package virtionet implements the virtio-net data-plane core: a
// single-threaded, event-driven handler that moves frames between a TAP
// file descriptor and the guest's RX/TX virtqueues under independent rate
// limiters, with MMDS diversion and interrupt coalescing.
package virtionet

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/tinyrange/virtionet/ratelimiter"
	"github.com/tinyrange/virtionet/virtqueue"
)

// FrameBufSize is the staging buffer size per direction: a 12-byte vnet
// header plus the largest Ethernet frame the device can see with
// segmentation offload negotiated.
const FrameBufSize = 65562

// VnetHdrSize is the length of the virtio-net header prepended to every
// frame on the wire between this device and the TAP interface.
const VnetHdrSize = 12

const (
	queueRX   = 0
	queueTX   = 1
	numQueues = 2
)

// Feature bits advertised by this device, numbered per the virtio-net and
// virtio transport specifications.
const (
	FeatureCSUM       = 0
	FeatureGuestCSUM  = 1
	FeatureMAC        = 5
	FeatureGuestTSO4  = 7
	FeatureGuestUFO   = 10
	FeatureHostTSO4   = 11
	FeatureHostUFO    = 14
	FeatureVersion1   = 32
)

// EventKind identifies one of the five event sources the host epoll loop
// multiplexes onto this device's handler.
type EventKind int

const (
	RxTap EventKind = iota
	RxQueue
	TxQueue
	RxLimit
	TxLimit
)

func (k EventKind) String() string {
	switch k {
	case RxTap:
		return "RX_TAP"
	case RxQueue:
		return "RX_QUEUE"
	case TxQueue:
		return "TX_QUEUE"
	case RxLimit:
		return "RX_LIMIT"
	case TxLimit:
		return "TX_LIMIT"
	default:
		return "UNKNOWN"
	}
}

const vringInterruptUsedBit = 0x1

// GuestMemory is the guest physical memory accessor the device reads
// frames from and writes them into.
type GuestMemory interface {
	virtqueue.GuestMemory
	// ReadSliceAtAddr copies len(dst) bytes from guest address addr into
	// dst, returning the number of bytes actually copied; it may return a
	// short count at the end of the mapped region.
	ReadSliceAtAddr(dst []byte, addr uint64) int
	// WriteSliceAtAddr copies src into guest memory at addr, returning the
	// number of bytes actually copied; it may return a short count at the
	// end of the mapped region.
	WriteSliceAtAddr(src []byte, addr uint64) int
}

// Tap is the non-blocking host TAP interface.
type Tap interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Fd() int
}

// RateLimiter is the token-bucket gate wrapping one direction's traffic.
type RateLimiter interface {
	Consume(n uint64, kind ratelimiter.TokenKind) bool
	ManualReplenish(kind ratelimiter.TokenKind)
	EventHandler() error
	IsBlocked() bool
	Fd() int
}

// Mmds is the in-process metadata stack that may intercept TX frames and
// inject synthesized RX frames.
type Mmds interface {
	DetourFrame(frame []byte) bool
	WriteNextFrame(out []byte) (int, bool)
}

// Metrics is a snapshot-able set of device counters, named after the
// original implementation's METRICS.net.* / METRICS.mmds.* fields.
type Metrics struct {
	RxBytesCount   atomic.Uint64
	RxPacketsCount atomic.Uint64
	RxFails        atomic.Uint64
	TxBytesCount   atomic.Uint64
	TxPacketsCount atomic.Uint64
	TxFails        atomic.Uint64
	EventFails     atomic.Uint64
	CfgFails       atomic.Uint64
	ActivateFails  atomic.Uint64

	MmdsRxAccepted atomic.Uint64
	MmdsTxFrames   atomic.Uint64
	MmdsTxBytes    atomic.Uint64

	RxTapEventCount         atomic.Uint64
	RxQueueEventCount       atomic.Uint64
	TxQueueEventCount       atomic.Uint64
	RxRateLimiterEventCount atomic.Uint64
	TxRateLimiterEventCount atomic.Uint64
}

// Config carries the construction-time parameters of a Device as one
// builder struct instead of scattered constructor arguments.
type Config struct {
	// MAC is the guest-visible MAC address. If nil, the MAC feature bit is
	// not advertised and the configuration space is empty.
	MAC net.HardwareAddr

	Tap  Tap
	Mmds Mmds // optional

	RxRateLimiter RateLimiter // optional
	TxRateLimiter RateLimiter // optional

	Logger *slog.Logger
}

// rxPath holds everything needed to drain TAP/MMDS frames into the guest
// RX ring, see rx.go.
type rxPath struct {
	queue   *virtqueue.Queue
	evtFd   int
	limiter RateLimiter

	frameBuf  [FrameBufSize]byte
	bytesRead int

	deferredFrame bool
	deferredIrqs  bool
}

// ioSlice is one (guest_addr, length) pair collected while walking a TX
// descriptor chain.
type ioSlice struct {
	addr uint64
	len  uint32
}

// txPath holds everything needed to drain the guest TX ring into TAP/MMDS,
// see tx.go.
type txPath struct {
	queue   *virtqueue.Queue
	evtFd   int
	limiter RateLimiter

	frameBuf  []byte
	iovec     []ioSlice
	usedHeads []uint16
}

// Device is the virtio-net data-plane handler: one instance per guest
// network interface, owning its queues, rate limiters, and staging
// buffers for the lifetime of the VM.
type Device struct {
	log *slog.Logger

	mem  GuestMemory
	tap  Tap
	mmds Mmds

	rx rxPath
	tx txPath

	interruptStatus *atomic.Uint32
	interruptEvtFd  int

	mac           net.HardwareAddr
	availFeatures uint64
	ackedFeatures uint64

	metrics Metrics

	activated bool
}

// New constructs an inert Device from cfg. The device does not touch any
// queue or fd until Activate succeeds.
func New(cfg Config) (*Device, error) {
	if cfg.Tap == nil {
		return nil, fmt.Errorf("virtionet: config requires a TAP device")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	d := &Device{
		log:  log,
		tap:  cfg.Tap,
		mmds: cfg.Mmds,
		mac:  cfg.MAC,
	}

	d.availFeatures = uint64(1)<<FeatureGuestCSUM |
		uint64(1)<<FeatureCSUM |
		uint64(1)<<FeatureGuestTSO4 |
		uint64(1)<<FeatureGuestUFO |
		uint64(1)<<FeatureHostTSO4 |
		uint64(1)<<FeatureHostUFO |
		uint64(1)<<FeatureVersion1
	if len(cfg.MAC) == 6 {
		d.availFeatures |= uint64(1) << FeatureMAC
	}

	d.rx.limiter = cfg.RxRateLimiter
	d.tx.limiter = cfg.TxRateLimiter
	d.tx.frameBuf = make([]byte, FrameBufSize)

	return d, nil
}

// Metrics returns the device's live counters.
func (d *Device) Metrics() *Metrics { return &d.metrics }

// DeviceFeatures returns the 32-bit window of advertised feature bits at
// page (0 = low 32 bits, 1 = high 32 bits). Any other page returns 0.
func (d *Device) DeviceFeatures(page uint32) uint32 {
	switch page {
	case 0:
		return uint32(d.availFeatures)
	case 1:
		return uint32(d.availFeatures >> 32)
	default:
		return 0
	}
}

// AckFeatures records which of the advertised feature bits the guest has
// acknowledged at page, masking out anything not actually advertised.
func (d *Device) AckFeatures(page uint32, bits uint32) {
	var shifted uint64
	switch page {
	case 0:
		shifted = uint64(bits)
	case 1:
		shifted = uint64(bits) << 32
	default:
		return
	}
	d.ackedFeatures |= shifted & d.availFeatures
}

// AckedFeatures returns the feature bits the guest has acknowledged so far.
func (d *Device) AckedFeatures() uint64 { return d.ackedFeatures }

// ReadConfig reads up to len(out) bytes of configuration space starting at
// offset. Configuration space is empty unless a MAC was configured, in
// which case it is exactly the 6 MAC bytes. Reads are clipped to the
// space's bounds; bytes past the end are left untouched in out.
func (d *Device) ReadConfig(offset uint64, out []byte) {
	space := d.configSpace()
	if offset >= uint64(len(space)) {
		d.metrics.CfgFails.Add(1)
		return
	}
	copy(out, space[offset:])
}

// WriteConfig writes data into configuration space at offset. The write is
// rejected (and cfg_fails incremented) if it would run past the end of the
// space; this configuration space is otherwise immutable from the guest's
// perspective in this core.
func (d *Device) WriteConfig(offset uint64, data []byte) error {
	space := d.configSpace()
	if offset+uint64(len(data)) > uint64(len(space)) {
		d.metrics.CfgFails.Add(1)
		return fmt.Errorf("virtionet: config write [%d, %d) exceeds space of length %d", offset, offset+uint64(len(data)), len(space))
	}
	return nil
}

func (d *Device) configSpace() []byte {
	if len(d.mac) != 6 {
		return nil
	}
	return d.mac
}
