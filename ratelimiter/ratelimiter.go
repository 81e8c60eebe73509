// Package ratelimiter implements the token-bucket gate consumed by the
// virtio-net data plane on both its RX and TX paths, following the same
// raw-syscall style the rest of this repository uses for talking to the
// kernel (golang.org/x/sys/unix rather than the low-level syscall package)
// and golang.org/x/time/rate's reservation mechanism for the token math.
package ratelimiter

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// TokenKind distinguishes the two independent buckets a Limiter may gate
// traffic with.
type TokenKind int

const (
	Bytes TokenKind = iota
	Ops
	numTokenKinds
)

func (k TokenKind) String() string {
	switch k {
	case Bytes:
		return "bytes"
	case Ops:
		return "ops"
	default:
		return "unknown"
	}
}

// Config describes one token bucket: capacity tokens, refilled at
// refillPerSec tokens/second. A zero Capacity means the bucket is absent
// (unlimited).
type Config struct {
	Capacity     uint64
	RefillPerSec float64
}

func (c Config) enabled() bool { return c.Capacity > 0 && c.RefillPerSec > 0 }

type bucket struct {
	limiter   *rate.Limiter
	pending   *rate.Reservation
	pendingAt time.Time
}

// Limiter gates one direction (RX or TX) of the data plane with up to two
// independent token kinds. Either kind may be absent, in which case it
// never blocks. The zero value is not usable; construct with New.
type Limiter struct {
	buckets [numTokenKinds]*bucket

	timerFd int
	armed   bool
	blocked bool
}

// New builds a Limiter from per-kind configs. A Config with Capacity == 0
// leaves that kind unlimited. When at least one kind is enabled, New
// creates a Linux timerfd to back the limiter's epoll-visible fd; with both
// kinds unlimited no timerfd is created and Fd returns -1.
func New(byteCfg, opCfg Config) (*Limiter, error) {
	l := &Limiter{timerFd: -1}

	if byteCfg.enabled() {
		l.buckets[Bytes] = &bucket{limiter: rate.NewLimiter(rate.Limit(byteCfg.RefillPerSec), int(byteCfg.Capacity))}
	}
	if opCfg.enabled() {
		l.buckets[Ops] = &bucket{limiter: rate.NewLimiter(rate.Limit(opCfg.RefillPerSec), int(opCfg.Capacity))}
	}

	if l.buckets[Bytes] == nil && l.buckets[Ops] == nil {
		return l, nil
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ratelimiter: timerfd_create: %w", err)
	}
	l.timerFd = fd
	return l, nil
}

// Fd returns the timerfd to register with the host epoll instance, or -1
// if this Limiter has no enabled token kind and therefore never blocks.
func (l *Limiter) Fd() int { return l.timerFd }

// Close releases the timerfd.
func (l *Limiter) Close() error {
	if l.timerFd < 0 {
		return nil
	}
	fd := l.timerFd
	l.timerFd = -1
	return unix.Close(fd)
}

// IsBlocked reports whether a prior Consume failed and the replenishment
// timer has not yet fired.
func (l *Limiter) IsBlocked() bool { return l.blocked }

// Consume attempts to take n tokens of the given kind. It returns true
// immediately if the kind is unlimited or the tokens are available now.
// On insufficient budget it arms the replenishment timer, marks the
// limiter blocked, leaves the bucket's token count unchanged, and returns
// false.
func (l *Limiter) Consume(n uint64, kind TokenKind) bool {
	b := l.buckets[kind]
	if b == nil {
		return true
	}

	now := time.Now()
	res := b.limiter.ReserveN(now, int(n))
	if !res.OK() {
		// n exceeds the bucket's burst size; it can never be satisfied.
		return false
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		l.arm(delay)
		return false
	}

	b.pending = res
	b.pendingAt = now
	return true
}

// ManualReplenish undoes the most recent successful Consume of the given
// kind, restoring exactly the tokens that call took. It is the rollback
// half of the consume/rollback discipline: every failure branch downstream
// of a successful Consume must call this for each kind it consumed.
func (l *Limiter) ManualReplenish(kind TokenKind) {
	b := l.buckets[kind]
	if b == nil || b.pending == nil {
		return
	}
	// Cancel at the reservation's own time: x/time/rate restores nothing for
	// a reservation whose time to act is already in the past.
	b.pending.CancelAt(b.pendingAt)
	b.pending = nil
}

// EventHandler acknowledges the timerfd firing and clears the blocked
// state. Callers invoke this in response to the RX_LIMIT/TX_LIMIT event
// kinds; epoll only raises those when the timerfd is actually readable, so
// a short read or EAGAIN here means the event fired without a real
// expiration (a spurious or duplicate wakeup) and is reported as an error
// rather than silently ignored.
func (l *Limiter) EventHandler() error {
	if l.timerFd < 0 {
		return fmt.Errorf("ratelimiter: event_handler called with no armed token kind")
	}
	var buf [8]byte
	n, err := unix.Read(l.timerFd, buf[:])
	if err != nil {
		return fmt.Errorf("ratelimiter: read timerfd: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("ratelimiter: short timerfd read: %d bytes", n)
	}
	l.armed = false
	l.blocked = false
	return nil
}

func (l *Limiter) arm(delay time.Duration) {
	l.blocked = true
	if l.timerFd < 0 || l.armed {
		return
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(delay.Nanoseconds()),
	}
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		spec.Value.Nsec = 1
	}
	if err := unix.TimerfdSettime(l.timerFd, 0, &spec, nil); err == nil {
		l.armed = true
	}
}
