// Package mmds implements an in-process metadata service network stack,
// the concrete collaborator the virtio-net data plane detours TX frames
// into and pulls synthesized RX frames out of. It is built on gVisor's
// userspace TCP/IP stack, wired as stack.New over a channel.Endpoint.
package mmds

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const nicID tcpip.NICID = 1

// outboundQueueDepth bounds how many synthesized ethernet frames can sit
// waiting to be drained by WriteNextFrame before drainOutbound starts
// dropping them. Metadata responses are small and infrequent, so a
// generous depth just avoids drops under a burst.
const outboundQueueDepth = 256

// Stack is a standalone metadata-service endpoint: it answers HTTP on a
// configured link-local IPv4 address and exchanges raw ethernet frames
// with whatever is willing to detour traffic to it (the virtio-net TX/RX
// paths in this repository).
type Stack struct {
	log *slog.Logger

	addr    tcpip.Address
	linkMAC net.HardwareAddr

	gs *stack.Stack
	ch *channel.Endpoint

	outbound chan []byte
	cancel   context.CancelFunc

	server *http.Server
}

// New builds a metadata stack bound to addr (a link-local IPv4 address,
// conventionally 169.254.169.254) and serves handler over HTTP on port 80.
// linkMAC is the MAC address frames appear to originate from; it should
// not collide with the guest's own MAC.
func New(log *slog.Logger, addr net.IP, linkMAC net.HardwareAddr, handler http.Handler) (*Stack, error) {
	if log == nil {
		log = slog.Default()
	}
	ip4 := addr.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("mmds: %s is not an IPv4 address", addr)
	}
	if len(linkMAC) != 6 {
		return nil, fmt.Errorf("mmds: link MAC must be 6 bytes, got %d", len(linkMAC))
	}

	s := &Stack{
		log:      log,
		addr:     tcpip.AddrFrom4([4]byte(ip4)),
		linkMAC:  linkMAC,
		outbound: make(chan []byte, outboundQueueDepth),
	}

	s.ch = channel.New(outboundQueueDepth, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(linkMAC)))
	ep := ethernet.New(s.ch)

	s.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := s.gs.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("mmds: create NIC: %s", err)
	}
	if err := s.gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   s.addr,
			PrefixLen: 32,
		},
	}, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("mmds: add protocol address: %s", err)
	}
	s.gs.SetSpoofing(nicID, true)
	s.gs.SetPromiscuousMode(nicID, true)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.drainOutbound(ctx)

	listener, err := gonet.ListenTCP(s.gs, tcpip.FullAddress{NIC: nicID, Addr: s.addr, Port: 80}, ipv4.ProtocolNumber)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mmds: listen: %s", err)
	}
	s.server = &http.Server{Handler: handler}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Warn("mmds: http server exited", "error", err)
		}
	}()

	return s, nil
}

// Close tears down the HTTP server and the underlying network stack.
func (s *Stack) Close() error {
	s.cancel()
	if s.server != nil {
		_ = s.server.Close()
	}
	s.ch.Close()
	s.gs.Close()
	return nil
}

// DetourFrame consumes frame if it is ARP or IPv4 traffic addressed to the
// metadata endpoint, injecting it into the stack and returning true. Any
// other frame is left untouched and false is returned, so the caller
// writes it to the TAP device instead. Never blocks.
func (s *Stack) DetourFrame(frame []byte) bool {
	if !s.addressedToMmds(frame) {
		return false
	}

	cp := append([]byte(nil), frame...)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(cp),
	})
	defer pkt.DecRef()
	s.ch.InjectInbound(0, pkt)
	return true
}

// WriteNextFrame copies the next pending synthesized ethernet frame into
// out, returning its length and true, or (0, false) if none is pending.
// Never blocks.
func (s *Stack) WriteNextFrame(out []byte) (int, bool) {
	select {
	case frame := <-s.outbound:
		n := copy(out, frame)
		return n, true
	default:
		return 0, false
	}
}

func (s *Stack) drainOutbound(ctx context.Context) {
	for {
		pkt := s.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		view := pkt.ToView().AsSlice()
		frame := append([]byte(nil), view...)
		pkt.DecRef()

		select {
		case s.outbound <- frame:
		default:
			s.log.Warn("mmds: outbound queue full, dropping synthesized frame", "len", len(frame))
		}
	}
}

const (
	etherTypeARP  = 0x0806
	etherTypeIPv4 = 0x0800
)

// addressedToMmds reports whether frame is an ARP request for, or an IPv4
// packet destined to, this stack's address. It only inspects fixed header
// offsets; malformed or truncated frames are treated as not addressed here.
func (s *Stack) addressedToMmds(frame []byte) bool {
	if len(frame) < 14 {
		return false
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])

	switch etherType {
	case etherTypeARP:
		const arpLen = 28
		if len(frame) < 14+arpLen {
			return false
		}
		tpa := frame[14+24 : 14+28]
		return s.matchesAddr(tpa)
	case etherTypeIPv4:
		if len(frame) < 14+20 {
			return false
		}
		dst := frame[14+16 : 14+20]
		return s.matchesAddr(dst)
	default:
		return false
	}
}

func (s *Stack) matchesAddr(ip4 []byte) bool {
	if len(ip4) != 4 {
		return false
	}
	return tcpip.AddrFrom4([4]byte(ip4)) == s.addr
}
