package dhcpd

import (
	"context"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// PacketSender transmits one serialised reply datagram. Implementations are
// expected to be non-blocking from the caller's point of view; a failed
// send is logged by the caller but never turned into a NAK or retry.
type PacketSender interface {
	Send(ctx context.Context, iface *net.Interface, payload []byte, dst netip.AddrPort) error
}

// UDPSender sends replies over ordinary UDP sockets. It cannot reach a
// client that has no IP configured yet without either broadcasting or
// relying on a gateway (giaddr), which covers every case dhcp_reply's
// routing table needs except the raw ARP-less direct-to-yiaddr unicast: that
// path requires a link-layer raw socket and is intentionally not
// implemented here (see the reply-routing fallback in handlers.go), so a
// limited broadcast is used in its place.
type UDPSender struct {
	// conn is shared across every outbound datagram; DHCP servers bind one
	// broadcast-capable socket per listening interface.
	conn *net.UDPConn
}

var _ PacketSender = (*UDPSender)(nil)

// NewUDPSender opens a UDP socket bound to addr with broadcast permission.
func NewUDPSender(addr *net.UDPAddr) (*UDPSender, error) {
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Annotate(err, "listening udp4 %s: %w", addr)
	}
	return &UDPSender{conn: conn}, nil
}

// Send implements [PacketSender].
func (s *UDPSender) Send(ctx context.Context, _ *net.Interface, payload []byte, dst netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(payload, dst)
	if err != nil {
		return errors.Annotate(err, "writing to %s: %w", dst)
	}
	return nil
}

// Close closes the underlying socket.
func (s *UDPSender) Close() error {
	return s.conn.Close()
}

// broadcastAddrPort is the destination for any reply that cannot be
// unicast: limited broadcast on the client port.
var broadcastAddrPort = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), 68)

const (
	serverPort = 67
	clientPort = 68
)
