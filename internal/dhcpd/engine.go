package dhcpd

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/insomniacslk/dhcp/iana"
)

// Engine is the run-to-completion request processor: one DoPacket call
// handles exactly one datagram before returning, matching the
// single-threaded, synchronous processing model the wire protocol assumes.
type Engine struct {
	Logger *slog.Logger

	Networks        map[string]*SharedNetwork
	NetworkByIface  map[string]*SharedNetwork
	Global          *Group

	Index   *LeaseIndex
	Store   *LeaseStore
	Checker AddressChecker
	Sender  PacketSender
	Clock   timeutil.Clock

	// FallbackSender, if non-nil, is consulted first for gateway-destined
	// traffic so the OS routing table picks the egress interface, mirroring
	// the fallback_interface collaborator.
	FallbackSender PacketSender

	Authoritative bool

	hostDecls []*HostDecl
	classes   []ClassMatcher

	// HostnameResolver supplies a hostname for a lease (e.g. from a reverse-
	// DNS lookup) without this engine depending on a live resolver.
	HostnameResolver func(l *Lease) (string, bool)

	outstandingPings atomic.Int64

	mu sync.Mutex
}

// NewEngine constructs an Engine ready to process packets. Clock defaults
// to the real wall clock if nil.
func NewEngine(logger *slog.Logger, clock timeutil.Clock) *Engine {
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	return &Engine{
		Logger:         logger,
		Networks:       make(map[string]*SharedNetwork),
		NetworkByIface: make(map[string]*SharedNetwork),
		Index:          NewLeaseIndex(),
		Clock:          clockOrSystem(clock),
		Checker:        alwaysAvailable{},
	}
}

// DoPacket parses and dispatches one raw datagram, per do_packet. It
// never returns an error to the caller: every failure path is logged and
// drops the packet silently, matching the engine's "drop" error class.
func (e *Engine) DoPacket(ctx context.Context, raw []byte, iface *net.Interface, src netip.AddrPort) {
	if e.Index == nil {
		e.Logger.ErrorContext(ctx, "dropping packet", slogutil.KeyError, errNoLeaseIndex)
		return
	}
	if len(raw) < headerLen {
		return
	}
	if hlen := raw[2]; hlen > 16 {
		e.Logger.InfoContext(ctx, "dropping packet with oversize hlen", "hlen", hlen)
		return
	}

	pkt, err := ParsePacket(raw, iface, src)
	if err != nil {
		e.Logger.InfoContext(ctx, "dropping unparseable packet", slogutil.KeyError, err)
		return
	}

	if htype := iana.HWType(pkt.HType); htype != iana.HWTypeEthernet {
		e.Logger.DebugContext(ctx, "non-ethernet hardware type", "htype", htype, "chaddr", pkt.CHAddr)
	}

	e.locateNetwork(pkt)
	e.ClassifyPacket(pkt)

	if pkt.MessageType == MessageNone {
		e.bootp(ctx, pkt)
		return
	}

	e.dhcp(ctx, pkt)
}

// locateNetwork sets pkt.Network by giaddr if non-zero, else by the
// receiving interface. It does not set pkt.Subnet.
func (e *Engine) locateNetwork(pkt *Packet) {
	if pkt.GIAddr.IsValid() && !pkt.GIAddr.IsUnspecified() {
		if net, ok := e.networkForGateway(pkt.GIAddr); ok {
			pkt.Network = net
			return
		}
	}
	if pkt.Iface != nil {
		pkt.Network = e.NetworkByIface[pkt.Iface.Name]
	}
}

// networkForGateway finds the shared network containing a subnet whose
// prefix matches giaddr.
func (e *Engine) networkForGateway(giaddr netip.Addr) (*SharedNetwork, bool) {
	for _, n := range e.Networks {
		if _, ok := n.SubnetFor(giaddr); ok {
			return n, true
		}
	}
	return nil, false
}

// dhcp dispatches a packet that carries a DHCP-Message-Type option to its
// per-message handler. Unknown message types are silently ignored.
func (e *Engine) dhcp(ctx context.Context, pkt *Packet) {
	switch pkt.MessageType {
	case MessageDiscover:
		e.dhcpDiscover(ctx, pkt)
	case MessageRequest:
		e.dhcpRequest(ctx, pkt)
	case MessageDecline:
		e.dhcpDecline(ctx, pkt)
	case MessageRelease:
		e.dhcpRelease(ctx, pkt)
	case MessageInform:
		e.dhcpInform(ctx, pkt)
	default:
		e.Logger.DebugContext(ctx, "ignoring unhandled message type", "type", pkt.MessageType)
	}
}

// bootp handles a packet with no DHCP-Message-Type option as a degenerate
// ack_lease call: offer=false, BOOTP semantics.
func (e *Engine) bootp(ctx context.Context, pkt *Packet) {
	if pkt.Network == nil {
		e.Logger.DebugContext(ctx, "dropping bootp packet with unresolved network")
		return
	}

	lease, ours, _ := e.findLease(pkt)
	if lease == nil {
		if ours {
			e.Logger.DebugContext(ctx, "bootp request for address we control but cannot grant")
		}
		return
	}

	lease.Flags |= FlagBootp
	e.ackLease(ctx, pkt, lease, false)
}

// requestedIPv4 returns the Requested-IP-Address option's value, if present
// and well-formed.
func requestedIPv4(pkt *Packet) (netip.Addr, bool) {
	oc, ok := pkt.In.Lookup(UniverseDHCP, OptRequestedIPAddress)
	if !ok {
		return netip.Addr{}, false
	}
	v, ok := oc.Evaluate(nil)
	if !ok || len(v) != 4 {
		return netip.Addr{}, false
	}
	return addr4(v), true
}

// clientID returns the Client-Identifier option's value if present,
// otherwise nil (callers fall back to CHAddr).
func clientID(pkt *Packet) []byte {
	oc, ok := pkt.In.Lookup(UniverseDHCP, OptClientIdentifier)
	if !ok {
		return nil
	}
	v, _ := oc.Evaluate(nil)
	return v
}

// serverIdentifier returns the Server-Identifier option's value if present.
func serverIdentifier(pkt *Packet) (netip.Addr, bool) {
	oc, ok := pkt.In.Lookup(UniverseDHCP, OptServerIdentifier)
	if !ok {
		return netip.Addr{}, false
	}
	v, ok := oc.Evaluate(nil)
	if !ok || len(v) != 4 {
		return netip.Addr{}, false
	}
	return addr4(v), true
}

var errDBWrite = errors.Error("dhcpd: lease database write failed")

// now returns the engine's current time via its Clock.
func (e *Engine) now() time.Time { return e.Clock.Now() }

// maxTime stands in for MAX_TIME: an "infinite" lease expiry, used for
// fixed-address mock leases and BOOTP clients with no configured cutoff.
var maxTime = time.Unix(1<<62, 0)

// AddHost registers a static host declaration with the engine.
func (e *Engine) AddHost(h *HostDecl) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hostDecls = append(e.hostDecls, h)
}

// AddNetwork registers a shared network, indexing it by every interface
// name passed in ifaceNames for locate_network's interface-based lookup.
func (e *Engine) AddNetwork(n *SharedNetwork, ifaceNames ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Networks[n.Name] = n
	for _, name := range ifaceNames {
		e.NetworkByIface[name] = n
	}
}
