package dhcpd

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender is a fake PacketSender that records every datagram sent to
// it, so tests can assert on dhcpReply's routing decisions without a socket.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentDatagram
}

type sentDatagram struct {
	payload []byte
	dst     netip.AddrPort
}

func (s *recordingSender) Send(_ context.Context, _ *net.Interface, payload []byte, dst netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), payload...)
	s.sent = append(s.sent, sentDatagram{payload: cp, dst: dst})
	return nil
}

func (s *recordingSender) last() (sentDatagram, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentDatagram{}, false
	}
	return s.sent[len(s.sent)-1], true
}

func newTestGroup() *Group {
	return &Group{AllowBooting: true, AllowBootp: true, BootUnknownClients: true}
}

func discoverPacket(hw []byte) *Packet {
	in := NewOptionState()
	in.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageDiscover)})
	return &Packet{
		In:          in,
		Out:         NewOptionState(),
		CHAddr:      hw,
		HLen:        6,
		MessageType: MessageDiscover,
	}
}

func TestEngine_discoverAllocatesAndOffers(t *testing.T) {
	e := newTestEngine(t, time.Unix(1_700_000_000, 0))
	e.Global = newTestGroup()
	sender := &recordingSender{}
	e.Sender = sender

	pool := NewPool("p", e.Global, []IPRange{{
		Start: netip.MustParseAddr("10.0.0.10"),
		End:   netip.MustParseAddr("10.0.0.10"),
	}})
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Group: e.Global, Pools: []*Pool{pool}}
	net := &SharedNetwork{Name: "lan", Subnets: []*Subnet{subnet}}
	e.AddNetwork(net)

	pkt := discoverPacket([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	pkt.Network = net

	e.dhcpDiscover(context.Background(), pkt)

	dgram, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, broadcastAddrPort, dgram.dst)

	lease, found := e.Index.ByIP(netip.MustParseAddr("10.0.0.10"))
	require.True(t, found)
	assert.True(t, lease.Active(e.now()))
}

func TestEngine_discoverOfferCarriesSIAddr(t *testing.T) {
	e := newTestEngine(t, time.Unix(1_700_000_000, 0))
	e.Global = newTestGroup()
	e.Global.NextServer = netip.MustParseAddr("10.0.0.1")
	sender := &recordingSender{}
	e.Sender = sender

	pool := NewPool("p", e.Global, []IPRange{{
		Start: netip.MustParseAddr("10.0.0.10"),
		End:   netip.MustParseAddr("10.0.0.10"),
	}})
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Group: e.Global, Pools: []*Pool{pool}}
	net := &SharedNetwork{Name: "lan", Subnets: []*Subnet{subnet}}
	e.AddNetwork(net)

	pkt := discoverPacket([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	pkt.Network = net

	e.dhcpDiscover(context.Background(), pkt)

	dgram, ok := sender.last()
	require.True(t, ok)

	reply, err := ParsePacket(dgram.payload, nil, netip.AddrPort{})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), reply.SIAddr)
}

func TestEngine_discoverDropsWhenPoolExhausted(t *testing.T) {
	e := newTestEngine(t, time.Unix(1_700_000_000, 0))
	e.Global = newTestGroup()
	sender := &recordingSender{}
	e.Sender = sender

	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Group: e.Global}
	net := &SharedNetwork{Name: "lan", Subnets: []*Subnet{subnet}}
	e.AddNetwork(net)

	pkt := discoverPacket([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	pkt.Network = net

	e.dhcpDiscover(context.Background(), pkt)

	_, ok := sender.last()
	assert.False(t, ok)
}

func TestEngine_requestUnicastsToClientAddr(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newTestEngine(t, now)
	e.Global = newTestGroup()
	sender := &recordingSender{}
	e.Sender = sender

	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	pool := NewPool("p", e.Global, nil)
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Group: e.Global}
	net := &SharedNetwork{Name: "lan", Subnets: []*Subnet{subnet}}
	e.AddNetwork(net)

	existing := &Lease{IP: netip.MustParseAddr("10.0.0.10"), HWAddr: hw, Subnet: subnet, Pool: pool, Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, existing, pool)

	in := NewOptionState()
	in.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageRequest)})
	pkt := &Packet{
		In: in, Out: NewOptionState(), CHAddr: hw, HLen: 6,
		MessageType: MessageRequest, Network: net,
		CIAddr: netip.MustParseAddr("10.0.0.10"),
	}

	e.dhcpRequest(context.Background(), pkt)

	dgram, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, netip.AddrPortFrom(netip.MustParseAddr("10.0.0.10"), clientPort), dgram.dst)
}

func TestEngine_requestUpdatesHostnameWhenOffered(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newTestEngine(t, now)
	e.Global = newTestGroup()
	e.Sender = &recordingSender{}

	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	pool := NewPool("p", e.Global, nil)
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Group: e.Global}
	net := &SharedNetwork{Name: "lan", Subnets: []*Subnet{subnet}}
	e.AddNetwork(net)

	existing := &Lease{
		IP: netip.MustParseAddr("10.0.0.10"), HWAddr: hw, Subnet: subnet, Pool: pool,
		Ends: now.Add(time.Hour), Hostname: "old-name",
	}
	e.Index.Supersede(nil, existing, pool)

	in := NewOptionState()
	in.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageRequest)})
	in.Supersede(UniverseDHCP, nil, OptHostName, []byte("new-name"))
	pkt := &Packet{
		In: in, Out: NewOptionState(), CHAddr: hw, HLen: 6,
		MessageType: MessageRequest, Network: net,
		CIAddr: netip.MustParseAddr("10.0.0.10"),
	}

	e.dhcpRequest(context.Background(), pkt)

	lease, ok := e.Index.ByIP(netip.MustParseAddr("10.0.0.10"))
	require.True(t, ok)
	assert.Equal(t, "new-name", lease.Hostname)
}

func TestEngine_requestLeavesHostnameUnchangedWhenOptionAbsent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newTestEngine(t, now)
	e.Global = newTestGroup()
	e.Sender = &recordingSender{}

	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	pool := NewPool("p", e.Global, nil)
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Group: e.Global}
	net := &SharedNetwork{Name: "lan", Subnets: []*Subnet{subnet}}
	e.AddNetwork(net)

	existing := &Lease{
		IP: netip.MustParseAddr("10.0.0.10"), HWAddr: hw, Subnet: subnet, Pool: pool,
		Ends: now.Add(time.Hour), Hostname: "kept-name",
	}
	e.Index.Supersede(nil, existing, pool)

	in := NewOptionState()
	in.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageRequest)})
	pkt := &Packet{
		In: in, Out: NewOptionState(), CHAddr: hw, HLen: 6,
		MessageType: MessageRequest, Network: net,
		CIAddr: netip.MustParseAddr("10.0.0.10"),
	}

	e.dhcpRequest(context.Background(), pkt)

	lease, ok := e.Index.ByIP(netip.MustParseAddr("10.0.0.10"))
	require.True(t, ok)
	assert.Equal(t, "kept-name", lease.Hostname)
}

func TestEngine_requestOutOfPoolAuthoritativeNaks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newTestEngine(t, now)
	e.Global = newTestGroup()
	e.Authoritative = true
	sender := &recordingSender{}
	e.Sender = sender

	pool := NewPool("p", e.Global, []IPRange{{
		Start: netip.MustParseAddr("10.0.0.100"),
		End:   netip.MustParseAddr("10.0.0.200"),
	}})
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Group: e.Global, Pools: []*Pool{pool}}
	net := &SharedNetwork{Name: "lan", Subnets: []*Subnet{subnet}}
	e.AddNetwork(net)

	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	in := NewOptionState()
	in.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageRequest)})
	in.Supersede(UniverseDHCP, nil, OptRequestedIPAddress, []byte{10, 0, 0, 50})
	pkt := &Packet{
		In: in, Out: NewOptionState(), CHAddr: hw, HLen: 6,
		MessageType: MessageRequest, Network: net,
	}

	e.dhcpRequest(context.Background(), pkt)

	dgram, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, broadcastAddrPort, dgram.dst)

	reply, err := ParsePacket(dgram.payload, nil, netip.AddrPort{})
	require.NoError(t, err)
	assert.Equal(t, MessageNak, reply.MessageType)
	assert.True(t, reply.BroadcastFlag())

	msg, ok := reply.In.Lookup(UniverseDHCP, OptMessage)
	require.True(t, ok)
	v, ok := msg.Evaluate(nil)
	require.True(t, ok)
	assert.Equal(t, "requested address not available", string(v))

	reqIP, ok := reply.In.Lookup(UniverseDHCP, OptRequestedIPAddress)
	require.True(t, ok)
	v, ok = reqIP.Evaluate(nil)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.50"), addr4(v))
}

func TestEngine_releaseRejectsNonOwningClient(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newTestEngine(t, now)

	owner := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	other := mustMAC(t, "11:22:33:44:55:66")

	lease := &Lease{IP: netip.MustParseAddr("10.0.0.10"), HWAddr: owner, Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, lease, nil)

	in := NewOptionState()
	pkt := &Packet{In: in, CHAddr: other, CIAddr: lease.IP}

	e.dhcpRelease(context.Background(), pkt)

	_, ok := e.Index.ByIP(lease.IP)
	assert.True(t, ok, "lease must survive a release attempt from a non-owning client")
}

func TestEngine_releaseByOwningClientSucceeds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newTestEngine(t, now)

	owner := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	lease := &Lease{IP: netip.MustParseAddr("10.0.0.10"), HWAddr: owner, Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, lease, nil)

	in := NewOptionState()
	pkt := &Packet{In: in, CHAddr: owner, CIAddr: lease.IP}

	e.dhcpRelease(context.Background(), pkt)

	_, ok := e.Index.ByIP(lease.IP)
	assert.False(t, ok)
}
