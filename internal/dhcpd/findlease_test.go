package dhcpd

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packetWithUID(uid []byte, hw []byte) *Packet {
	in := NewOptionState()
	if len(uid) > 0 {
		in.Supersede(UniverseDHCP, nil, OptClientIdentifier, uid)
	}
	return &Packet{In: in, CHAddr: hw, MessageType: MessageRequest}
}

func TestFindLease_fixedAddressTakesPrecedence(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}
	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")

	e.AddHost(&HostDecl{HWAddr: hw, FixedIP: netip.MustParseAddr("10.0.0.5"), HasFixed: true})

	pkt := packetWithUID(nil, hw)
	pkt.Network = net
	pkt.CIAddr = netip.MustParseAddr("10.0.0.5")

	lease, ours, _ := e.findLease(pkt)
	require.NotNil(t, lease)
	assert.False(t, ours)
	assert.Equal(t, "10.0.0.5", lease.IP.String())
	assert.True(t, lease.IsStatic())
}

func TestFindLease_fixedMismatchReturnsOursNoLease(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}
	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	e.AddHost(&HostDecl{HWAddr: hw, FixedIP: netip.MustParseAddr("10.0.0.5"), HasFixed: true})

	pkt := packetWithUID(nil, hw)
	pkt.Network = net
	pkt.CIAddr = netip.MustParseAddr("10.0.0.9")

	lease, ours, _ := e.findLease(pkt)
	assert.Nil(t, lease)
	assert.True(t, ours)
}

func TestFindLease_ipPrecedesUIDAndHW(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}

	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	uid := []byte("client-1")

	byIP := &Lease{IP: netip.MustParseAddr("10.0.0.1"), Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, byIP, nil)
	byUID := &Lease{IP: netip.MustParseAddr("10.0.0.2"), UID: uid, Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, byUID, nil)
	byHW := &Lease{IP: netip.MustParseAddr("10.0.0.3"), HWAddr: hw, Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, byHW, nil)

	pkt := packetWithUID(uid, hw)
	pkt.Network = net
	pkt.CIAddr = byIP.IP

	lease, ours, _ := e.findLease(pkt)
	require.NotNil(t, lease)
	assert.False(t, ours)
	assert.Same(t, byIP, lease)
}

func TestFindLease_fallsBackToUIDThenHW(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}

	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	uid := []byte("client-1")

	byUID := &Lease{IP: netip.MustParseAddr("10.0.0.2"), UID: uid, Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, byUID, nil)
	byHW := &Lease{IP: netip.MustParseAddr("10.0.0.3"), HWAddr: hw, Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, byHW, nil)

	pkt := packetWithUID(uid, hw)
	pkt.Network = net

	lease, _, _ := e.findLease(pkt)
	require.NotNil(t, lease)
	assert.Same(t, byUID, lease)
}

func TestFindLease_abandonedRejectedUnlessReconfirmed(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}

	abandoned := &Lease{
		IP:    netip.MustParseAddr("10.0.0.3"),
		Ends:  now.Add(time.Hour),
		Flags: FlagAbandoned,
	}
	e.Index.Supersede(nil, abandoned, nil)

	in := NewOptionState()
	in.Supersede(UniverseDHCP, nil, OptRequestedIPAddress, []byte{10, 0, 0, 3})
	pkt := &Packet{In: in, MessageType: MessageRequest, Network: net}

	lease, ours, _ := e.findLease(pkt)
	require.NotNil(t, lease)
	assert.False(t, ours)
	assert.False(t, lease.IsAbandoned())
}

func TestFindLease_outOfPoolAuthoritativeRequestIsOurs(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	pool := NewPool("p", nil, []IPRange{{
		Start: netip.MustParseAddr("10.0.0.100"),
		End:   netip.MustParseAddr("10.0.0.200"),
	}})
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Pools: []*Pool{pool}}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}

	in := NewOptionState()
	in.Supersede(UniverseDHCP, nil, OptRequestedIPAddress, []byte{10, 0, 0, 50})
	pkt := &Packet{In: in, MessageType: MessageRequest, Network: net}

	lease, ours, reason := e.findLease(pkt)
	assert.Nil(t, lease)
	assert.True(t, ours)
	assert.NotEmpty(t, reason)
}

func TestFindLease_renewingUnknownAddressStaysSilent(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}

	pkt := &Packet{In: NewOptionState(), MessageType: MessageRequest, Network: net, CIAddr: netip.MustParseAddr("10.0.0.100")}

	lease, ours, reason := e.findLease(pkt)
	assert.Nil(t, lease)
	assert.False(t, ours)
	assert.Empty(t, reason)
}

func TestFindLease_staticLeaseSurvivesRepeatedRequests(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}
	hw := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	e.AddHost(&HostDecl{HWAddr: hw, FixedIP: netip.MustParseAddr("10.0.0.5"), HasFixed: true})

	pkt := packetWithUID(nil, hw)
	pkt.Network = net
	pkt.CIAddr = netip.MustParseAddr("10.0.0.5")

	first, ours, _ := e.findLease(pkt)
	require.NotNil(t, first)
	assert.False(t, ours)
	require.NoError(t, e.commitLease(first, true))

	second, ours, _ := e.findLease(pkt)
	require.NotNil(t, second, "a statically-bound client must be grantable on every request, not just the first")
	assert.False(t, ours)
	require.NoError(t, e.commitLease(second, true))

	_, indexed := e.Index.ByIP(netip.MustParseAddr("10.0.0.5"))
	assert.False(t, indexed, "a mock static lease must never be linked into the address index")
}

// forbidAllClass always rejects, modelling a pool whose permit-list
// excludes every client.
type forbidAllClass struct{}

func (forbidAllClass) Name() string               { return "forbid-all" }
func (forbidAllClass) Match(*Packet) bool          { return true }
func (forbidAllClass) Group() *Group               { return nil }
func (forbidAllClass) BillingClass() *BillingClass { return nil }

func TestFindLease_releasesStaleLeaseOnPoolPermitFailureWhenUnbound(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)

	pool := NewPool("p", nil, []IPRange{{
		Start: netip.MustParseAddr("10.0.0.1"),
		End:   netip.MustParseAddr("10.0.0.10"),
	}})
	pool.Prohibit = []ClassMatcher{forbidAllClass{}}
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Pools: []*Pool{pool}}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}

	uid := []byte("client-1")
	stale := &Lease{IP: netip.MustParseAddr("10.0.0.2"), UID: uid, Pool: pool, Ends: now.Add(time.Hour)}
	e.Index.Supersede(nil, stale, pool)

	pkt := packetWithUID(uid, mustMAC(t, "11:22:33:44:55:66"))
	pkt.Network = net
	// pkt.CIAddr left unset: the client is unbound.

	lease, _, _ := e.findLease(pkt)
	assert.Nil(t, lease)

	_, indexed := e.Index.ByIP(stale.IP)
	assert.False(t, indexed, "a pool-forbidden stale lease must be released back to the pool for an unbound client")
}

func TestFindLease_noCandidatesReturnsNilNotOurs(t *testing.T) {
	now := time.Unix(1000, 0)
	e := newTestEngine(t, now)
	subnet := &Subnet{Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	net := &SharedNetwork{Subnets: []*Subnet{subnet}}

	pkt := packetWithUID(nil, mustMAC(t, "11:22:33:44:55:66"))
	pkt.Network = net

	lease, ours, _ := e.findLease(pkt)
	assert.Nil(t, lease)
	assert.False(t, ours)
}
