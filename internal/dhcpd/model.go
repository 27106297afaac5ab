package dhcpd

import (
	"net"
	"net/netip"
	"time"
)

// LeaseFlags records boolean lease state that does not fit the
// Starts/Ends/Host triple cleanly.
type LeaseFlags uint8

const (
	FlagStatic LeaseFlags = 1 << iota
	FlagBootp
	FlagAbandoned
	FlagOffered
)

func (f LeaseFlags) has(bit LeaseFlags) bool { return f&bit != 0 }

// Lease is one IP address's binding record, linked into at most one Pool's
// expiry chain and the engine's LeaseIndex secondary indexes at a time.
type Lease struct {
	IP     netip.Addr
	Starts time.Time
	Ends   time.Time

	HWAddr net.HardwareAddr
	UID    []byte

	Hostname string
	Flags    LeaseFlags

	Subnet       *Subnet
	Pool         *Pool
	Host         *HostDecl
	BillingClass *BillingClass

	// AgentOptions is "theft" storage: agent sub-options transferred off the
	// request that earned this lease, owned by the lease from that point on.
	AgentOptions *AgentOptionList

	// pool expiry chain; next is the less recently touched neighbor (closer
	// to tail / last_lease), prev the more recently touched one (closer to
	// head).
	next, prev *Lease

	// state is non-nil while an ack_lease call is in flight for this lease
	// (e.g. awaiting an ICMP echo timeout), forbidding re-entry from
	// another DISCOVER for the same client.
	state *LeaseState
}

// LeaseState is the transient in-flight reply material ack_lease threads
// across its ping-before-offer suspension point.
type LeaseState struct {
	Request *Packet
	Offer   bool

	// SIAddr is the siaddr computed by populateReplyOptions (next-server
	// option if set, else the server identifier), threaded through to
	// dhcpReply's header build.
	SIAddr netip.Addr
}

// IsStatic reports whether l comes from a host declaration's fixed-address
// clause rather than a pool.
func (l *Lease) IsStatic() bool { return l.Flags.has(FlagStatic) }

// IsAbandoned reports whether l is marked unusable after a DECLINE or a
// failed ping check.
func (l *Lease) IsAbandoned() bool { return l.Flags.has(FlagAbandoned) }

// Active reports whether l has not yet expired as of now.
func (l *Lease) Active(now time.Time) bool {
	return l.Ends.After(now)
}

// Clone returns a deep-enough copy of l suitable for building a candidate
// update without mutating the index's copy until Supersede commits it.
func (l *Lease) Clone() *Lease {
	if l == nil {
		return nil
	}
	cp := *l
	cp.next, cp.prev = nil, nil
	if l.HWAddr != nil {
		cp.HWAddr = append(net.HardwareAddr(nil), l.HWAddr...)
	}
	if l.UID != nil {
		cp.UID = append([]byte(nil), l.UID...)
	}
	return &cp
}

// Pool is a contiguous range of addresses sharing a Group and an expiry
// chain. head is the most recently committed lease (reused last), tail is
// last_lease - the one allocate_lease should reclaim first if it is free.
type Pool struct {
	Name     string
	Group    *Group
	Ranges   []IPRange
	Permit   []ClassMatcher
	Prohibit []ClassMatcher

	head, tail *Lease
	members    map[netip.Addr]*Lease
}

// NewPool returns an empty pool covering ranges.
func NewPool(name string, group *Group, ranges []IPRange) *Pool {
	return &Pool{Name: name, Group: group, Ranges: ranges, members: make(map[netip.Addr]*Lease)}
}

// Contains reports whether ip falls within one of the pool's ranges.
func (p *Pool) Contains(ip netip.Addr) bool {
	for _, r := range p.Ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// Permitted reports whether pkt's matched classes allow it to draw from p:
// any Prohibit match rejects outright, otherwise an empty Permit list
// allows everyone, else at least one Permit match is required.
func (p *Pool) Permitted(pkt *Packet) bool {
	for _, m := range p.Prohibit {
		if m.Match(pkt) {
			return false
		}
	}
	if len(p.Permit) == 0 {
		return true
	}
	for _, m := range p.Permit {
		if m.Match(pkt) {
			return true
		}
	}
	return false
}

// attach links l at the head of the pool's expiry chain (most recently
// touched) and indexes it by address.
func (p *Pool) attach(l *Lease) {
	l.Pool = p
	l.prev = nil
	l.next = p.head
	if p.head != nil {
		p.head.prev = l
	}
	p.head = l
	if p.tail == nil {
		p.tail = l
	}
	if p.members == nil {
		p.members = make(map[netip.Addr]*Lease)
	}
	p.members[l.IP] = l
}

// detach unlinks l from the pool's expiry chain and membership index. It is
// a no-op if l is not currently a member of p.
func (p *Pool) detach(l *Lease) {
	if p.members == nil || p.members[l.IP] != l {
		return
	}
	if l.prev != nil {
		l.prev.next = l.next
	} else {
		p.head = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	} else {
		p.tail = l.prev
	}
	l.next, l.prev = nil, nil
	delete(p.members, l.IP)
}

// promote moves l to the head of the expiry chain without touching the
// membership index, used on every lease commit so the chain stays ordered
// newest-touched-first and last_lease (tail) is always the next reclaim
// candidate.
func (p *Pool) promote(l *Lease) {
	if p.head == l {
		return
	}
	p.detach(l)
	p.attach(l)
}

// LastLease returns the pool's reclaim candidate (the tail of the expiry
// chain), or nil if the pool holds no leases.
func (p *Pool) LastLease() *Lease { return p.tail }

// ByAddr returns the lease bound to ip within this pool, if any.
func (p *Pool) ByAddr(ip netip.Addr) (*Lease, bool) {
	l, ok := p.members[ip]
	return l, ok
}

// Walk calls fn for every address in the pool's ranges in order, stopping
// early if fn returns false. Used by allocate_lease's free-address scan.
func (p *Pool) Walk(fn func(netip.Addr) bool) {
	for _, r := range p.Ranges {
		for ip := r.Start; r.Contains(ip); ip = nextAddr(ip) {
			if !fn(ip) {
				return
			}
			if ip == r.End {
				break
			}
		}
	}
}

// IPRange is an inclusive [Start, End] address range within one address
// family.
type IPRange struct {
	Start, End netip.Addr
}

// Contains reports whether ip lies within r, inclusive.
func (r IPRange) Contains(ip netip.Addr) bool {
	return ip.IsValid() && !ip.Less(r.Start) && !r.End.Less(ip)
}

// Subnet groups pools sharing an IP prefix and a Group.
type Subnet struct {
	Name          string
	Prefix        netip.Prefix
	Group         *Group
	Pools         []*Pool
	SharedNetwork *SharedNetwork
}

// SharedNetwork is the locate_network unit: one or more subnets reachable
// off the same physical segment, sharing a pool of addresses to allocate
// from regardless of which subnet a given request's giaddr names.
type SharedNetwork struct {
	Name    string
	Subnets []*Subnet
	Group   *Group
}

// SubnetFor returns the subnet in n whose prefix contains ip, if any.
func (n *SharedNetwork) SubnetFor(ip netip.Addr) (*Subnet, bool) {
	for _, s := range n.Subnets {
		if s.Prefix.Contains(ip) {
			return s, true
		}
	}
	return nil, false
}

// Manages reports whether ip falls within n's authority: either a subnet
// prefix n serves, or explicitly within one of its pools' ranges (a pool
// may be configured with a range outside its subnet's own prefix). An
// address matching neither is not this network's to NAK or grant.
func (n *SharedNetwork) Manages(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	if _, ok := n.SubnetFor(ip); ok {
		return true
	}
	for _, s := range n.Subnets {
		for _, p := range s.Pools {
			if p.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// HostDecl is a static host declaration: a client identity (by UID or
// hardware address) bound to a fixed address and/or group of options.
type HostDecl struct {
	Name     string
	UID      []byte
	HWAddr   net.HardwareAddr
	FixedIP  netip.Addr
	HasFixed bool
	Group    *Group
	Next     *HostDecl // multi-homed declarations sharing one identity
}

// Matches reports whether pkt's client identity (uid if present, else
// chaddr) matches h.
func (h *HostDecl) Matches(uid []byte, hw net.HardwareAddr) bool {
	if len(h.UID) > 0 {
		return len(uid) > 0 && string(uid) == string(h.UID)
	}
	return len(h.HWAddr) > 0 && hwEqual(h.HWAddr, hw)
}

func hwEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// BillingClass caps the number of simultaneously active leases a set of
// clients may hold, independent of pool capacity.
type BillingClass struct {
	Name       string
	LeaseLimit int

	leases map[netip.Addr]*Lease
}

// Count returns the number of leases currently billed to c.
func (c *BillingClass) Count() int { return len(c.leases) }

// Bill records l against c's lease count.
func (c *BillingClass) Bill(l *Lease) {
	if c.leases == nil {
		c.leases = make(map[netip.Addr]*Lease)
	}
	c.leases[l.IP] = l
	l.BillingClass = c
}

// Unbill removes l from c's lease count.
func (c *BillingClass) Unbill(l *Lease) {
	if c.leases != nil {
		delete(c.leases, l.IP)
	}
}

// UnderLimit reports whether c has room for one more lease.
func (c *BillingClass) UnderLimit() bool {
	return c.LeaseLimit <= 0 || c.Count() < c.LeaseLimit
}

// ClassMatcher decides whether a packet belongs to a client class. Classes
// are matched in configuration order and the resulting list of matched
// Groups is threaded onto the Packet for the scope evaluator to apply in
// reverse (see BuildScopeChain).
type ClassMatcher interface {
	Name() string
	Match(pkt *Packet) bool
	Group() *Group
	BillingClass() *BillingClass
}
