package dhcpd

import (
	"net"
	"net/netip"
	"sync"
)

// LeaseIndex is the engine's secondary-index view over every dynamic lease:
// by address (unique), by client UID, and by hardware address. Static
// leases synthesized from a HostDecl's fixed-address clause are not linked
// here; find_lease consults HostDecl directly for those.
type LeaseIndex struct {
	mu    sync.Mutex
	byIP  map[netip.Addr]*Lease
	byUID map[string][]*Lease
	byHW  map[string][]*Lease
}

// NewLeaseIndex returns an empty index.
func NewLeaseIndex() *LeaseIndex {
	return &LeaseIndex{
		byIP:  make(map[netip.Addr]*Lease),
		byUID: make(map[string][]*Lease),
		byHW:  make(map[string][]*Lease),
	}
}

// ByIP returns the lease bound to ip, if any.
func (idx *LeaseIndex) ByIP(ip netip.Addr) (*Lease, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	l, ok := idx.byIP[ip]
	return l, ok
}

// ByUID returns every lease currently bound to the given client UID.
func (idx *LeaseIndex) ByUID(uid []byte) []*Lease {
	if len(uid) == 0 {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]*Lease(nil), idx.byUID[string(uid)]...)
}

// ByHW returns every lease currently bound to the given hardware address.
func (idx *LeaseIndex) ByHW(hw net.HardwareAddr) []*Lease {
	if len(hw) == 0 {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]*Lease(nil), idx.byHW[hw.String()]...)
}

// link adds l to every secondary index it qualifies for. Caller holds mu.
func (idx *LeaseIndex) link(l *Lease) {
	idx.byIP[l.IP] = l
	if len(l.UID) > 0 {
		key := string(l.UID)
		idx.byUID[key] = appendUnique(idx.byUID[key], l)
	}
	if len(l.HWAddr) > 0 {
		key := l.HWAddr.String()
		idx.byHW[key] = appendUnique(idx.byHW[key], l)
	}
}

// unlink removes l from every secondary index. Caller holds mu.
func (idx *LeaseIndex) unlink(l *Lease) {
	if idx.byIP[l.IP] == l {
		delete(idx.byIP, l.IP)
	}
	if len(l.UID) > 0 {
		key := string(l.UID)
		idx.byUID[key] = removeLease(idx.byUID[key], l)
		if len(idx.byUID[key]) == 0 {
			delete(idx.byUID, key)
		}
	}
	if len(l.HWAddr) > 0 {
		key := l.HWAddr.String()
		idx.byHW[key] = removeLease(idx.byHW[key], l)
		if len(idx.byHW[key]) == 0 {
			delete(idx.byHW, key)
		}
	}
}

func appendUnique(list []*Lease, l *Lease) []*Lease {
	for _, existing := range list {
		if existing == l {
			return list
		}
	}
	return append(list, l)
}

func removeLease(list []*Lease, l *Lease) []*Lease {
	for i, existing := range list {
		if existing == l {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Supersede replaces whatever lease occupies updated.IP (linking it fresh
// if new) and, if pool is non-nil, promotes it to the head of the pool's
// expiry chain. old, if non-nil, is unlinked from every index first - used
// when a lease's identity (UID/HWAddr) changes across the update.
func (idx *LeaseIndex) Supersede(old, updated *Lease, pool *Pool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old != nil && old != updated {
		idx.unlink(old)
		if old.Pool != nil {
			old.Pool.detach(old)
		}
	}
	idx.link(updated)
	if pool != nil {
		pool.promote(updated)
	}
}

// Release unlinks l from every index and its pool's expiry chain, without
// deleting any on-disk record - callers decide persistence separately.
func (idx *LeaseIndex) Release(l *Lease) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.unlink(l)
	if l.Pool != nil {
		l.Pool.detach(l)
	}
}

// Len returns the number of distinct IP addresses currently leased.
func (idx *LeaseIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byIP)
}
