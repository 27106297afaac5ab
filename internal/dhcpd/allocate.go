package dhcpd

import "net/netip"

// allocateLease implements allocate_lease: walk the shared network's
// pools in order, skipping pools the client's matched classes do not
// permit, preferring a never-issued address over a reclaimed one and a
// reclaimed expired lease over a reclaimed abandoned one, wherever in the
// network it is found.
//
// The historical algorithm threads this preference through recursion via an
// "ok" flag over a per-pool linked list that pre-exists one Lease record per
// address. This engine does not pre-allocate a Lease per pool address (that
// does not scale past small pools); instead it walks each pool's address
// ranges for a virgin (never-indexed) address directly, falling back to the
// pool's expiry-chain tail (its oldest-touched lease, matching the
// original's last_lease) exactly as before when no virgin address remains.
func (e *Engine) allocateLease(pkt *Packet) *Lease {
	net := pkt.Network
	if net == nil {
		return nil
	}

	var reusedFallback, abandonedFallback *Lease
	var reusedPool, abandonedPool *Pool

	for _, subnet := range net.Subnets {
		for _, pool := range subnet.Pools {
			if !pool.Permitted(pkt) {
				continue
			}

			if ip, ok := firstVirginAddress(pool); ok {
				return &Lease{IP: ip, Subnet: subnet, Pool: pool}
			}

			tail := pool.LastLease()
			if tail == nil {
				continue
			}
			if tail.Active(e.now()) {
				continue
			}
			if tail.IsAbandoned() {
				if abandonedFallback == nil {
					abandonedFallback, abandonedPool = tail, pool
				}
				continue
			}
			if len(tail.UID) > 0 || len(tail.HWAddr) > 0 {
				if reusedFallback == nil {
					reusedFallback, reusedPool = tail, pool
				}
				continue
			}

			return reclaim(tail, subnet, pool)
		}
	}

	if reusedFallback != nil {
		return reclaim(reusedFallback, reusedFallback.Subnet, reusedPool)
	}
	if abandonedFallback != nil {
		return reclaim(abandonedFallback, abandonedFallback.Subnet, abandonedPool)
	}

	return nil
}

// reclaim returns a fresh Lease value for l's address, stripped of its
// prior client identity, ready for allocate_lease's caller to populate and
// commit via ack_lease.
func reclaim(l *Lease, subnet *Subnet, pool *Pool) *Lease {
	return &Lease{IP: l.IP, Subnet: subnet, Pool: pool}
}

// firstVirginAddress returns the first address in pool's ranges that has
// never been indexed as a lease.
func firstVirginAddress(pool *Pool) (netip.Addr, bool) {
	var found netip.Addr
	ok := false
	pool.Walk(func(ip netip.Addr) bool {
		if _, member := pool.members[ip]; !member {
			found, ok = ip, true
			return false
		}
		return true
	})
	return found, ok
}
