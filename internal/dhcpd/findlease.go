package dhcpd

import (
	"context"
	"net/netip"
)

// findLease resolves the lease a packet is referring to, following the
// find_lease. ours is set when the requested address belongs to this
// server but cannot be granted to this client - the caller uses that to
// decide between silently dropping and NAKing. reason is a human-readable
// explanation for a NAK, threaded out as a plain return value rather than
// through the shared scratch buffer the original reused per call.
func (e *Engine) findLease(pkt *Packet) (lease *Lease, ours bool, reason string) {
	net := pkt.Network
	if net == nil {
		return nil, false, ""
	}

	requestedIP, hasRequestedIP := requestedIPv4(pkt)
	cip := requestedIP
	if !hasRequestedIP {
		cip = pkt.CIAddr
	}
	uid := clientID(pkt)

	fixed := e.fixedLease(pkt, net, uid)
	uidLease := e.uidLease(pkt, net, uid)
	hwLease := e.hwLease(pkt, net, uid)
	ipLease := e.ipLease(pkt, net, cip, uid)

	if pkt.MessageType == MessageRequest && fixed != nil {
		if !cip.IsValid() || cip != fixed.IP {
			return nil, true, "requested address does not match your fixed address"
		}
	}

	if fixed != nil && ipLease != nil && ipLease != fixed && ipLease.Active(e.now()) {
		e.Logger.ErrorContext(context.Background(), "lease database conflict",
			"fixed_ip", fixed.IP, "ip_lease", ipLease.IP)
		return nil, false, "database conflict - call for help"
	}

	chosen := dedupeChoice(fixed, ipLease, uidLease, hwLease)

	// Release whichever unchosen dynamic candidates are stale, when the
	// client has no current binding.
	if !pkt.CIAddr.IsValid() || pkt.CIAddr.IsUnspecified() {
		for _, cand := range []*Lease{uidLease, hwLease, ipLease} {
			if cand != nil && cand != chosen && !cand.IsStatic() {
				e.Index.Release(cand)
			}
		}
	}

	if chosen == nil {
		// No lease record exists at all (e.g. the address was never
		// allocated, or falls outside every pool): if the client named it
		// explicitly via Requested-IP-Address and it still falls within
		// this network's authority, the caller must NAK rather than stay
		// silent, per the out-of-pool/authoritative case.
		if pkt.MessageType == MessageRequest && hasRequestedIP && net.Manages(requestedIP) {
			return nil, true, "requested address not available"
		}
		return nil, false, ""
	}

	if chosen.IsAbandoned() {
		if pkt.MessageType == MessageRequest && hasRequestedIP && requestedIP == chosen.IP {
			chosen.Flags &^= FlagAbandoned
			return chosen, false, ""
		}
		return nil, true, "requested address is abandoned"
	}

	return chosen, false, ""
}

// dedupeChoice applies the fixed > ip > uid > hw precedence, treating
// repeated pointers among the candidates as one.
func dedupeChoice(fixed, ip, uid, hw *Lease) *Lease {
	for _, cand := range []*Lease{fixed, ip, uid, hw} {
		if cand != nil {
			return cand
		}
	}
	return nil
}

// fixedLease looks up a host declaration by client-id or hardware address
// and, if it carries a fixed address on this shared network, synthesises a
// mock static lease for it.
func (e *Engine) fixedLease(pkt *Packet, net *SharedNetwork, uid []byte) *Lease {
	host := e.findHost(uid, pkt.CHAddr)
	if host == nil || !host.HasFixed {
		return nil
	}
	if _, ok := net.SubnetFor(host.FixedIP); !ok {
		return nil
	}
	return &Lease{
		IP:     host.FixedIP,
		Host:   host,
		HWAddr: pkt.CHAddr,
		UID:    uid,
		Flags:  FlagStatic,
		Ends:   maxTime,
	}
}

// findHost is the find_hosts_by_{uid,haddr} collaborator; engines without a
// configured host table simply return nil. Hosts are registered with
// AddHost.
func (e *Engine) findHost(uid []byte, hw []byte) *HostDecl {
	for _, h := range e.hosts() {
		if h.Matches(uid, hw) {
			return h
		}
	}
	return nil
}

func (e *Engine) hosts() []*HostDecl { return e.hostDecls }

// uidLease finds the by-client-id candidate, filtered to the current shared
// network and pool permit-list. A chain entry that fails the pool-permit
// check is stale for this client; release it back to its pool if the
// client holds no current binding, as the chain walk will not revisit it.
func (e *Engine) uidLease(pkt *Packet, net *SharedNetwork, uid []byte) *Lease {
	unbound := !pkt.CIAddr.IsValid() || pkt.CIAddr.IsUnspecified()
	for _, l := range e.Index.ByUID(uid) {
		if _, inNet := net.SubnetFor(l.IP); !inNet {
			continue
		}
		if l.Pool != nil && !l.Pool.Permitted(pkt) {
			if unbound && !l.IsStatic() {
				e.Index.Release(l)
			}
			continue
		}
		return l
	}
	return nil
}

// hwLease finds the by-hardware-address candidate, rejecting a match whose
// stored UID disagrees with the packet's current client-id. As with
// uidLease, a pool-permit rejection releases the stale entry when the
// client is currently unbound.
func (e *Engine) hwLease(pkt *Packet, net *SharedNetwork, uid []byte) *Lease {
	unbound := !pkt.CIAddr.IsValid() || pkt.CIAddr.IsUnspecified()
	for _, l := range e.Index.ByHW(pkt.CHAddr) {
		if len(uid) > 0 && len(l.UID) > 0 && string(uid) != string(l.UID) {
			continue
		}
		if _, inNet := net.SubnetFor(l.IP); !inNet {
			continue
		}
		if l.Pool != nil && !l.Pool.Permitted(pkt) {
			if unbound && !l.IsStatic() {
				e.Index.Release(l)
			}
			continue
		}
		return l
	}
	return nil
}

// ipLease finds the by-IP candidate, applying the wrong-network,
// different-client, pool-permit, and abandoned-lease rejection rules.
func (e *Engine) ipLease(pkt *Packet, net *SharedNetwork, cip netip.Addr, uid []byte) *Lease {
	if !cip.IsValid() || cip.IsUnspecified() {
		return nil
	}
	l, ok := e.Index.ByIP(cip)
	if !ok {
		return nil
	}
	if _, inNet := net.SubnetFor(l.IP); !inNet {
		return nil
	}
	if len(uid) > 0 && len(l.UID) > 0 && string(uid) != string(l.UID) {
		return nil
	}
	if len(uid) == 0 && len(l.HWAddr) > 0 && !hwEqual(l.HWAddr, pkt.CHAddr) {
		return nil
	}
	if l.Pool != nil && !l.Pool.Permitted(pkt) {
		return nil
	}
	requestedIP, hasRequestedIP := requestedIPv4(pkt)
	if l.IsAbandoned() && !(hasRequestedIP && requestedIP == l.IP && pkt.MessageType == MessageRequest) {
		return nil
	}
	return l
}
