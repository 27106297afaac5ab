package dhcpd

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// ackLease implements the ack_lease pipeline: option materialisation,
// policy admission, billing, lease-time selection, database commit, and
// (for a non-static offer) an address-conflict check before the reply is
// finally sent. offer is true for an OFFER in response to DISCOVER, false
// for ACK/NAK-eligible REQUEST handling and for BOOTP.
func (e *Engine) ackLease(ctx context.Context, pkt *Packet, lease *Lease, offer bool) {
	if lease.state != nil {
		return
	}
	lease.state = &LeaseState{Request: pkt, Offer: offer}
	defer func() { lease.state = nil }()

	if pkt.RawAgent != nil {
		lease.AgentOptions = pkt.RawAgent
		pkt.Out.AddAgentOptions(pkt.RawAgent)
		pkt.RawAgent = nil
		pkt.In.agentLists = nil
	}

	chain := e.scopeChainFor(pkt, lease)
	group := EffectiveGroup(chain)
	evalCtx := &EvalContext{Packet: pkt, Lease: lease, In: pkt.In, Out: pkt.Out}
	ApplyScopeChain(evalCtx, chain, pkt.Out)

	if group.OneLeasePerClient && pkt.MessageType == MessageRequest {
		e.enforceOneLeasePerClient(lease)
	}

	if offer && group.MinSecs > 0 && pkt.Secs < group.MinSecs {
		return
	}

	if lease.Host == nil && !group.BootUnknownClients {
		return
	}
	if pkt.MessageType == MessageNone && !group.AllowBootp {
		return
	}
	if !group.AllowBooting {
		return
	}

	if !e.admitBilling(lease, pkt) {
		return
	}

	if name, ok := requestedHostname(pkt); ok {
		lease.Hostname = name
	}

	leaseSeconds := selectLeaseTime(group, pkt, lease)
	lease.Starts = e.now()
	lease.Ends = saturatingAdd(lease.Starts, leaseSeconds)

	commit := !offer || lease.IsStatic()
	if err := e.commitLease(lease, commit); err != nil {
		e.Logger.ErrorContext(ctx, "committing lease", "ip", lease.IP, slogutil.KeyError, err)
		return
	}

	e.populateReplyOptions(pkt, lease, group, leaseSeconds)

	if offer && !lease.IsStatic() && group.PingCheck {
		timeout := time.Duration(group.PingTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = time.Second
		}
		e.outstandingPings.Add(1)
		avail := e.Checker.Available(ctx, lease.IP)
		e.outstandingPings.Add(-1)
		if !avail {
			lease.Flags |= FlagAbandoned
			e.Logger.WarnContext(ctx, "address conflict detected, abandoning lease", "ip", lease.IP)
			_ = e.commitLease(lease, true)
			return
		}
	}

	e.dhcpReply(ctx, pkt, lease, offer)
}

// scopeChainFor builds the applicable scope chain for pkt/lease: global,
// subnet, pool, matched classes (reverse order), host declaration.
func (e *Engine) scopeChainFor(pkt *Packet, lease *Lease) []*Group {
	var subnetGroup, poolGroup, hostGroup *Group
	if lease.Subnet != nil {
		subnetGroup = lease.Subnet.Group
	}
	if lease.Pool != nil {
		poolGroup = lease.Pool.Group
	}
	if lease.Host != nil {
		hostGroup = lease.Host.Group
	}

	classGroups := make([]*Group, 0, len(pkt.Classes))
	for _, c := range pkt.Classes {
		classGroups = append(classGroups, c.Group())
	}

	return BuildScopeChain(e.Global, subnetGroup, poolGroup, classGroups, hostGroup)
}

// enforceOneLeasePerClient releases every other lease bound to the same
// client identity as lease.
func (e *Engine) enforceOneLeasePerClient(lease *Lease) {
	for _, l := range e.Index.ByUID(lease.UID) {
		if l != lease {
			e.releaseLease(l)
		}
	}
	for _, l := range e.Index.ByHW(lease.HWAddr) {
		if l != lease {
			e.releaseLease(l)
		}
	}
}

// admitBilling applies step 9: move lease off a billing class the packet no
// longer belongs to, then try to bill it to one with room, failing closed
// if every candidate class is at its limit.
func (e *Engine) admitBilling(lease *Lease, pkt *Packet) bool {
	if lease.BillingClass != nil {
		stillMatches := false
		for _, c := range pkt.Classes {
			if c.BillingClass() == lease.BillingClass {
				stillMatches = true
				break
			}
		}
		if !stillMatches {
			lease.BillingClass.Unbill(lease)
			lease.BillingClass = nil
		}
	}

	if lease.BillingClass != nil {
		return true
	}

	limited := false
	for _, c := range pkt.Classes {
		bc := c.BillingClass()
		if bc == nil {
			continue
		}
		limited = true
		if !bc.UnderLimit() {
			continue
		}
		bc.Bill(lease)
		return true
	}

	return !limited
}

const (
	defaultLeaseTimeSeconds uint32 = 43200
	minTimeoutSeconds       uint32 = 1
)

// selectLeaseTime implements step 10: default, client-requested, then
// clamped to [min-lease-time, max-lease-time].
func selectLeaseTime(group *Group, pkt *Packet, lease *Lease) uint32 {
	if lease.IsStatic() || lease.Flags.has(FlagBootp) {
		return 0 // caller saturates this to maxTime
	}

	t := group.DefaultLeaseTime
	if t == 0 {
		t = defaultLeaseTimeSeconds
	}

	if oc, ok := pkt.In.Lookup(UniverseDHCP, OptIPAddressLeaseTime); ok {
		if v, ok := oc.Evaluate(nil); ok && len(v) == 4 {
			t = be32(v)
		}
	}

	if group.MaxLeaseTime > 0 && t > group.MaxLeaseTime {
		t = group.MaxLeaseTime
	}
	if group.MinLeaseTime > 0 && t < group.MinLeaseTime {
		t = group.MinLeaseTime
	}
	if t < minTimeoutSeconds {
		t = minTimeoutSeconds
	}

	return t
}

// saturatingAdd adds seconds to start without overflowing time.Time's
// internal representation; seconds == 0 means "infinite" (maxTime).
func saturatingAdd(start time.Time, seconds uint32) time.Time {
	if seconds == 0 {
		return maxTime
	}
	end := start.Add(time.Duration(seconds) * time.Second)
	if end.Before(start) {
		return maxTime
	}
	return end
}

// commitLease writes lease into the index and, if commit, persists it. A
// static lease is a mock built fresh by fixedLease on every call and is
// never linked into a secondary index or written to the database - doing
// so would let the next packet's freshly synthesised mock collide with
// the previous call's now-indexed one under ipLease's by-address lookup.
func (e *Engine) commitLease(lease *Lease, commit bool) error {
	if lease.IsStatic() {
		return nil
	}
	var old *Lease
	if existing, ok := e.Index.ByIP(lease.IP); ok {
		old = existing
	}
	e.Index.Supersede(old, lease, lease.Pool)
	if commit && e.Store != nil {
		if err := e.Store.Supersede(lease); err != nil {
			return errors.Annotate(err, "%s: %w", errDBWrite)
		}
	}
	return nil
}

// releaseLease unlinks a lease and, if persisted, removes its record.
func (e *Engine) releaseLease(l *Lease) {
	e.Index.Release(l)
	if e.Store != nil {
		_ = e.Store.Delete(l.IP)
	}
	if l.BillingClass != nil {
		l.BillingClass.Unbill(l)
	}
}

// populateReplyOptions implements step 12-14: the fields every successful
// reply carries regardless of message type.
func (e *Engine) populateReplyOptions(pkt *Packet, lease *Lease, group *Group, leaseSeconds uint32) {
	msgType := MessageAck
	if lease.state != nil && lease.state.Offer {
		msgType = MessageOffer
	}
	pkt.Out.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(msgType)})

	serverID := e.serverIdentifierFor(pkt, group)
	if serverID.IsValid() {
		b := make([]byte, 4)
		putAddr4(b, serverID)
		pkt.Out.Default(UniverseDHCP, nil, OptServerIdentifier, b)
	}

	if lease.state != nil {
		siaddr := group.NextServer
		if !siaddr.IsValid() {
			siaddr = serverID
		}
		lease.state.SIAddr = siaddr
	}

	if leaseSeconds > 0 {
		lt := make([]byte, 4)
		putBE32(lt, leaseSeconds)
		pkt.Out.Supersede(UniverseDHCP, nil, OptIPAddressLeaseTime, lt)

		renew := make([]byte, 4)
		putBE32(renew, leaseSeconds/2)
		pkt.Out.Default(UniverseDHCP, nil, OptRenewalTimeValue, renew)

		rebind := make([]byte, 4)
		putBE32(rebind, leaseSeconds*7/8)
		pkt.Out.Default(UniverseDHCP, nil, OptRebindingTimeValue, rebind)
	}

	if lease.Subnet != nil && lease.Subnet.Prefix.IsValid() {
		mask := prefixMask(lease.Subnet.Prefix)
		pkt.Out.Default(UniverseDHCP, nil, OptSubnetMask, mask)
	}

	if hostname, ok := e.hostnameFor(lease); ok {
		pkt.Out.Default(UniverseDHCP, nil, OptHostName, []byte(hostname))
	}
}

// requestedHostname returns the client's Host-Name option if present and
// well-formed. If the option is absent or fails to evaluate, the caller
// must leave the lease's recorded hostname unchanged rather than clearing
// it.
func requestedHostname(pkt *Packet) (string, bool) {
	oc, ok := pkt.In.Lookup(UniverseDHCP, OptHostName)
	if !ok {
		return "", false
	}
	v, ok := oc.Evaluate(nil)
	if !ok || len(v) == 0 {
		return "", false
	}
	return string(v), true
}

// hostnameFor consults the engine's HostnameResolver collaborator, falling
// back to the lease's own Hostname field.
func (e *Engine) hostnameFor(lease *Lease) (string, bool) {
	if e.HostnameResolver != nil {
		if name, ok := e.HostnameResolver(lease); ok {
			return name, true
		}
	}
	if lease.Hostname != "" {
		return lease.Hostname, true
	}
	return "", false
}

// serverIdentifierFor returns the scope-configured server identifier if
// bound, else the receiving interface's address.
func (e *Engine) serverIdentifierFor(pkt *Packet, _ *Group) netip.Addr {
	if id, ok := serverIdentifier(pkt); ok {
		return id
	}
	if pkt.Iface != nil {
		addrs, err := pkt.Iface.Addrs()
		if err == nil {
			for _, a := range addrs {
				if ipNet, ok := a.(*net.IPNet); ok {
					if ip4 := ipNet.IP.To4(); ip4 != nil {
						return addr4(ip4)
					}
				}
			}
		}
	}
	return netip.Addr{}
}

// prefixMask renders p's network mask as four bytes.
func prefixMask(p netip.Prefix) []byte {
	bits := p.Bits()
	mask := net.CIDRMask(bits, 32)
	return []byte(mask)
}
