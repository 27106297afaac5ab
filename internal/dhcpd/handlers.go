package dhcpd

import (
	"bytes"
	"context"
	"net"
	"net/netip"
)

// dhcpDiscover handles a DISCOVER: find an existing eligible lease, or
// allocate a fresh one, then run it through ack_lease as an offer.
func (e *Engine) dhcpDiscover(ctx context.Context, pkt *Packet) {
	lease, _, _ := e.findLease(pkt)
	if lease == nil {
		lease = e.allocateLease(pkt)
		if lease == nil {
			e.Logger.InfoContext(ctx, "discover dropped", "chaddr", pkt.CHAddr, "err", errPoolExhausted)
			return
		}
	}
	e.ackLease(ctx, pkt, lease, true)
}

// dhcpRequest classifies the request per the REQUEST state table (the
// classification itself needs no extra bookkeeping: find_lease already
// enforces the same-network and same-client checks each state implies) and
// either ACKs, NAKs, or silently drops.
func (e *Engine) dhcpRequest(ctx context.Context, pkt *Packet) {
	lease, ours, reason := e.findLease(pkt)
	if lease == nil {
		if !ours {
			return
		}
		if !e.authoritativeFor(pkt) {
			e.Logger.DebugContext(ctx, "withholding nak", "chaddr", pkt.CHAddr, "err", errNotAuthoritative)
			return
		}
		e.nakLease(ctx, pkt, reason)
		return
	}
	e.ackLease(ctx, pkt, lease, false)
}

// authoritativeFor reports whether the engine should NAK on lease's behalf:
// the engine-wide flag or the packet's resolved network's group both opt
// in, matching config's `authoritative` statement being settable at any
// scope level.
func (e *Engine) authoritativeFor(pkt *Packet) bool {
	if e.Authoritative {
		return true
	}
	if pkt.Network != nil && pkt.Network.Group != nil {
		return pkt.Network.Group.Authoritative
	}
	return false
}

// dhcpDecline marks the referenced lease abandoned.
func (e *Engine) dhcpDecline(ctx context.Context, pkt *Packet) {
	if pkt.Network == nil {
		return
	}
	requestedIP, ok := requestedIPv4(pkt)
	if !ok {
		return
	}
	lease, found := e.Index.ByIP(requestedIP)
	if !found {
		return
	}
	lease.Flags |= FlagAbandoned
	_ = e.commitLease(lease, true)
	e.Logger.WarnContext(ctx, "client declined address", "ip", requestedIP, "chaddr", pkt.CHAddr)
}

// dhcpRelease releases the lease a client is giving up.
func (e *Engine) dhcpRelease(ctx context.Context, pkt *Packet) {
	uid := clientID(pkt)
	var lease *Lease
	if len(uid) > 0 {
		if candidates := e.Index.ByUID(uid); len(candidates) > 0 {
			lease = candidates[0]
		}
	}
	if lease == nil && pkt.CIAddr.IsValid() && !pkt.CIAddr.IsUnspecified() {
		lease, _ = e.Index.ByIP(pkt.CIAddr)
	}
	if lease == nil || !lease.Active(e.now()) {
		return
	}
	if !clientOwns(lease, uid, pkt.CHAddr) {
		e.Logger.WarnContext(ctx, "ignoring release", "ip", lease.IP, "err", errLeaseNotOurs)
		return
	}
	e.releaseLease(lease)
	e.Logger.DebugContext(ctx, "released lease", "ip", lease.IP, "chaddr", pkt.CHAddr)
}

// clientOwns reports whether lease was bound under the client identity
// presenting uid/hw, preferring a Client-Identifier match the way
// find_lease does and falling back to the hardware address.
func clientOwns(lease *Lease, uid []byte, hw net.HardwareAddr) bool {
	if len(uid) > 0 && len(lease.UID) > 0 {
		return bytes.Equal(lease.UID, uid)
	}
	return hwEqual(lease.HWAddr, hw)
}

// dhcpInform synthesises a reply option-set for a client that already has
// an address (statically configured outside DHCP) and only wants options,
// No lease is looked up or committed.
func (e *Engine) dhcpInform(ctx context.Context, pkt *Packet) {
	if pkt.Network == nil || !e.authoritativeFor(pkt) {
		return
	}

	chain := BuildScopeChain(e.Global, nil, nil, nil, nil)
	if subnet, ok := pkt.Network.SubnetFor(pkt.CIAddr); ok {
		chain = BuildScopeChain(e.Global, subnet.Group, nil, nil, nil)
	}
	evalCtx := &EvalContext{Packet: pkt, In: pkt.In, Out: pkt.Out}
	ApplyScopeChain(evalCtx, chain, pkt.Out)

	pkt.Out.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageAck)})

	dest := pkt.CIAddr
	if !dest.IsValid() || dest.IsUnspecified() {
		dest = pkt.SrcAddr.Addr()
	}

	hdr := ReplyHeader{
		Op: OpBootReply, HType: pkt.HType, HLen: pkt.HLen,
		Xid: pkt.Xid, Secs: pkt.Secs, Flags: pkt.Flags,
		CIAddr: pkt.CIAddr, GIAddr: pkt.GIAddr, CHAddr: pkt.CHAddr,
	}
	plan := e.consOptionsFor(pkt)
	raw := Serialize(hdr, plan)
	e.send(ctx, pkt, raw, netip.AddrPortFrom(dest, clientPort))
}

// consOptionsFor runs the reply assembler for pkt's current Out state.
func (e *Engine) consOptionsFor(pkt *Packet) ReplyPlan {
	mms := RequestedMaxMessageSize(pkt)
	priority := BuildPriorityList(pkt)
	evalCtx := &EvalContext{Packet: pkt, In: pkt.In, Out: pkt.Out}
	return ConsOptions(evalCtx, priority, mms, pkt.Out.LastAgentOptions(), 0)
}

// dhcpReply implements dhcp_reply: assemble the final datagram and
// route it per the destination table.
func (e *Engine) dhcpReply(ctx context.Context, pkt *Packet, lease *Lease, offer bool) {
	hdr := ReplyHeader{
		Op: OpBootReply, HType: pkt.HType, HLen: pkt.HLen,
		Xid: pkt.Xid, Secs: pkt.Secs, Flags: pkt.Flags,
		YIAddr: lease.IP, GIAddr: pkt.GIAddr, CHAddr: lease.HWAddr,
	}
	if !offer {
		hdr.CIAddr = pkt.CIAddr
	}
	if lease.state != nil {
		hdr.SIAddr = lease.state.SIAddr
	}

	plan := e.consOptionsFor(pkt)
	raw := Serialize(hdr, plan)

	if pkt.GIAddr.IsValid() && !pkt.GIAddr.IsUnspecified() {
		dst := netip.AddrPortFrom(pkt.GIAddr, serverPort)
		if e.FallbackSender != nil {
			_ = e.FallbackSender.Send(ctx, pkt.Iface, raw, dst)
			return
		}
		e.send(ctx, pkt, raw, dst)
		return
	}

	if !offer && pkt.CIAddr.IsValid() && !pkt.CIAddr.IsUnspecified() && !pkt.BroadcastFlag() {
		e.send(ctx, pkt, raw, netip.AddrPortFrom(pkt.CIAddr, clientPort))
		return
	}

	// Unicasting to yiaddr via a link-layer raw socket when the broadcast
	// flag is clear and no ARP entry exists yet needs a raw socket this
	// engine's PacketSender does not expose; broadcasting is the safe
	// fallback every DHCP client already knows to accept.
	e.send(ctx, pkt, raw, broadcastAddrPort)
}

// nakLease builds and routes a NAK reply. reason, if non-empty, is echoed
// back as the DHCP-Message option - the out-parameter replacement for the
// original's shared dhcp_message scratch buffer.
func (e *Engine) nakLease(ctx context.Context, pkt *Packet, reason string) {
	out := NewOptionState()
	out.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageNak)})
	if serverID, ok := e.serverIdentifierIfKnown(pkt); ok {
		b := make([]byte, 4)
		putAddr4(b, serverID)
		out.Supersede(UniverseDHCP, nil, OptServerIdentifier, b)
	}
	if reason != "" {
		out.Supersede(UniverseDHCP, nil, OptMessage, []byte(reason))
	}
	if requestedIP, ok := requestedIPv4(pkt); ok {
		b := make([]byte, 4)
		putAddr4(b, requestedIP)
		out.Supersede(UniverseDHCP, nil, OptRequestedIPAddress, b)
	}

	hdr := ReplyHeader{
		Op: OpBootReply, HType: pkt.HType, HLen: pkt.HLen,
		Xid: pkt.Xid, Flags: pkt.Flags | 0x8000, GIAddr: pkt.GIAddr, CHAddr: pkt.CHAddr,
	}

	evalCtx := &EvalContext{Packet: pkt, Out: out}
	plan := ConsOptions(evalCtx, mandatoryPriority, defaultMaxMessageSize, nil, 0)
	raw := Serialize(hdr, plan)

	if pkt.GIAddr.IsValid() && !pkt.GIAddr.IsUnspecified() {
		e.send(ctx, pkt, raw, netip.AddrPortFrom(pkt.GIAddr, serverPort))
		return
	}
	e.send(ctx, pkt, raw, broadcastAddrPort)
}

// serverIdentifierIfKnown returns the server identifier to use in a NAK,
// without requiring a lease (NAKs are sent when none is granted).
func (e *Engine) serverIdentifierIfKnown(pkt *Packet) (netip.Addr, bool) {
	if id, ok := serverIdentifier(pkt); ok {
		return id, true
	}
	addr := e.serverIdentifierFor(pkt, nil)
	return addr, addr.IsValid()
}

// send delegates to the engine's PacketSender, logging failures.
func (e *Engine) send(ctx context.Context, pkt *Packet, raw []byte, dst netip.AddrPort) {
	if e.Sender == nil {
		return
	}
	if err := e.Sender.Send(ctx, pkt.Iface, raw, dst); err != nil {
		e.Logger.WarnContext(ctx, "sending reply", "dst", dst, "err", err)
	}
}
