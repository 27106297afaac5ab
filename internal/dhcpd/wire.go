package dhcpd

import (
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// Sentinel errors returned by the wire codec.
const (
	ErrShortPacket   = errors.Error("dhcpd: packet shorter than a BOOTP header")
	ErrBadHLen       = errors.Error("dhcpd: hardware address length out of range")
	ErrTruncatedOpt  = errors.Error("dhcpd: truncated option")
)

// Packet is a parsed BOOTP/DHCP datagram plus everything the request engine
// accumulates while processing it: classification, matched classes, and
// the option states used by the scope evaluator.
type Packet struct {
	Op    byte
	HType byte
	HLen  byte
	Hops  byte
	Xid   uint32
	Secs  uint16
	Flags uint16

	CIAddr netip.Addr
	YIAddr netip.Addr
	SIAddr netip.Addr
	GIAddr netip.Addr

	CHAddr net.HardwareAddr // HLen significant bytes only
	SName  string
	File   string

	// HasDHCPCookie is false for plain BOOTP requests: no magic cookie, no
	// options area at all.
	HasDHCPCookie bool
	MessageType   MessageType

	In  *OptionState
	Out *OptionState

	// Iface/SrcAddr describe the datagram's arrival, used by locate_network
	// and by reply routing (dhcp_reply).
	Iface   *net.Interface
	SrcAddr netip.AddrPort

	// Request-engine scratch state, filled in as do_packet progresses.
	Network  *SharedNetwork
	Subnet   *Subnet
	Classes  []ClassMatcher
	Known    bool
	Lease    *Lease

	RawAgent *AgentOptionList
}

// BroadcastFlag reports whether the client set the broadcast bit (RFC 2131
// §4.1), requesting the server reply to the all-ones address rather than
// YIAddr/CHAddr unicast.
func (p *Packet) BroadcastFlag() bool { return p.Flags&0x8000 != 0 }

// effectiveHLen clamps HLen before trusting CHAddr: a corrupt or hostile
// value longer than the 16-byte CHAddr field is truncated rather than
// trusted. (DoPacket itself drops such packets before parsing.)
func effectiveHLen(hlen byte) int {
	if hlen > 16 {
		return 16
	}
	return int(hlen)
}

// ParsePacket parses a raw UDP payload into a Packet. Header fields are
// always populated; Options parsing (and thus MessageType/In) only happens
// if the fixed area is long enough and carries the magic cookie - a
// cookie-less datagram is valid BOOTP with an empty option set. A datagram
// shorter than the fixed header returns ErrShortPacket.
func ParsePacket(raw []byte, iface *net.Interface, src netip.AddrPort) (*Packet, error) {
	if len(raw) < headerLen {
		return nil, ErrShortPacket
	}

	p := &Packet{Iface: iface, SrcAddr: src, In: NewOptionState(), Out: NewOptionState()}
	p.Op = raw[0]
	p.HType = raw[1]
	p.HLen = raw[2]
	p.Hops = raw[3]
	p.Xid = be32(raw[4:8])
	p.Secs = be16(raw[8:10])
	p.Flags = be16(raw[10:12])
	p.CIAddr = addr4(raw[12:16])
	p.YIAddr = addr4(raw[16:20])
	p.SIAddr = addr4(raw[20:24])
	p.GIAddr = addr4(raw[24:28])

	hlen := effectiveHLen(p.HLen)
	chaddr := make(net.HardwareAddr, hlen)
	copy(chaddr, raw[28:28+hlen])
	p.CHAddr = chaddr

	snameArea := raw[44:108]
	fileArea := raw[108:236]

	rest := raw[headerLen:]
	if len(rest) < 4 || !hasMagicCookie(rest) {
		// Plain BOOTP: no options area, sname/file are plain strings.
		p.SName = cstring(snameArea)
		p.File = cstring(fileArea)
		return p, nil
	}
	p.HasDHCPCookie = true
	optArea := rest[4:]

	overload, err := peekOverload(optArea)
	if err != nil {
		return nil, err
	}

	areas := [][]byte{optArea}
	if overload&overloadFile != 0 {
		areas = append(areas, fileArea)
	} else {
		p.File = cstring(fileArea)
	}
	if overload&overloadSname != 0 {
		areas = append(areas, snameArea)
	} else {
		p.SName = cstring(snameArea)
	}

	if err := parseOptionAreas(p, areas); err != nil {
		return nil, err
	}

	if oc, ok := p.In.Lookup(UniverseDHCP, OptDHCPMessageType); ok {
		if v, ok := oc.Evaluate(nil); ok && len(v) == 1 {
			p.MessageType = MessageType(v[0])
		}
	}

	return p, nil
}

// hasMagicCookie reports whether b begins with the DHCP magic cookie.
func hasMagicCookie(b []byte) bool {
	return len(b) >= 4 && b[0] == magicCookie[0] && b[1] == magicCookie[1] &&
		b[2] == magicCookie[2] && b[3] == magicCookie[3]
}

// peekOverload scans area for an Option-Overload (52) TLV without
// committing any bindings, since the overload value must be known before
// the file/sname areas can be folded into the same option parse.
func peekOverload(area []byte) (byte, error) {
	i := 0
	for i < len(area) {
		code := area[i]
		if code == byte(OptPad) {
			i++
			continue
		}
		if code == byte(OptEnd) {
			return 0, nil
		}
		if i+1 >= len(area) {
			return 0, ErrTruncatedOpt
		}
		length := int(area[i+1])
		if i+2+length > len(area) {
			return 0, ErrTruncatedOpt
		}
		if code == byte(OptOptionOverload) && length == 1 {
			return area[i+2], nil
		}
		i += 2 + length
	}
	return 0, nil
}

// parseOptionAreas walks each area in order, binding options into p.In. A
// single option's value may span multiple TLVs of the same code (RFC 3396):
// those are concatenated in arrival order before being stored.
func parseOptionAreas(p *Packet, areas [][]byte) error {
	// raw holds, per code, the concatenated value seen so far across every
	// area and every repeated TLV, preserving the historical "shared
	// backing buffer with trailing NUL" layout: callers that treat a value
	// as a C string can read one byte past Data's length safely because
	// buf always has one spare byte appended.
	raw := make(map[OptionCode][]byte)
	order := make([]OptionCode, 0, 16)

	for _, area := range areas {
		i := 0
		for i < len(area) {
			code := OptionCode(area[i])
			if code == OptPad {
				i++
				continue
			}
			if code == OptEnd {
				break
			}
			if i+1 >= len(area) {
				return ErrTruncatedOpt
			}
			length := int(area[i+1])
			if i+2+length > len(area) {
				return ErrTruncatedOpt
			}
			value := area[i+2 : i+2+length]
			if _, seen := raw[code]; !seen {
				order = append(order, code)
			}
			raw[code] = append(raw[code], value...)
			i += 2 + length
		}
	}

	for _, code := range order {
		value := raw[code]
		buf := make([]byte, len(value)+1) // +1 spare NUL for C-string-style reads
		copy(buf, value)

		if code == OptRelayAgentInformation {
			list, err := parseAgentOption(buf[:len(value)])
			if err != nil {
				return err
			}
			p.In.AddAgentOptions(list)
			p.RawAgent = list
			continue
		}

		p.In.Supersede(UniverseDHCP, nil, code, buf[:len(value)])
	}

	return nil
}

// parseAgentOption decodes a Relay-Agent-Information (82) option value
// into its sub-TLVs, keeping the verbatim bytes alongside for re-attachment
// to the reply (RFC 3046 §2.1 requires the server return it unmodified).
func parseAgentOption(value []byte) (*AgentOptionList, error) {
	list := &AgentOptionList{Raw: append([]byte(nil), value...)}
	i := 0
	for i < len(value) {
		if i+1 >= len(value) {
			return nil, ErrTruncatedOpt
		}
		code := OptionCode(value[i])
		length := int(value[i+1])
		if i+2+length > len(value) {
			return nil, ErrTruncatedOpt
		}
		sub := make([]byte, length)
		copy(sub, value[i+2:i+2+length])
		list.Subs = append(list.Subs, AgentSubOption{Code: code, Data: sub})
		i += 2 + length
	}
	return list, nil
}

// cstring trims b at its first NUL byte, or returns it unmodified if none
// is present, matching how BOOTP historically packed sname/file as
// fixed-width C strings.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func putBE16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func addr4(b []byte) netip.Addr {
	var a [4]byte
	copy(a[:], b)
	return netip.AddrFrom4(a)
}

func putAddr4(b []byte, a netip.Addr) {
	if !a.IsValid() {
		return
	}
	a4 := a.As4()
	copy(b, a4[:])
}

// ReplyHeader carries the fixed BOOTP fields a reply needs, independent of
// the request packet that is being answered so nak_lease and dhcp_reply can
// build one without a fully populated Lease.
type ReplyHeader struct {
	Op     byte
	HType  byte
	HLen   byte
	Xid    uint32
	Secs   uint16
	Flags  uint16
	CIAddr netip.Addr
	YIAddr netip.Addr
	SIAddr netip.Addr
	GIAddr netip.Addr
	CHAddr net.HardwareAddr
}

// Serialize assembles hdr and plan into a complete BOOTP/DHCP datagram,
// padded to at least bootpMinLen bytes per RFC 951's historical minimum.
func Serialize(hdr ReplyHeader, plan ReplyPlan) []byte {
	buf := make([]byte, headerLen, headerLen+len(magicCookie)+len(plan.Options)+fileLen+snameLen)

	buf[0] = hdr.Op
	buf[1] = hdr.HType
	buf[2] = hdr.HLen
	buf[3] = 0 // hops; a reply is never itself relayed further by this engine
	putBE32(buf[4:8], hdr.Xid)
	putBE16(buf[8:10], hdr.Secs)
	putBE16(buf[10:12], hdr.Flags)
	putAddr4(buf[12:16], hdr.CIAddr)
	putAddr4(buf[16:20], hdr.YIAddr)
	putAddr4(buf[20:24], hdr.SIAddr)
	putAddr4(buf[24:28], hdr.GIAddr)
	copy(buf[28:44], hdr.CHAddr)

	sname := make([]byte, snameLen)
	file := make([]byte, fileLen)
	if plan.Overload&overloadSname == 0 {
		copy(sname, plan.SName)
	}
	if plan.Overload&overloadFile == 0 {
		copy(file, plan.File)
	}
	copy(buf[44:108], sname)
	copy(buf[108:236], file)

	buf = append(buf, magicCookie[:]...)
	buf = append(buf, plan.Options...)

	if plan.Overload&overloadFile != 0 {
		fileArea := make([]byte, fileLen)
		copy(fileArea, plan.File)
		copy(buf[108:236], fileArea)
	}
	if plan.Overload&overloadSname != 0 {
		snameArea := make([]byte, snameLen)
		copy(snameArea, plan.SName)
		copy(buf[44:108], snameArea)
	}

	if len(buf) < bootpMinLen {
		buf = append(buf, make([]byte, bootpMinLen-len(buf))...)
	}

	return buf
}
