package dhcpd

import (
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/google/gopacket/layers"
)

// rfc1122HostDefaults lists the RFC 1122 host-requirement option defaults a
// DHCP server is expected to hand out unless a scope overrides them,
// following Appendix A of RFC 2131.
func rfc1122HostDefaults() []layers.DHCPOption {
	opts := rfc1122IPPerHost()
	opts = append(opts, rfc1122IPPerInterface()...)
	opts = append(opts, rfc1122LinkPerInterface()...)
	opts = append(opts, rfc1122TCPPerHost()...)
	return opts
}

// rfc1122IPPerHost covers the IP-layer, per-host parameters of RFC 1122
// §3.3: gateway forwarding disabled, non-local source routing disabled, and
// the MTU/TTL/path-MTU-discovery knobs RFC 1191 and RFC 1122 recommend.
func rfc1122IPPerHost() []layers.DHCPOption {
	return []layers.DHCPOption{
		layers.NewDHCPOption(layers.DHCPOptIPForwarding, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptSourceRouting, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptDatagramMTU, []byte{0x2, 0x40}),
		layers.NewDHCPOption(layers.DHCPOptDefaultTTL, []byte{0x40}),
		layers.NewDHCPOption(layers.DHCPOptPathMTUAgingTimeout, []byte{0x0, 0x0, 0x2, 0x58}),
		layers.NewDHCPOption(layers.DHCPOptPathPlateuTableOption, []byte{
			0x0, 0x44, 0x1, 0x28, 0x1, 0xFC, 0x3, 0xEE, 0x5, 0xD4,
			0x7, 0xD2, 0x11, 0x0, 0x1F, 0xE6, 0x45, 0xFA,
		}),
	}
}

// rfc1122IPPerInterface covers the IP-layer, per-interface parameters of
// RFC 1122 §3.2-§3.3: no multihomed subnets assumed, mask discovery left to
// explicit options, router discovery enabled per RFC 1256.
func rfc1122IPPerInterface() []layers.DHCPOption {
	return []layers.DHCPOption{
		layers.NewDHCPOption(layers.DHCPOptAllSubsLocal, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptMaskDiscovery, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptMaskSupplier, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptRouterDiscovery, []byte{0x1}),
		layers.NewDHCPOption(layers.DHCPOptSolicitAddr, netutil.IPv4allrouter()),
		layers.NewDHCPOption(layers.DHCPOptBroadcastAddr, netutil.IPv4bcast()),
	}
}

// rfc1122LinkPerInterface covers the link-layer ARP defaults of RFC 1122
// §2.3: no trailer encapsulation, a one-minute ARP cache timeout, RFC 894
// framing.
func rfc1122LinkPerInterface() []layers.DHCPOption {
	return []layers.DHCPOption{
		layers.NewDHCPOption(layers.DHCPOptARPTrailers, []byte{0x0}),
		layers.NewDHCPOption(layers.DHCPOptARPTimeout, []byte{0x0, 0x0, 0x0, 0x3C}),
		layers.NewDHCPOption(layers.DHCPOptEthernetEncap, []byte{0x0}),
	}
}

// rfc1122TCPPerHost covers the TCP per-host defaults of RFC 1122 §4.2: a
// conservative fixed segment TTL and a two-hour keepalive interval.
func rfc1122TCPPerHost() []layers.DHCPOption {
	return []layers.DHCPOption{
		layers.NewDHCPOption(layers.DHCPOptTCPTTL, []byte{0x0, 0x0, 0x0, 0x3C}),
		layers.NewDHCPOption(layers.DHCPOptTCPKeepAliveInt, []byte{0x0, 0x0, 0x1C, 0x20}),
		layers.NewDHCPOption(layers.DHCPOptTCPKeepAliveGarbage, []byte{0x1}),
	}
}

// ApplyRFC1122Defaults appends one low-precedence default statement per
// RFC 1122 host-requirement option to group, so any scope beneath it can
// still override with a supersede without editing this list.
func ApplyRFC1122Defaults(group *Group) {
	for _, opt := range rfc1122HostDefaults() {
		group.Statements = append(group.Statements, Statement{
			Universe: UniverseDHCP,
			Code:     OptionCode(opt.Type),
			Op:       OpDefault,
			Value:    ConstExpr(append([]byte(nil), opt.Data...)),
		})
	}
}
