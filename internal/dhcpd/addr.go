package dhcpd

import "net/netip"

// nextAddr returns the address immediately following ip within its family,
// treating the all-ones address as having no successor (callers stop the
// walk themselves via the range's End, so overflow never needs to wrap).
func nextAddr(ip netip.Addr) netip.Addr {
	b := ip.As4()
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return netip.AddrFrom4(b)
		}
	}
	return ip
}
