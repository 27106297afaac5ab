package dhcpd

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/go-ping/ping"
)

// AddressChecker decides whether an address is free to offer, used by
// ack_lease's ping-before-offer step. A timeout (no reply) means the
// address is presumed available.
type AddressChecker interface {
	Available(ctx context.Context, target netip.Addr) (avail bool)
}

// ICMPChecker sends a single ICMP echo request and treats the absence of a
// reply within Timeout as "address available". A zero Timeout disables the
// check entirely, matching the historical "ICMPTimeout == 0" opt-out.
type ICMPChecker struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ AddressChecker = (*ICMPChecker)(nil)

// Available implements [AddressChecker].
func (c *ICMPChecker) Available(ctx context.Context, target netip.Addr) (avail bool) {
	if c.Timeout == 0 {
		return true
	}

	pinger, err := ping.NewPinger(target.String())
	if err != nil {
		c.Logger.ErrorContext(ctx, "creating pinger", "target", target, slogutil.KeyError, err)
		return true
	}

	pinger.SetPrivileged(true)
	pinger.Timeout = c.Timeout
	pinger.Count = 1

	reply := false
	pinger.OnRecv = func(_ *ping.Packet) {
		reply = true
	}

	c.Logger.DebugContext(ctx, "sending icmp echo", "target", target)

	err = pinger.Run()
	if err != nil {
		c.Logger.ErrorContext(ctx, "running pinger", "target", target, slogutil.KeyError, err)
		return true
	}

	if reply {
		c.Logger.InfoContext(ctx, "address already in use", "target", target)
		return false
	}

	return true
}

// alwaysAvailable is the AddressChecker used when a network has no ICMP
// timeout configured; it skips the check outright rather than constructing
// a pinger that would immediately no-op anyway.
type alwaysAvailable struct{}

// Available implements [AddressChecker].
func (alwaysAvailable) Available(context.Context, netip.Addr) bool { return true }
