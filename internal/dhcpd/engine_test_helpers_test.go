package dhcpd

import "time"

// fakeClock is a deterministic timeutil.Clock stand-in for lease-expiry tests.
type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }
