package dhcpd

import "github.com/AdguardTeam/golibs/timeutil"

// clockOrSystem returns c if non-nil, else the real wall clock. Engine
// construction defaults Clock to timeutil.SystemClock{}; tests substitute a
// fake to make lease expiry deterministic.
func clockOrSystem(c timeutil.Clock) timeutil.Clock {
	if c == nil {
		return timeutil.SystemClock{}
	}
	return c
}
