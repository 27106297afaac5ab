package dhcpd

import "github.com/AdguardTeam/golibs/errors"

// Sentinel errors returned by the engine and its configuration layer.
const (
	errNilConfig        errors.Error = "dhcpd: nil config"
	errNoNetworks       errors.Error = "dhcpd: no shared networks configured"
	errNoLeaseIndex     errors.Error = "dhcpd: engine has no lease index"
	errPoolExhausted    errors.Error = "dhcpd: pool exhausted"
	errNotAuthoritative errors.Error = "dhcpd: not authoritative for this network"
	errLeaseNotOurs     errors.Error = "dhcpd: lease does not belong to requesting client"
)
