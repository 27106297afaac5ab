package dhcpd

import (
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the DHCP engine, loaded from
// YAML at startup.
type Config struct {
	// Networks describes every shared network the engine serves, keyed by
	// name. It must not be empty.
	Networks map[string]*NetworkConfig `yaml:"networks"`

	// Logger will be used to log DHCP events. It must not be nil.
	Logger *slog.Logger `yaml:"-"`

	// DBFilePath is the path to the bbolt-backed lease database. It must not
	// be empty.
	DBFilePath string `yaml:"db_file_path"`

	// SnapshotFilePath is an optional path for an atomic JSON snapshot of
	// the lease database, written with renameio at shutdown. Empty disables
	// snapshotting.
	SnapshotFilePath string `yaml:"snapshot_file_path"`

	// ICMPTimeout is how long ack_lease's ping-before-offer check waits for
	// an echo reply before declaring the address free. Zero disables the
	// check entirely.
	ICMPTimeout time.Duration `yaml:"icmp_timeout"`

	// Authoritative reports whether the engine should NAK requests for
	// addresses it knows to be wrong, rather than staying silent.
	Authoritative bool `yaml:"authoritative"`

	// Enabled is the state of the engine, whether it is enabled or not.
	Enabled bool `yaml:"enabled"`

	// Hosts lists static host declarations, independent of which network
	// they fall in (their fixed address determines that at build time).
	Hosts []*HostConfig `yaml:"hosts"`
}

var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	switch {
	case conf == nil:
		return errors.ErrNoValue
	case !conf.Enabled:
		return nil
	}

	errs := []error{
		validate.NotNegative("conf.ICMPTimeout", conf.ICMPTimeout),
		validate.NotEmpty("conf.DBFilePath", conf.DBFilePath),
		validate.NotNil("conf.Logger", conf.Logger),
	}

	if _, statErr := os.Stat(conf.DBFilePath); statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("conf.DBFilePath %q: %w", conf.DBFilePath, statErr))
	}

	if len(conf.Networks) == 0 {
		errs = append(errs, fmt.Errorf("conf.Networks: %w", errors.ErrEmptyValue))
		return errors.Join(errs...)
	}

	for _, name := range slices.Sorted(maps.Keys(conf.Networks)) {
		errs = validate.Append(errs, "conf.Networks."+name, conf.Networks[name])
	}

	return errors.Join(errs...)
}

// NetworkConfig describes one shared network: a set of subnets that share
// one allocation pool because they are reachable off the same segment.
type NetworkConfig struct {
	Subnets []*SubnetConfig `yaml:"subnets"`

	// DefaultLeaseTime is used when a client does not request one.
	DefaultLeaseTime time.Duration `yaml:"default_lease_time"`
	// MaxLeaseTime clamps any client-requested lease time.
	MaxLeaseTime time.Duration `yaml:"max_lease_time"`
	// MinLeaseTime clamps from below.
	MinLeaseTime time.Duration `yaml:"min_lease_time"`

	BootUnknownClients bool `yaml:"boot_unknown_clients"`
	AllowBootp         bool `yaml:"allow_bootp"`
	AllowBooting       bool `yaml:"allow_booting"`
	PingCheck          bool `yaml:"ping_check"`
	OneLeasePerClient  bool `yaml:"one_lease_per_client"`
	MinSecs            int  `yaml:"min_secs"`

	// NextServer is the boot-server address (siaddr) to hand out, e.g. for
	// a TFTP/PXE next-server. Empty means none configured.
	NextServer string `yaml:"next_server"`
}

var _ validate.Interface = (*NetworkConfig)(nil)

// Validate implements the [validate.Interface] interface for *NetworkConfig.
func (nc *NetworkConfig) Validate() (err error) {
	if nc == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNegative("DefaultLeaseTime", nc.DefaultLeaseTime),
		validate.NotNegative("MaxLeaseTime", nc.MaxLeaseTime),
		validate.NotNegative("MinLeaseTime", nc.MinLeaseTime),
	}

	if nc.NextServer != "" {
		if _, perr := netip.ParseAddr(nc.NextServer); perr != nil {
			errs = append(errs, fmt.Errorf("NextServer %q: %w", nc.NextServer, perr))
		}
	}

	if len(nc.Subnets) == 0 {
		errs = append(errs, fmt.Errorf("Subnets: %w", errors.ErrEmptyValue))
		return errors.Join(errs...)
	}

	for i, sc := range nc.Subnets {
		errs = validate.Append(errs, fmt.Sprintf("Subnets.%d", i), sc)
	}

	return errors.Join(errs...)
}

// SubnetConfig describes one IPv4 subnet and its allocation pools.
type SubnetConfig struct {
	Prefix string        `yaml:"prefix"`
	Pools  []*PoolConfig `yaml:"pools"`
}

var _ validate.Interface = (*SubnetConfig)(nil)

// Validate implements the [validate.Interface] interface for *SubnetConfig.
func (sc *SubnetConfig) Validate() (err error) {
	if sc == nil {
		return errors.ErrNoValue
	}

	errs := []error{validate.NotEmpty("Prefix", sc.Prefix)}
	if sc.Prefix != "" {
		if _, perr := netip.ParsePrefix(sc.Prefix); perr != nil {
			errs = append(errs, fmt.Errorf("Prefix %q: %w", sc.Prefix, perr))
		}
	}

	for i, pc := range sc.Pools {
		errs = validate.Append(errs, fmt.Sprintf("Pools.%d", i), pc)
	}

	return errors.Join(errs...)
}

// PoolConfig describes one contiguous allocation range within a subnet.
type PoolConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

var _ validate.Interface = (*PoolConfig)(nil)

// Validate implements the [validate.Interface] interface for *PoolConfig.
func (pc *PoolConfig) Validate() (err error) {
	if pc == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("Start", pc.Start),
		validate.NotEmpty("End", pc.End),
	}

	start, serr := netip.ParseAddr(pc.Start)
	if serr != nil {
		errs = append(errs, fmt.Errorf("Start %q: %w", pc.Start, serr))
	}
	end, eerr := netip.ParseAddr(pc.End)
	if eerr != nil {
		errs = append(errs, fmt.Errorf("End %q: %w", pc.End, eerr))
	}
	if serr == nil && eerr == nil && end.Less(start) {
		errs = append(errs, fmt.Errorf("End %q precedes Start %q", pc.End, pc.Start))
	}

	return errors.Join(errs...)
}

// HostConfig describes one static host declaration.
type HostConfig struct {
	Name      string `yaml:"name"`
	HWAddr    string `yaml:"hw_addr"`
	FixedAddr string `yaml:"fixed_address"`
}

var _ validate.Interface = (*HostConfig)(nil)

// Validate implements the [validate.Interface] interface for *HostConfig.
func (hc *HostConfig) Validate() (err error) {
	if hc == nil {
		return errors.ErrNoValue
	}

	errs := []error{validate.NotEmpty("Name", hc.Name)}
	if hc.HWAddr != "" {
		if _, perr := net.ParseMAC(hc.HWAddr); perr != nil {
			errs = append(errs, fmt.Errorf("HWAddr %q: %w", hc.HWAddr, perr))
		}
	}
	if hc.FixedAddr != "" {
		if _, perr := netip.ParseAddr(hc.FixedAddr); perr != nil {
			errs = append(errs, fmt.Errorf("FixedAddr %q: %w", hc.FixedAddr, perr))
		}
	}

	return errors.Join(errs...)
}

// ToGroup builds the runtime Group carrying nc's policy knobs. Option
// statements are added separately by the loader once the configuration's
// expression layer (outside this engine's scope) has evaluated them.
func (nc *NetworkConfig) ToGroup(name string) *Group {
	g := &Group{
		Name:               name,
		DefaultLeaseTime:   uint32(nc.DefaultLeaseTime / time.Second),
		MaxLeaseTime:       uint32(nc.MaxLeaseTime / time.Second),
		MinLeaseTime:       uint32(nc.MinLeaseTime / time.Second),
		BootUnknownClients: nc.BootUnknownClients,
		AllowBootp:         nc.AllowBootp,
		AllowBooting:       nc.AllowBooting,
		PingCheck:          nc.PingCheck,
		OneLeasePerClient:  nc.OneLeasePerClient,
		MinSecs:            uint16(nc.MinSecs),
	}
	if nc.NextServer != "" {
		g.NextServer, _ = netip.ParseAddr(nc.NextServer)
	}
	return g
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config: %w")
	}

	conf := &Config{}
	if err = yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Annotate(err, "parsing config: %w")
	}

	return conf, nil
}

// Build constructs a ready-to-run Engine from conf, wiring every shared
// network, subnet, pool, and static host declaration it describes. conf
// must already have passed [Config.Validate].
func Build(conf *Config) (*Engine, error) {
	if conf == nil {
		return nil, errNilConfig
	}
	if len(conf.Networks) == 0 {
		return nil, errNoNetworks
	}

	e := NewEngine(conf.Logger, nil)
	e.Authoritative = conf.Authoritative
	e.Global = &Group{Name: "global", Authoritative: conf.Authoritative}
	ApplyRFC1122Defaults(e.Global)

	if conf.ICMPTimeout > 0 {
		e.Checker = &ICMPChecker{Timeout: conf.ICMPTimeout, Logger: conf.Logger}
	}

	for _, name := range slices.Sorted(maps.Keys(conf.Networks)) {
		nc := conf.Networks[name]
		group := nc.ToGroup(name)
		net := &SharedNetwork{Name: name, Group: group}

		for _, sc := range nc.Subnets {
			prefix, perr := netip.ParsePrefix(sc.Prefix)
			if perr != nil {
				return nil, errors.Annotate(perr, "network %q subnet: %w", name)
			}
			subnet := &Subnet{Name: sc.Prefix, Prefix: prefix, Group: group, SharedNetwork: net}

			for _, pc := range sc.Pools {
				start, _ := netip.ParseAddr(pc.Start)
				end, _ := netip.ParseAddr(pc.End)
				pool := NewPool(pc.Start+"-"+pc.End, group, []IPRange{{Start: start, End: end}})
				subnet.Pools = append(subnet.Pools, pool)
			}

			net.Subnets = append(net.Subnets, subnet)
		}

		e.AddNetwork(net)
	}

	for _, hc := range conf.Hosts {
		host := &HostDecl{Name: hc.Name, Group: e.Global}
		if hc.HWAddr != "" {
			host.HWAddr, _ = net.ParseMAC(hc.HWAddr)
		}
		if hc.FixedAddr != "" {
			if addr, perr := netip.ParseAddr(hc.FixedAddr); perr == nil {
				host.FixedIP, host.HasFixed = addr, true
			}
		}
		e.AddHost(host)
	}

	return e, nil
}
