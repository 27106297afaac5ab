package dhcpd

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/renameio/v2/maybe"
	"go.etcd.io/bbolt"
)

// leaseBucket is the single bbolt bucket holding every lease record, keyed
// by the lease's IP address string.
var leaseBucket = []byte("leases")

// snapshotPerm is the permission used for the renameio snapshot file.
const snapshotPerm fs.FileMode = 0o640

// LeaseStore persists lease state to a bbolt database, with an optional
// atomic JSON snapshot (written once at shutdown) via renameio for operators who want
// a portable export independent of the bbolt file format.
type LeaseStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// leaseRecord is the on-disk shape of a Lease, independent of the runtime
// Pool/Subnet pointers a Lease carries while the engine is running.
type leaseRecord struct {
	IP       netip.Addr `json:"ip"`
	Starts   time.Time  `json:"starts"`
	Ends     time.Time  `json:"ends"`
	HWAddr   string     `json:"hw_addr,omitempty"`
	UID      []byte     `json:"uid,omitempty"`
	Hostname string     `json:"hostname,omitempty"`
	Flags    LeaseFlags `json:"flags"`
}

func toRecord(l *Lease) leaseRecord {
	rec := leaseRecord{
		IP:       l.IP,
		Starts:   l.Starts,
		Ends:     l.Ends,
		UID:      l.UID,
		Hostname: l.Hostname,
		Flags:    l.Flags,
	}
	if len(l.HWAddr) > 0 {
		rec.HWAddr = l.HWAddr.String()
	}
	return rec
}

func (rec leaseRecord) toLease() (*Lease, error) {
	l := &Lease{
		IP:       rec.IP,
		Starts:   rec.Starts,
		Ends:     rec.Ends,
		UID:      rec.UID,
		Hostname: rec.Hostname,
		Flags:    rec.Flags,
	}
	if rec.HWAddr != "" {
		hw, err := net.ParseMAC(rec.HWAddr)
		if err != nil {
			return nil, errors.Annotate(err, "parsing hw addr: %w")
		}
		l.HWAddr = hw
	}
	return l, nil
}

// OpenLeaseStore opens (creating if necessary) the bbolt database at path.
func OpenLeaseStore(path string, logger *slog.Logger) (*LeaseStore, error) {
	db, err := bbolt.Open(path, 0o640, nil)
	if err != nil {
		return nil, errors.Annotate(err, "opening lease database: %w")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(leaseBucket)
		return createErr
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "initializing lease bucket: %w")
	}

	return &LeaseStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *LeaseStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Supersede persists the current state of l, overwriting any prior record
// at the same address.
func (s *LeaseStore) Supersede(l *Lease) error {
	buf, err := json.Marshal(toRecord(l))
	if err != nil {
		return errors.Annotate(err, "marshaling lease: %w")
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(leaseBucket).Put([]byte(l.IP.String()), buf)
	})
	if err != nil {
		return errors.Annotate(err, "storing lease %s: %w", l.IP)
	}

	return nil
}

// Delete removes the persisted record for ip, if any.
func (s *LeaseStore) Delete(ip netip.Addr) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(leaseBucket).Delete([]byte(ip.String()))
	})
	if err != nil {
		return errors.Annotate(err, "deleting lease %s: %w", ip)
	}
	return nil
}

// LoadAll returns every persisted lease record.
func (s *LeaseStore) LoadAll() ([]*Lease, error) {
	var leases []*Lease
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(leaseBucket).ForEach(func(_, v []byte) error {
			var rec leaseRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Annotate(err, "unmarshaling lease record: %w")
			}
			l, err := rec.toLease()
			if err != nil {
				return err
			}
			leases = append(leases, l)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Annotate(err, "loading leases: %w")
	}
	return leases, nil
}

// snapshotDoc is the shape written to the portable JSON snapshot file.
type snapshotDoc struct {
	Version int            `json:"version"`
	Leases  []leaseRecord `json:"leases"`
}

const snapshotVersion = 1

// Snapshot writes every currently persisted lease to path atomically, using
// renameio so a crash mid-write never leaves a truncated file behind.
func (s *LeaseStore) Snapshot(path string) error {
	if path == "" {
		return nil
	}

	leases, err := s.LoadAll()
	if err != nil {
		return err
	}

	doc := snapshotDoc{Version: snapshotVersion}
	for _, l := range leases {
		doc.Leases = append(doc.Leases, toRecord(l))
	}

	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Annotate(err, "marshaling snapshot: %w")
	}

	err = maybe.WriteFile(path, buf, snapshotPerm)
	if err != nil {
		return errors.Annotate(err, "writing snapshot %s: %w", path)
	}

	s.logger.Debug("wrote lease snapshot", "path", path, "leases", len(doc.Leases))

	return nil
}
