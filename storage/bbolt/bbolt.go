// Package bbolt provides a single-file device store backed by BBolt.
//
// Layout:
//
//	serials  sequence only; drives NextSerial
//	devices  rowseq (8B BE) -> JSON storage.Device, in insertion order
//	ids      device uuid (16B) -> rowseq
//	names    owner (8B BE) | name -> rowseq, non-removed devices only
//	owners   owner (8B BE) | rowseq -> empty, non-removed devices only
//	issued   serial (8B BE) -> rowseq
//
// Every write runs in a single bbolt transaction, which serialises writers,
// so the name and serial checks cannot race with the insert.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/jmcleod/ovpnkeeper/storage"
)

var (
	bucketSerials = []byte("serials")
	bucketDevices = []byte("devices")
	bucketIDs     = []byte("ids")
	bucketNames   = []byte("names")
	bucketOwners  = []byte("owners")
	bucketIssued  = []byte("issued")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	seq storage.SerialSequence
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSerialSequence overrides the default serial sequence. A non-positive
// start or increment is raised to 1.
func WithSerialSequence(seq storage.SerialSequence) Option {
	return func(s *Store) { s.seq = seq.Normalize() }
}

// NewRepository returns a Store backed by db, creating buckets as needed.
func NewRepository(db *bbolt.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, seq: storage.DefaultSerialSequence, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSerials, bucketDevices, bucketIDs, bucketNames, bucketOwners, bucketIssued} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return s, nil
}

// NewRepositoryFromFile opens (or creates) the database at path. timeout
// bounds the wait for the file lock held by another process.
func NewRepositoryFromFile(path string, timeout time.Duration, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, classify(fmt.Errorf("opening bbolt db: %w", err))
	}
	s, err := NewRepository(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps bbolt failures that mean "the store is not usable right now"
// to storage.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, berrors.ErrDatabaseNotOpen) || errors.Is(err, berrors.ErrTimeout) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	return classify(s.db.View(fn))
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	return classify(s.db.Update(fn))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func nameKey(owner int64, name string) []byte {
	return append(itob(uint64(owner)), name...)
}

func ownerKey(owner int64, row []byte) []byte {
	return append(itob(uint64(owner)), row...)
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) NextSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		n, err := tx.Bucket(bucketSerials).NextSequence()
		if err != nil {
			return err
		}
		serial = s.seq.Nth(n)
		return nil
	})
	return serial, err
}

func (s *Store) Count(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		prefix := itob(uint64(ownerID))
		c := tx.Bucket(bucketOwners).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) List(ctx context.Context, ownerID int64) ([]*storage.Device, error) {
	var out []*storage.Device
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		prefix := itob(uint64(ownerID))
		c := tx.Bucket(bucketOwners).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			d, err := decode(devices.Get(k[len(prefix):]))
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (s *Store) Create(ctx context.Context, nd storage.NewDevice) (*storage.Device, error) {
	var d *storage.Device
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketNames)
		issued := tx.Bucket(bucketIssued)
		nk := nameKey(nd.OwnerID, nd.Name)
		sk := itob(uint64(nd.SerialNumber))
		if names.Get(nk) != nil {
			return fmt.Errorf("%q: %w", nd.Name, storage.ErrDuplicateName)
		}
		if issued.Get(sk) != nil {
			return fmt.Errorf("%d: %w", nd.SerialNumber, storage.ErrDuplicateSerial)
		}

		devices := tx.Bucket(bucketDevices)
		seq, err := devices.NextSequence()
		if err != nil {
			return err
		}
		row := itob(seq)

		d = &storage.Device{
			ID:                 uuid.New(),
			OwnerID:            nd.OwnerID,
			Name:               nd.Name,
			PrivateKey:         nd.PrivateKey,
			CertificateRequest: nd.CertificateRequest,
			Certificate:        nd.Certificate,
			SerialNumber:       nd.SerialNumber,
			CreatedAt:          s.now().UTC(),
		}
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := devices.Put(row, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIDs).Put(d.ID[:], row); err != nil {
			return err
		}
		if err := names.Put(nk, row); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOwners).Put(ownerKey(nd.OwnerID, row), nil); err != nil {
			return err
		}
		return issued.Put(sk, row)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) Get(ctx context.Context, ownerID int64, id uuid.UUID) (*storage.Device, error) {
	var d *storage.Device
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		d, _, err = lookup(tx, ownerID, id)
		return err
	})
	return d, err
}

func (s *Store) Remove(ctx context.Context, ownerID int64, id uuid.UUID) (*storage.Device, error) {
	var d *storage.Device
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		found, row, err := lookup(tx, ownerID, id)
		if err != nil || found == nil {
			return err
		}
		found.Removed = true
		data, err := json.Marshal(found)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDevices).Put(row, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketNames).Delete(nameKey(found.OwnerID, found.Name)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOwners).Delete(ownerKey(found.OwnerID, row)); err != nil {
			return err
		}
		d = found
		return nil
	})
	return d, err
}

func (s *Store) RevokedSerials(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			d, err := decode(v)
			if err != nil {
				return err
			}
			if d.Removed {
				out = append(out, d.SerialNumber)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.view(ctx, func(*bbolt.Tx) error { return nil })
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// lookup returns the live device with id and its row key, or nil when it is
// unknown, removed or owned by someone else.
func lookup(tx *bbolt.Tx, ownerID int64, id uuid.UUID) (*storage.Device, []byte, error) {
	row := tx.Bucket(bucketIDs).Get(id[:])
	if row == nil {
		return nil, nil, nil
	}
	d, err := decode(tx.Bucket(bucketDevices).Get(row))
	if err != nil {
		return nil, nil, err
	}
	if d.OwnerID != ownerID || d.Removed {
		return nil, nil, nil
	}
	return d, append([]byte(nil), row...), nil
}

func decode(data []byte) (*storage.Device, error) {
	if data == nil {
		return nil, errors.New("dangling index entry")
	}
	var d storage.Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding device: %w", err)
	}
	return &d, nil
}
