// Package memory provides a thread-safe in-memory implementation of
// storage.Repository. Devices live in an append-only arena; removal only
// sets the tombstone flag. Suitable for tests, demos and single-process use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/ovpnkeeper/storage"
)

type nameKey struct {
	owner int64
	name  string
}

// Store is an in-memory device store.
type Store struct {
	mu      sync.RWMutex
	arena   []storage.Device
	byID    map[uuid.UUID]int
	byName  map[nameKey]int // non-removed devices only
	serials map[int64]struct{}

	seq     storage.SerialSequence
	counter atomic.Uint64
	closed  atomic.Bool
	now     func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSerialSequence overrides the default serial sequence. A non-positive
// start or increment is raised to 1.
func WithSerialSequence(seq storage.SerialSequence) Option {
	return func(s *Store) { s.seq = seq.Normalize() }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		byID:    make(map[uuid.UUID]int),
		byName:  make(map[nameKey]int),
		serials: make(map[int64]struct{}),
		seq:     storage.DefaultSerialSequence,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store closed", storage.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) NextSerial(ctx context.Context) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return s.seq.Nth(s.counter.Add(1)), nil
}

func (s *Store) Count(ctx context.Context, ownerID int64) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.byName {
		if k.owner == ownerID {
			n++
		}
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, ownerID int64) ([]*storage.Device, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Device
	for i := range s.arena {
		d := s.arena[i]
		if d.OwnerID == ownerID && !d.Removed {
			out = append(out, &d)
		}
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, nd storage.NewDevice) (*storage.Device, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nameKey{owner: nd.OwnerID, name: nd.Name}
	if _, taken := s.byName[key]; taken {
		return nil, fmt.Errorf("%q: %w", nd.Name, storage.ErrDuplicateName)
	}
	if _, taken := s.serials[nd.SerialNumber]; taken {
		return nil, fmt.Errorf("%d: %w", nd.SerialNumber, storage.ErrDuplicateSerial)
	}

	d := storage.Device{
		ID:                 uuid.New(),
		OwnerID:            nd.OwnerID,
		Name:               nd.Name,
		PrivateKey:         nd.PrivateKey,
		CertificateRequest: nd.CertificateRequest,
		Certificate:        nd.Certificate,
		SerialNumber:       nd.SerialNumber,
		CreatedAt:          s.now().UTC(),
	}
	idx := len(s.arena)
	s.arena = append(s.arena, d)
	s.byID[d.ID] = idx
	s.byName[key] = idx
	s.serials[d.SerialNumber] = struct{}{}
	return &d, nil
}

func (s *Store) Get(ctx context.Context, ownerID int64, id uuid.UUID) (*storage.Device, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.lookup(ownerID, id)
	if !ok {
		return nil, nil
	}
	d := s.arena[idx]
	return &d, nil
}

func (s *Store) Remove(ctx context.Context, ownerID int64, id uuid.UUID) (*storage.Device, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.lookup(ownerID, id)
	if !ok {
		return nil, nil
	}
	d := &s.arena[idx]
	d.Removed = true
	delete(s.byName, nameKey{owner: d.OwnerID, name: d.Name})
	out := *d
	return &out, nil
}

// lookup finds a live device. Callers hold s.mu.
func (s *Store) lookup(ownerID int64, id uuid.UUID) (int, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return 0, false
	}
	d := s.arena[idx]
	if d.OwnerID != ownerID || d.Removed {
		return 0, false
	}
	return idx, true
}

func (s *Store) RevokedSerials(ctx context.Context) ([]int64, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for i := range s.arena {
		if s.arena[i].Removed {
			out = append(out, s.arena[i].SerialNumber)
		}
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.check(ctx) }

// Close marks the store unavailable. Data is kept so a closed store can
// still be inspected in tests.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
