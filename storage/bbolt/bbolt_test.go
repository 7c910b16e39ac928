package bbolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnkeeper/storage"
	"github.com/jmcleod/ovpnkeeper/storage/storagetest"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(path, time.Second)
	require.NoError(t, err)
	return s
}

func TestBBoltStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s := newTestStore(t, filepath.Join(t.TempDir(), "devices.db"))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBBoltStore_Reopen(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "devices.db")

	s := newTestStore(t, path)
	serial, err := s.NextSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultSerialSequence.Start, serial)

	d, err := s.Create(ctx, storage.NewDevice{OwnerID: 1, Name: "laptop", SerialNumber: serial})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Ping(ctx)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	s = newTestStore(t, path)
	defer s.Close()

	next, err := s.NextSerial(ctx)
	require.NoError(t, err)
	assert.Equal(t, serial+storage.DefaultSerialSequence.Increment, next)

	got, err := s.Get(ctx, 1, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "laptop", got.Name)
}

func TestBBoltStore_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.db")
	s := newTestStore(t, path)
	defer s.Close()

	_, err := NewRepositoryFromFile(path, 50*time.Millisecond)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}
