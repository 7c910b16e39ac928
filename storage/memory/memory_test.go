package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnkeeper/storage"
	"github.com/jmcleod/ovpnkeeper/storage/memory"
	"github.com/jmcleod/ovpnkeeper/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s := memory.New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestWithSerialSequence_ZeroIncrement(t *testing.T) {
	s := memory.New(memory.WithSerialSequence(storage.SerialSequence{Start: 100}))

	var got []int64
	for range 3 {
		n, err := s.NextSerial(t.Context())
		require.NoError(t, err)
		got = append(got, n)
	}
	assert.Equal(t, []int64{100, 101, 102}, got)
}
