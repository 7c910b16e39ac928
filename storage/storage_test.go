package storage_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnkeeper/storage"
)

func TestSerialSequence_Nth(t *testing.T) {
	seq := storage.DefaultSerialSequence
	assert.Equal(t, int64(0), seq.Nth(0))
	assert.Equal(t, int64(2971215073), seq.Nth(1))
	assert.Equal(t, int64(2971215306), seq.Nth(2))
	assert.Equal(t, int64(2971215073+233*9), seq.Nth(10))

	small := storage.SerialSequence{Start: math.MaxInt64 - 5, Increment: 4}
	assert.Equal(t, int64(math.MaxInt64-5), small.Nth(1))
	assert.Equal(t, int64(math.MaxInt64-1), small.Nth(2))
	assert.Equal(t, int64(1), small.Nth(3))
	assert.Equal(t, int64(5), small.Nth(4))
}

func TestSerialSequence_NonPositiveStep(t *testing.T) {
	for _, seq := range []storage.SerialSequence{
		{Start: 10, Increment: 0},
		{Start: 10, Increment: -3},
	} {
		assert.Equal(t, storage.SerialSequence{Start: 10, Increment: 1}, seq.Normalize())
		assert.NotPanics(t, func() { seq.Nth(5) })
		assert.Equal(t, int64(10), seq.Nth(1))
		assert.Equal(t, int64(14), seq.Nth(5))
	}

	zero := storage.SerialSequence{}
	assert.Equal(t, int64(1), zero.Nth(1))
	assert.Equal(t, int64(2), zero.Nth(2))
}

func TestWaitUntilReady_EventuallySucceeds(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	err := storage.WaitUntilReady(t.Context(), probe, time.Second, 5*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	refused := errors.New("connection refused")
	probe := func(context.Context) error { return refused }

	start := time.Now()
	err := storage.WaitUntilReady(t.Context(), probe, 50*time.Millisecond, 10*time.Millisecond, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitUntilReady_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	probe := func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}

	err := storage.WaitUntilReady(t.Context(), probe, 0, time.Millisecond, nil)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}
