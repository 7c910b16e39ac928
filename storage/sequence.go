package storage

import "math"

// SerialSequence describes a cycling arithmetic sequence of serial numbers,
// matching a Postgres `CREATE SEQUENCE ... START s INCREMENT i MINVALUE 1
// CYCLE`. The offset and step only make serials harder to guess; they are
// not secret.
type SerialSequence struct {
	Start     int64
	Increment int64
}

// DefaultSerialSequence is the sequence created by the Postgres schema.
var DefaultSerialSequence = SerialSequence{Start: 2971215073, Increment: 233}

// Normalize clamps Start and Increment to 1, the smallest values a
// MINVALUE 1 ascending sequence accepts.
func (s SerialSequence) Normalize() SerialSequence {
	if s.Start < 1 {
		s.Start = 1
	}
	if s.Increment < 1 {
		s.Increment = 1
	}
	return s
}

// Nth returns the n-th value of the sequence, starting at n = 1. After
// passing math.MaxInt64 the sequence restarts at 1.
func (s SerialSequence) Nth(n uint64) int64 {
	if n == 0 {
		return 0
	}
	s = s.Normalize()
	inc := uint64(s.Increment)
	first := (uint64(math.MaxInt64)-uint64(s.Start))/inc + 1
	if n <= first {
		return s.Start + int64(n-1)*s.Increment
	}
	cycle := (uint64(math.MaxInt64)-1)/inc + 1
	return 1 + int64(((n-first-1)%cycle)*inc)
}
