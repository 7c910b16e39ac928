package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/jmcleod/ovpnkeeper/internal/logs"
)

// DefaultProbeInterval is the pause between readiness probes.
const DefaultProbeInterval = 500 * time.Millisecond

// Probe is a lightweight liveness check against a store.
type Probe func(ctx context.Context) error

// WaitUntilReady runs probe at a fixed interval until it succeeds or maxWait
// elapses. On timeout it returns ErrUnavailable wrapping the last probe
// error. A non-positive maxWait probes exactly once.
func WaitUntilReady(ctx context.Context, probe Probe, maxWait, interval time.Duration, log logrus.FieldLogger) error {
	if log == nil {
		log = logs.Discard()
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	} else {
		b = backoff.WithMaxRetries(b, 0)
	}

	var (
		attempts int
		last     error
	)
	op := func() error {
		attempts++
		err := probe(ctx)
		if err != nil {
			last = err
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("attempt", attempts).Debugf("storage not ready, retrying in %s", next)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil {
		// RetryNotify reports ctx.Err() once the deadline passes; the probe
		// error is the useful one.
		if last == nil {
			last = err
		}
		log.WithError(last).WithField("attempts", attempts).Error("storage did not become ready")
		return fmt.Errorf("%w: not ready after %d attempt(s): %v", ErrUnavailable, attempts, last)
	}
	log.WithField("attempts", attempts).Info("storage ready")
	return nil
}
