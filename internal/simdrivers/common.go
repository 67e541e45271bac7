// Package simdrivers implements simulated hardware for every capability
// in daqcore: a linear stage (Movable), a noisy detector (Readable), a
// frame-producing camera (Triggerable+ExposureControl+FrameProducer), a
// tunable laser (EmissionControl+WavelengthTunable), and a shutter
// (ShutterControl). Every driver carries a device-level ParameterSet
// (Parameterized) and a backoff-based reconnect loop simulating the
// transient transport faults real instruments exhibit.
package simdrivers

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// faultRate is the per-operation probability a simulated driver reports
// a transient hardware fault, exercised so the reconnect path in connWithBackoff
// actually runs under normal test traffic instead of being dead code.
const faultRate = 0.02

func simulatedFault() bool {
	return rand.Float64() < faultRate
}

// connWithBackoff retries op using an exponential backoff policy,
// mirroring how a real driver would retry a flaky serial/USB/TCP
// transport. maxElapsed bounds total retry time so a persistently dead
// device still fails an operation rather than hanging forever.
func connWithBackoff(ctx context.Context, deviceID string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	withCtx := backoff.WithContext(policy, ctx)

	attempt := 0
	return backoff.RetryNotify(op, withCtx, func(err error, wait time.Duration) {
		attempt++
		log.Warn().Str("device", deviceID).Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("simulated driver transient fault, retrying")
	})
}

// settleDelay simulates the time a physical actuator takes to settle
// after a commanded move: 2 ms per unit of distance, clamped to
// [1 ms, 200 ms]. Stage.WaitSettled calls it with a fixed distance of 1.
func settleDelay(distance float64) time.Duration {
	d := time.Duration(distance*2) * time.Millisecond
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if d > 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	return d
}
