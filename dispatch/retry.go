package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
)

// Clock tags for backoff timers. Tests trap on these.
var backoffTags = []string{"dispatch", "backoff"}

// newBackOff returns the retry schedule for maxAttempts attempts: base,
// 2*base, 4*base... between attempts, stopping when ctx ends.
func newBackOff(ctx context.Context, clock quartz.Clock, base time.Duration, maxAttempts int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = base << maxAttempts
	eb.MaxElapsedTime = 0
	eb.Clock = backoffClock{clock}
	eb.Reset()

	retries := 0
	if maxAttempts > 1 {
		retries = maxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// backoffClock adapts a quartz clock to backoff.Clock.
type backoffClock struct {
	clock quartz.Clock
}

func (c backoffClock) Now() time.Time {
	return c.clock.Now(backoffTags...)
}

// backoffTimer adapts a quartz clock to backoff.Timer so that waits between
// attempts follow the injected clock.
type backoffTimer struct {
	clock quartz.Clock
	timer *quartz.Timer
}

func (t *backoffTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.NewTimer(d, backoffTags...)
}

func (t *backoffTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *backoffTimer) C() <-chan time.Time {
	return t.timer.C
}
