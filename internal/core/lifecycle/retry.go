package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the wait before attempt (1-based) is retried.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := p.exponential(nil)
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// exponential builds the unjittered schedule. Elapsed time never stops it;
// MaxAttempts does.
func (p RetryPolicy) exponential(clk clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	if clk != nil {
		b.Clock = clk
	}
	b.Reset()
	return b
}

// retry runs op until it succeeds, returns a backoff.Permanent error, ctx is
// done or the policy's attempts are spent. notify sees every failed attempt
// that will be retried. It returns the number of attempts made and the last
// error.
func (p RetryPolicy) retry(ctx context.Context, clk clock.Clock, op func() error, notify func(attempt int, err error)) (int, error) {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(clk), uint64(p.attempts()-1)), ctx)
	err := backoff.RetryNotifyWithTimer(func() error {
		attempt++
		return op()
	}, b, func(err error, _ time.Duration) {
		if notify != nil {
			notify(attempt, err)
		}
	}, &clockTimer{clock: clk})
	return attempt, err
}

// clockTimer drives backoff waits from clk so tests can move time by hand.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.Timer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
