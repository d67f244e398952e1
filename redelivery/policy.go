package redelivery

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Policy defaults.
const (
	DefaultRedeliveryDelay          = time.Second
	DefaultBackOffMultiplier        = 2.0
	DefaultMaximumRedeliveryDelay   = time.Minute
	DefaultCollisionAvoidanceFactor = 0.15
)

// Policy decides whether and when a failed exchange is redelivered.
// Start from DefaultPolicy; zero numeric fields fall back to the defaults
// above when the policy is used by an ErrorHandler.
type Policy struct {
	// MaximumRedeliveries limits redeliveries after the first attempt.
	// Zero disables redelivery, negative values redeliver forever.
	MaximumRedeliveries int

	// RedeliveryDelay is the delay before the first redelivery and the base
	// for exponential backoff. Negative values redeliver immediately.
	RedeliveryDelay time.Duration

	// UseExponentialBackOff grows the delay by BackOffMultiplier per
	// redelivery.
	UseExponentialBackOff bool
	BackOffMultiplier     float64

	// MaximumRedeliveryDelay caps a single delay.
	MaximumRedeliveryDelay time.Duration

	// UseCollisionAvoidance randomizes each delay by up to
	// ±CollisionAvoidanceFactor.
	UseCollisionAvoidance    bool
	CollisionAvoidanceFactor float64

	// DelayPattern overrides the computed delay with fixed delays per
	// redelivery range, e.g. "0:1000;5:5000;10:30s". Each group is
	// count:delay where delay is milliseconds or a duration; the group with
	// the highest count not above the redelivery counter applies.
	DelayPattern string

	// MaxElapsedTime bounds the time between the first attempt and the
	// start of a redelivery. Zero means no bound.
	MaxElapsedTime time.Duration

	// AsyncDelayedRedelivery waits for redelivery on a scheduler instead of
	// blocking the goroutine that detected the failure.
	AsyncDelayedRedelivery bool

	// AllowRedeliveryWhileStopping keeps redelivering after the owner
	// signalled shutdown.
	AllowRedeliveryWhileStopping bool

	// LogStackTrace includes panic stack traces when logging exhaustion.
	LogStackTrace bool
	// LogRetryAttempted logs each redelivery at debug level.
	LogRetryAttempted bool
	// RetryAttemptedLogInterval logs only every n-th redelivery.
	RetryAttemptedLogInterval int
	// LogExhausted logs exhausted exchanges at error level.
	LogExhausted bool

	pattern delayPattern
}

// DefaultPolicy returns a policy with no redeliveries and the defaults used
// when redeliveries are enabled.
func DefaultPolicy() Policy {
	return Policy{
		RedeliveryDelay:           DefaultRedeliveryDelay,
		BackOffMultiplier:         DefaultBackOffMultiplier,
		MaximumRedeliveryDelay:    DefaultMaximumRedeliveryDelay,
		CollisionAvoidanceFactor:  DefaultCollisionAvoidanceFactor,
		LogStackTrace:             true,
		LogRetryAttempted:         true,
		RetryAttemptedLogInterval: 1,
		LogExhausted:              true,
	}
}

func (p Policy) parse() (Policy, error) {
	if p.RedeliveryDelay == 0 {
		p.RedeliveryDelay = DefaultRedeliveryDelay
	}
	if p.BackOffMultiplier <= 0 {
		p.BackOffMultiplier = DefaultBackOffMultiplier
	}
	if p.MaximumRedeliveryDelay <= 0 {
		p.MaximumRedeliveryDelay = DefaultMaximumRedeliveryDelay
	}
	if p.CollisionAvoidanceFactor <= 0 {
		p.CollisionAvoidanceFactor = DefaultCollisionAvoidanceFactor
	}
	if p.RetryAttemptedLogInterval <= 0 {
		p.RetryAttemptedLogInterval = 1
	}
	if p.DelayPattern != "" {
		dp, err := parseDelayPattern(p.DelayPattern)
		if err != nil {
			return p, err
		}
		p.pattern = dp
	}
	return p, nil
}

// Validate reports a malformed DelayPattern.
func (p Policy) Validate() error {
	_, err := p.parse()
	return err
}

// ShouldRedeliver reports whether the given one-based redelivery is within
// MaximumRedeliveries.
func (p Policy) ShouldRedeliver(counter int) bool {
	if p.MaximumRedeliveries < 0 {
		return true
	}
	return counter <= p.MaximumRedeliveries
}

// Delay returns the delay before the given one-based redelivery.
func (p Policy) Delay(counter int) time.Duration {
	if counter < 1 {
		counter = 1
	}
	if p.pattern == nil && p.DelayPattern != "" {
		p.pattern, _ = parseDelayPattern(p.DelayPattern)
	}
	if p.pattern != nil {
		return p.pattern.delay(counter)
	}
	if p.RedeliveryDelay <= 0 {
		return 0
	}

	d := float64(p.RedeliveryDelay)
	if p.UseExponentialBackOff && p.BackOffMultiplier > 1 {
		d *= math.Pow(p.BackOffMultiplier, float64(counter-1))
	}
	if p.MaximumRedeliveryDelay > 0 && d > float64(p.MaximumRedeliveryDelay) {
		d = float64(p.MaximumRedeliveryDelay)
	}
	delay := time.Duration(d)
	if p.UseCollisionAvoidance {
		delay = newApplyJitterFunc(p.CollisionAvoidanceFactor)(delay)
	}
	return delay
}

// newApplyJitterFunc returns a function scaling a duration by a random
// factor in [1-jitter, 1+jitter].
func newApplyJitterFunc(jitter float64) func(d time.Duration) time.Duration {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return func(d time.Duration) time.Duration {
		jitterFactor := 1.0 + (rand.Float64()*2*jitter - jitter)
		return time.Duration(float64(d) * jitterFactor)
	}
}

type delayGroup struct {
	from  int
	delay time.Duration
}

type delayPattern []delayGroup

func (dp delayPattern) delay(counter int) time.Duration {
	var d time.Duration
	for _, g := range dp {
		if g.from > counter {
			break
		}
		d = g.delay
	}
	return d
}

func parseDelayPattern(s string) (delayPattern, error) {
	var dp delayPattern
	for _, group := range strings.Split(s, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		count, delay, ok := strings.Cut(group, ":")
		if !ok {
			return nil, fmt.Errorf("%w: delay pattern group %q", ErrInvalidPolicy, group)
		}
		from, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return nil, fmt.Errorf("%w: delay pattern count %q: %w", ErrInvalidPolicy, count, err)
		}
		d, err := parsePatternDelay(strings.TrimSpace(delay))
		if err != nil {
			return nil, fmt.Errorf("%w: delay pattern delay %q: %w", ErrInvalidPolicy, delay, err)
		}
		if n := len(dp); n > 0 && dp[n-1].from >= from {
			return nil, fmt.Errorf("%w: delay pattern counts must increase", ErrInvalidPolicy)
		}
		dp = append(dp, delayGroup{from: from, delay: d})
	}
	return dp, nil
}

func parsePatternDelay(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
