package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Clock abstracts wall time so pacing can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FakeClock advances instantly and records every requested sleep.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}

func (f *FakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// Jitter produces the next wait duration.
type Jitter interface {
	Next() time.Duration
}

// Uniform waits Base plus a uniformly drawn extra in [Min, Max).
type Uniform struct {
	Base time.Duration
	Min  time.Duration
	Max  time.Duration
	rnd  *rand.Rand
	mu   sync.Mutex
}

func NewUniform(base, min, max time.Duration, seed int64) *Uniform {
	return &Uniform{Base: base, Min: min, Max: max, rnd: rand.New(rand.NewSource(seed))}
}

func (u *Uniform) Next() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Max <= u.Min {
		return u.Base + u.Min
	}
	return u.Base + u.Min + time.Duration(u.rnd.Int63n(int64(u.Max-u.Min)))
}

// Fixed always returns the same duration.
type Fixed time.Duration

func (f Fixed) Next() time.Duration { return time.Duration(f) }

// Pacer combines a clock with a jitter policy. It is the crawler's only
// throttle between scroll iterations and sequential detail loads.
type Pacer struct {
	Clock  Clock
	Jitter Jitter
}

func NewPacer(clock Clock, jitter Jitter) *Pacer {
	if clock == nil {
		clock = RealClock()
	}
	if jitter == nil {
		jitter = Fixed(0)
	}
	return &Pacer{Clock: clock, Jitter: jitter}
}

// Pause sleeps for one jittered interval.
func (p *Pacer) Pause(ctx context.Context) error {
	return p.Clock.Sleep(ctx, p.Jitter.Next())
}

// Settle sleeps for exactly d.
func (p *Pacer) Settle(ctx context.Context, d time.Duration) error {
	return p.Clock.Sleep(ctx, d)
}

type SimpleRateLimiter struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	mu         sync.Mutex
	jitter     bool
	clock      Clock
	rnd        *rand.Rand
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	return NewSimpleRateLimiterWithClock(minDelay, maxDelay, RealClock())
}

func NewSimpleRateLimiterWithClock(minDelay, maxDelay time.Duration, clock Clock) *SimpleRateLimiter {
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
		clock:    clock,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastAction.IsZero() {
		elapsed := r.clock.Now().Sub(r.lastAction)
		delay := r.calculateDelay()

		if elapsed < delay {
			if err := r.clock.Sleep(ctx, delay-elapsed); err != nil {
				return err
			}
		}
	}

	r.lastAction = r.clock.Now()
	return nil
}

func (r *SimpleRateLimiter) Delays() (time.Duration, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay, r.maxDelay
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.minDelay >= r.maxDelay {
		return r.minDelay
	}

	delta := r.maxDelay - r.minDelay
	return r.minDelay + time.Duration(r.rnd.Int63n(int64(delta)))
}

// AdaptiveRateLimiter backs off after repeated failures and speeds up again
// after a run of successes.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
	floor         time.Duration
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration, clock Clock) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiterWithClock(minDelay, maxDelay, clock),
		maxErrorCount:     3,
		backoffFactor:     1.5,
		floor:             minDelay,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < a.floor {
			newMin = a.floor
		}
		a.minDelay = newMin
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
		newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)

		if newMin > 60*time.Second {
			newMin = 60 * time.Second
		}
		if newMax > 120*time.Second {
			newMax = 120 * time.Second
		}

		a.minDelay = newMin
		a.maxDelay = newMax
		a.errorCount = 0
	}
}

// Shared bounds the aggregate request rate of concurrent workers.
type Shared struct {
	limiter *rate.Limiter
}

func NewShared(perSecond float64, burst int) *Shared {
	if burst < 1 {
		burst = 1
	}
	return &Shared{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *Shared) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}
