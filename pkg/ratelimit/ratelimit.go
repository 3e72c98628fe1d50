package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter caps throughput in sectors/second, with a freeze/stop signal the
// move engine's admission control can raise from outside the waiting
// goroutine (e.g. when a foreground-write budget is exceeded cluster-wide).
type Limiter struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	frozen  bool
	stopped bool
}

// New creates a Limiter allowing sectorsPerSec sustained throughput with
// burst headroom of burst sectors. sectorsPerSec <= 0 means unlimited.
func New(sectorsPerSec, burst int) *Limiter {
	var lim *rate.Limiter
	if sectorsPerSec <= 0 {
		lim = rate.NewLimiter(rate.Inf, 0)
	} else {
		lim = rate.NewLimiter(rate.Limit(sectorsPerSec), burst)
	}
	return &Limiter{lim: lim}
}

// Delay reports how long the caller should wait before consuming n
// sectors, without blocking or reserving anything.
func (l *Limiter) Delay(n int) time.Duration {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()

	r := lim.ReserveN(time.Now(), n)
	if !r.OK() {
		return 0
	}
	d := r.Delay()
	r.Cancel()
	return d
}

// WaitFreezableStoppable blocks until n sectors' worth of budget is
// available, honoring both the rate limit and an external freeze (pause
// without cancelling) or stop (abort) signal. It returns ctx.Err() if ctx
// is cancelled first, and an error if the limiter has been stopped.
func (l *Limiter) WaitFreezableStoppable(ctx context.Context, n int) error {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return fmt.Errorf("ratelimit: stopped")
		}
		frozen := l.frozen
		lim := l.lim
		l.mu.Unlock()

		if frozen {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		return lim.WaitN(ctx, n)
	}
}

// Increment records consumption of n sectors that already happened
// without having gone through Delay/WaitFreezableStoppable first (e.g.
// accounting for a read that completed before its matching write is
// scheduled), so subsequent callers still see it reflected in the budget.
func (l *Limiter) Increment(n int) {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()
	_ = lim.ReserveN(time.Now(), n)
}

// Freeze pauses WaitFreezableStoppable callers without cancelling them.
func (l *Limiter) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
}

// Unfreeze resumes callers paused by Freeze.
func (l *Limiter) Unfreeze() {
	l.mu.Lock()
	l.frozen = false
	l.mu.Unlock()
}

// Stop causes every current and future WaitFreezableStoppable call to
// return an error immediately.
func (l *Limiter) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

// Reset replaces the limiter's rate/burst and clears frozen/stopped,
// letting the move engine pick up a new configured rate without having to
// recreate admission-control wiring around it.
func (l *Limiter) Reset(sectorsPerSec, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sectorsPerSec <= 0 {
		l.lim = rate.NewLimiter(rate.Inf, 0)
	} else {
		l.lim = rate.NewLimiter(rate.Limit(sectorsPerSec), burst)
	}
	l.frozen = false
	l.stopped = false
}
