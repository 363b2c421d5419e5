// Package ratelimit holds the per-process sliding-window limiters that guard
// the bot against floods and expensive actions against repetition.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// reapFactor times the period is how long a key's window must stay empty
// before Sweep drops it.
const reapFactor = 10

type Option func(*options)

type options struct {
	now func() time.Time
	log zerolog.Logger
}

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Window admits at most rate events per key within any trailing period.
// Only admitted events are recorded; a denial leaves the window untouched.
// A rate of zero or less denies everything.
type Window struct {
	rate   int
	period time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string][]time.Time
}

func NewWindow(rate int, period time.Duration, opts ...Option) *Window {
	o := buildOptions(opts)
	return &Window{rate: rate, period: period, now: o.now, keys: make(map[string][]time.Time)}
}

func (w *Window) Rate() int { return w.rate }

func (w *Window) Period() time.Duration { return w.period }

func (w *Window) Allow(key string) bool { return w.AllowAt(key, w.now()) }

// AllowAt records an event for key at now if the window has room.
func (w *Window) AllowAt(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := w.trim(key, now)
	if len(ts) >= w.rate {
		return false
	}
	w.keys[key] = append(ts, now)
	return true
}

// Count returns how many admitted events for key are still inside the window.
func (w *Window) Count(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.trim(key, now))
}

// trim drops timestamps older than now-period. Caller holds mu.
func (w *Window) trim(key string, now time.Time) []time.Time {
	ts := w.keys[key]
	cutoff := now.Add(-w.period)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		w.keys[key] = ts
	}
	return ts
}

// Sweep removes keys whose window has been empty for reapFactor periods and
// returns the keys it removed. A window empties one period after its last
// event.
func (w *Window) Sweep(now time.Time) []string {
	cutoff := now.Add(-(reapFactor + 1) * w.period)
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []string
	for k, ts := range w.keys {
		if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
			delete(w.keys, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}

// reap calls sweep every period until ctx is done.
func reap(ctx context.Context, period time.Duration, now func() time.Time, sweep func(time.Time)) {
	if period <= 0 {
		period = time.Minute
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sweep(now())
		}
	}
}

// Run sweeps idle keys every period until ctx is done.
func (w *Window) Run(ctx context.Context) {
	reap(ctx, w.period, w.now, func(now time.Time) { w.Sweep(now) })
}
