package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type SoftConfig struct {
	Rate         int
	Period       time.Duration
	WarnCooldown time.Duration
	Exempt       []int64
}

func (c *SoftConfig) applyDefaults() {
	if c.Rate <= 0 {
		c.Rate = 8
	}
	if c.Period <= 0 {
		c.Period = time.Minute
	}
	if c.WarnCooldown <= 0 {
		c.WarnCooldown = 30 * time.Second
	}
}

// Decision is the outcome of a Soft check. Warn is set on the first denial
// per key within a cooldown; later denials in that cooldown are silent.
type Decision struct {
	Allowed bool
	Warn    bool
	Count   int
}

type Stats struct {
	Passed    int64
	Throttled int64
	Keys      int
}

// Soft is the general anti-flood limiter.
type Soft struct {
	w        *Window
	cooldown time.Duration
	exempt   map[string]struct{}
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.Mutex
	lastWarn map[string]time.Time

	passed    atomic.Int64
	throttled atomic.Int64
}

func NewSoft(cfg SoftConfig, opts ...Option) *Soft {
	cfg.applyDefaults()
	o := buildOptions(opts)
	s := &Soft{
		w:        NewWindow(cfg.Rate, cfg.Period, opts...),
		cooldown: cfg.WarnCooldown,
		exempt:   make(map[string]struct{}, len(cfg.Exempt)),
		now:      o.now,
		log:      o.log,
		lastWarn: make(map[string]time.Time),
	}
	for _, id := range cfg.Exempt {
		s.exempt[strconv.FormatInt(id, 10)] = struct{}{}
	}
	return s
}

// UserKey is the Soft key for a chat user.
func UserKey(userID int64) string { return strconv.FormatInt(userID, 10) }

func (s *Soft) Allow(key string) bool { return s.Check(key).Allowed }

func (s *Soft) Check(key string) Decision {
	if _, ok := s.exempt[key]; ok {
		return Decision{Allowed: true}
	}
	now := s.now()
	if s.w.AllowAt(key, now) {
		s.passed.Add(1)
		return Decision{Allowed: true}
	}

	s.throttled.Add(1)
	d := Decision{Count: s.w.Count(key, now)}
	s.mu.Lock()
	if last, ok := s.lastWarn[key]; !ok || now.Sub(last) >= s.cooldown {
		s.lastWarn[key] = now
		d.Warn = true
	}
	s.mu.Unlock()
	ev := s.log.Debug()
	if d.Warn {
		ev = s.log.Warn()
	}
	ev.Str("key", key).Int("count", d.Count).Int("rate", s.w.Rate()).Dur("period", s.w.Period()).Msg("throttled")
	return d
}

func (s *Soft) Stats() Stats {
	return Stats{Passed: s.passed.Load(), Throttled: s.throttled.Load(), Keys: s.w.Len()}
}

// Sweep drops idle keys together with their warn cooldowns.
func (s *Soft) Sweep(now time.Time) int {
	removed := s.w.Sweep(now)
	s.mu.Lock()
	for _, k := range removed {
		delete(s.lastWarn, k)
	}
	for k, t := range s.lastWarn {
		if now.Sub(t) >= s.cooldown && s.w.Count(k, now) == 0 {
			delete(s.lastWarn, k)
		}
	}
	s.mu.Unlock()
	return len(removed)
}

func (s *Soft) Run(ctx context.Context) {
	reap(ctx, s.w.Period(), s.now, func(now time.Time) {
		if n := s.Sweep(now); n > 0 {
			s.log.Debug().Int("keys", n).Msg("swept idle limiter keys")
		}
	})
}

type HardConfig struct {
	Rate   int
	Period time.Duration
	Exempt []int64
}

func (c *HardConfig) applyDefaults() {
	if c.Rate <= 0 {
		c.Rate = 3
	}
	if c.Period <= 0 {
		c.Period = time.Minute
	}
}

// Hard limits expensive per-user actions. Every denial is logged.
type Hard struct {
	w      *Window
	exempt map[int64]struct{}
	now    func() time.Time
	log    zerolog.Logger

	blocked atomic.Int64
	passed  atomic.Int64
}

func NewHard(cfg HardConfig, opts ...Option) *Hard {
	cfg.applyDefaults()
	o := buildOptions(opts)
	h := &Hard{
		w:      NewWindow(cfg.Rate, cfg.Period, opts...),
		exempt: make(map[int64]struct{}, len(cfg.Exempt)),
		now:    o.now,
		log:    o.log,
	}
	for _, id := range cfg.Exempt {
		h.exempt[id] = struct{}{}
	}
	return h
}

func ActionKey(userID int64, action string) string {
	return strconv.FormatInt(userID, 10) + ":" + action
}

func (h *Hard) Allow(userID int64, action string) bool {
	if _, ok := h.exempt[userID]; ok {
		return true
	}
	key := ActionKey(userID, action)
	now := h.now()
	if h.w.AllowAt(key, now) {
		h.passed.Add(1)
		return true
	}
	h.blocked.Add(1)
	h.log.Warn().Int64("user_id", userID).Str("action", action).
		Int("count", h.w.Count(key, now)).Int("rate", h.w.Rate()).Msg("critical action blocked")
	return false
}

func (h *Hard) Stats() Stats {
	return Stats{Passed: h.passed.Load(), Throttled: h.blocked.Load(), Keys: h.w.Len()}
}

func (h *Hard) Sweep(now time.Time) int { return len(h.w.Sweep(now)) }

func (h *Hard) Run(ctx context.Context) {
	reap(ctx, h.w.Period(), h.now, func(now time.Time) { h.Sweep(now) })
}
