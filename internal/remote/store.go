// Package remote wraps the spreadsheet that serves as system of record for
// catalog data, bot texts and leads. Every call goes through one retry policy:
// throttling is retried with exponential backoff, anything else fails fast.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"leadflow/internal/cache"
)

var (
	// ErrThrottled is wrapped by backends around rate-limit responses.
	ErrThrottled    = errors.New("remote store throttled")
	ErrDeferred     = errors.New("remote write deferred")
	ErrUnknownTable = errors.New("unknown table")
	// ErrNoKeyColumn means a table schema has no required column to look rows up by.
	ErrNoKeyColumn = errors.New("table has no key column")
)

// Backend is the raw tabular store. Values returns the header as row 0.
type Backend interface {
	Values(ctx context.Context, table string) ([][]string, error)
	Header(ctx context.Context, table string) ([]string, error)
	AppendRow(ctx context.Context, table string, row []string) error
}

// Telemetry receives one outcome per call: success, throttled (a retried
// attempt) or failure.
type Telemetry interface {
	Record(method, outcome string)
}

// Deferrer persists a write that could not reach the store so it can be
// replayed later.
type Deferrer interface {
	DeferWrite(ctx context.Context, table string, row Record) (string, error)
}

type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	DegradedAfter int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 5
	}
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithTelemetry(t Telemetry) Option { return func(s *Store) { s.telemetry = t } }

func WithDeferrer(d Deferrer) Option { return func(s *Store) { s.deferrer = d } }

// WithSleep replaces the backoff wait.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Store) { s.sleep = f }
}

// OnDegraded is called once each time consecutive failures reach
// Config.DegradedAfter. It must not block.
func OnDegraded(f func(HealthSnapshot)) Option { return func(s *Store) { s.onDegraded = f } }

func WithSchemas(schemas []TableSchema) Option {
	return func(s *Store) {
		s.schemas = make(map[string]TableSchema, len(schemas))
		s.order = s.order[:0]
		for _, t := range schemas {
			s.schemas[t.Name] = t
			s.order = append(s.order, t.Name)
		}
	}
}

type Store struct {
	backend    Backend
	cache      *cache.Cache
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	telemetry  Telemetry
	deferrer   Deferrer
	onDegraded func(HealthSnapshot)

	health *Health

	schemas map[string]TableSchema
	order   []string
	report  atomic.Pointer[SchemaReport]
}

func New(b Backend, c *cache.Cache, cfg Config, opts ...Option) *Store {
	cfg.applyDefaults()
	s := &Store{
		backend:   b,
		cache:     c,
		cfg:       cfg,
		log:       zerolog.Nop(),
		now:       time.Now,
		sleep:     sleepCtx,
		telemetry: NewCounters(),
		health:    newHealth(),
	}
	WithSchemas(DefaultSchemas())(s)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Health() HealthSnapshot { return s.health.Snapshot() }

func (s *Store) Telemetry() Telemetry { return s.telemetry }

func (s *Store) Cache() *cache.Cache { return s.cache }

// call runs fn under the retry policy and records the outcome for method.
func (s *Store) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	delay := s.cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			s.health.success(method, s.now())
			s.telemetry.Record(method, "success")
			return nil
		}

		if !errors.Is(err, ErrThrottled) || attempt >= s.cfg.MaxRetries {
			s.fail(method, err)
			return fmt.Errorf("%s: %w", method, err)
		}
		s.telemetry.Record(method, "throttled")
		s.log.Warn().Str("method", method).Int("attempt", attempt).Int("max_retries", s.cfg.MaxRetries).
			Dur("delay", delay).Msg("remote store throttled, retrying")
		if err := s.sleep(ctx, delay); err != nil {
			s.fail(method, err)
			return fmt.Errorf("%s: %w", method, err)
		}
		delay *= 2
	}
}

func (s *Store) fail(method string, err error) {
	s.telemetry.Record(method, "failure")
	n, crossed := s.health.failure(method, err, s.cfg.DegradedAfter)
	s.log.Error().Err(err).Str("method", method).Int("consecutive_failures", n).Msg("remote store call failed")
	if crossed {
		snap := s.health.Snapshot()
		s.log.Error().Int("consecutive_failures", n).Msg("remote store degraded")
		if s.onDegraded != nil {
			s.onDegraded(snap)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MethodHealth is the per-method view of the health counters.
type MethodHealth struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

type HealthSnapshot struct {
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	Degraded            bool                    `json:"degraded"`
	Successes           int64                   `json:"successes"`
	Failures            int64                   `json:"failures"`
	Methods             map[string]MethodHealth `json:"methods"`
}

// Health holds the consecutive-failure counters. A success on any method
// resets the global counter and that method's counter.
type Health struct {
	mu          sync.Mutex
	consecutive int
	degraded    bool
	successes   int64
	failures    int64
	methods     map[string]*MethodHealth
}

func newHealth() *Health { return &Health{methods: make(map[string]*MethodHealth)} }

func (h *Health) method(name string) *MethodHealth {
	m, ok := h.methods[name]
	if !ok {
		m = &MethodHealth{}
		h.methods[name] = m
	}
	return m
}

func (h *Health) success(method string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.method(method)
	m.ConsecutiveFailures = 0
	m.LastSuccess = &at
	h.consecutive = 0
	h.degraded = false
	h.successes++
}

// failure returns the global consecutive count and whether this failure
// crossed the degraded threshold.
func (h *Health) failure(method string, err error, threshold int) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.method(method)
	m.ConsecutiveFailures++
	m.LastError = err.Error()
	h.consecutive++
	h.failures++
	if h.consecutive >= threshold && !h.degraded {
		h.degraded = true
		return h.consecutive, true
	}
	return h.consecutive, false
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HealthSnapshot{
		ConsecutiveFailures: h.consecutive,
		Degraded:            h.degraded,
		Successes:           h.successes,
		Failures:            h.failures,
		Methods:             make(map[string]MethodHealth, len(h.methods)),
	}
	for k, m := range h.methods {
		mh := *m
		if m.LastSuccess != nil {
			t := *m.LastSuccess
			mh.LastSuccess = &t
		}
		snap.Methods[k] = mh
	}
	return snap
}

// Counters is the default Telemetry: outcome counts per method.
type Counters struct {
	mu sync.Mutex
	m  map[string]map[string]int64
}

func NewCounters() *Counters { return &Counters{m: make(map[string]map[string]int64)} }

func (c *Counters) Record(method, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m[method] == nil {
		c.m[method] = make(map[string]int64)
	}
	c.m[method][outcome]++
}

func (c *Counters) Snapshot() map[string]map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]int64, len(c.m))
	for method, outcomes := range c.m {
		o := make(map[string]int64, len(outcomes))
		for k, v := range outcomes {
			o[k] = v
		}
		out[method] = o
	}
	return out
}
