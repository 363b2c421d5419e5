package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"leadflow/internal/domain"
	"leadflow/internal/queue"
)

// ErrNoHandler marks a task whose type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for task type")

// reclaimSlack is how many extra claims a task may burn through lease expiry
// (crashed workers) before it is failed as abandoned.
const reclaimSlack = 3

type Handler interface {
	Handle(ctx context.Context, t domain.Task) error
}

type HandlerFunc func(ctx context.Context, t domain.Task) error

func (f HandlerFunc) Handle(ctx context.Context, t domain.Task) error { return f(ctx, t) }

// Typed adapts a function taking a decoded payload. A payload that does not
// decode fails the task without calling fn.
func Typed[P domain.Payload](fn func(ctx context.Context, t domain.Task, p P) error) Handler {
	return HandlerFunc(func(ctx context.Context, t domain.Task) error {
		p, err := domain.Decode[P](t)
		if err != nil {
			return err
		}
		return fn(ctx, t, p)
	})
}

type registration struct {
	handler     Handler
	maxAttempts int
	timeout     time.Duration
	backoff     func(attempt int) time.Duration
}

type HandlerOption func(*registration)

// WithMaxAttempts lets failed runs of this task type be retried until the
// task has been attempted n times. Tasks enqueued with a higher max_attempts
// keep theirs.
func WithMaxAttempts(n int) HandlerOption { return func(r *registration) { r.maxAttempts = n } }

// WithTimeout bounds a single handler run.
func WithTimeout(d time.Duration) HandlerOption { return func(r *registration) { r.timeout = d } }

func WithBackoff(f func(attempt int) time.Duration) HandlerOption {
	return func(r *registration) { r.backoff = f }
}

type Config struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
}

type Option func(*Pool)

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// Pool polls the task store and dispatches claimed tasks to the handler
// registered for their type.
type Pool struct {
	repo queue.Repository
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.RWMutex
	handlers map[string]registration

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewPool(repo queue.Repository, cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		repo:     repo,
		cfg:      cfg,
		log:      zerolog.Nop(),
		now:      time.Now,
		handlers: make(map[string]registration),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Register binds a handler to a task type, replacing any previous one.
func (p *Pool) Register(taskType string, h Handler, opts ...HandlerOption) {
	r := registration{handler: h, maxAttempts: 1, backoff: backoffExp}
	for _, o := range opts {
		o(&r)
	}
	p.mu.Lock()
	p.handlers[taskType] = r
	p.mu.Unlock()
}

func (p *Pool) lookup(taskType string) (registration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.handlers[taskType]
	return r, ok
}

// Start runs a poll cycle immediately and then every PollInterval until Stop
// is called or ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return errors.New("worker pool already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go p.loop(loopCtx, p.stopped)
	p.log.Info().Int("workers", p.cfg.Workers).Dur("poll_interval", p.cfg.PollInterval).Msg("worker pool started")
	return nil
}

// Stop ends the poll loop. A batch already dispatched runs to completion;
// Stop waits for it until ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	p.runMu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
		p.log.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight tasks: %w", ctx.Err())
	}
}

func (p *Pool) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		if n, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("poll cycle failed")
		} else if n > 0 {
			p.log.Debug().Int("processed", n).Msg("poll cycle done")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce performs one poll cycle: tasks with an expired lease first, then due
// pending tasks in run_at order. It returns how many tasks it claimed and ran.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	now := p.now()
	stale, err := p.repo.Reclaimable(ctx, p.cfg.BatchSize, now)
	if err != nil {
		return 0, fmt.Errorf("fetching reclaimable tasks: %w", err)
	}
	due, err := p.repo.GetDue(ctx, p.cfg.BatchSize, now)
	if err != nil {
		return 0, fmt.Errorf("fetching due tasks: %w", err)
	}
	tasks := append(stale, due...)
	if len(tasks) == 0 {
		return 0, nil
	}

	// Handlers and their outcome writes must not be cut short by Stop.
	runCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)

	var (
		mu        sync.Mutex
		processed int
	)
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		// Claim inside the slot so the lease starts when the handler does.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ok, err := p.repo.Claim(ctx, t.ID, p.now(), p.cfg.Lease)
			if err != nil {
				p.log.Error().Err(err).Str("task_id", t.ID).Msg("claim failed")
				return nil
			}
			if !ok {
				return nil
			}
			t.Attempts++
			t.Status = domain.StatusInProgress
			p.execute(runCtx, t)
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return processed, nil
}

func (p *Pool) execute(ctx context.Context, t domain.Task) {
	log := p.log.With().Str("task_id", t.ID).Str("task_type", t.Type).Int64("user_id", t.UserID).Int("attempt", t.Attempts).Logger()

	reg, ok := p.lookup(t.Type)
	if !ok {
		msg := fmt.Sprintf("%s %q", ErrNoHandler, t.Type)
		log.Error().Msg(msg)
		p.markFailed(ctx, log, t.ID, msg)
		return
	}

	limit := t.MaxAttempts
	if reg.maxAttempts > limit {
		limit = reg.maxAttempts
	}
	if limit < 1 {
		limit = 1
	}
	if t.Attempts > limit+reclaimSlack {
		msg := fmt.Sprintf("abandoned after %d claims", t.Attempts-1)
		if t.LastError != "" {
			msg += ": " + t.LastError
		}
		log.Error().Msg(msg)
		p.markFailed(ctx, log, t.ID, msg)
		return
	}

	start := p.now()
	err := p.invoke(ctx, reg, t)
	if err == nil {
		if err := p.repo.MarkDone(ctx, t.ID); err != nil {
			if errors.Is(err, queue.ErrTerminal) {
				log.Warn().Err(err).Msg("task was canceled while running")
				return
			}
			log.Error().Err(err).Msg("mark done failed")
			return
		}
		log.Info().Dur("took", p.now().Sub(start)).Msg("task done")
		return
	}

	if t.Attempts < limit && !errors.Is(err, domain.ErrPermanent) {
		delay := reg.backoff(t.Attempts)
		if relErr := p.repo.Release(ctx, t.ID, err.Error(), p.now().Add(delay)); relErr != nil {
			log.Error().Err(relErr).Msg("release for retry failed")
			return
		}
		log.Warn().Err(err).Dur("delay", delay).Int("max_attempts", limit).Msg("task failed, will retry")
		return
	}
	log.Error().Err(err).Msg("task failed")
	p.markFailed(ctx, log, t.ID, err.Error())
}

func (p *Pool) invoke(ctx context.Context, reg registration, t domain.Task) (err error) {
	if reg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reg.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("task_id", t.ID).Bytes("stack", debug.Stack()).Msgf("handler panic: %v", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.handler.Handle(ctx, t)
}

func (p *Pool) markFailed(ctx context.Context, log zerolog.Logger, id, msg string) {
	if err := p.repo.MarkFailed(ctx, id, msg); err != nil {
		log.Error().Err(err).Msg("mark failed failed")
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		attempts = 7
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
