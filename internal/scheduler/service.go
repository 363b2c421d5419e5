// Package scheduler turns recurring cron schedules into queued tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"leadflow/internal/domain"
	"leadflow/internal/queue"
)

const defaultCheckInterval = 30 * time.Second

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	repo     queue.Repository
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(repo queue.Repository, checkInterval time.Duration, opts ...Option) *Service {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	s := &Service{
		repo:     repo,
		interval: checkInterval,
		now:      time.Now,
		log:      zerolog.Nop(),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start blocks until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// RunOnce enqueues a task for every due schedule and returns how many were
// enqueued.
func (s *Service) RunOnce(ctx context.Context) int {
	now := s.now()
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get due schedules")
		return 0
	}

	n := 0
	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			s.log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
			continue
		}
		n++
	}
	return n
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpr, err)
	}

	taskID, err := s.repo.Enqueue(ctx, domain.NewTask{
		Type:        schedule.TaskType,
		UserID:      schedule.UserID,
		RunAt:       now,
		Payload:     schedule.Payload,
		MaxAttempts: schedule.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue scheduled task: %w", err)
	}

	// Next run is computed from now, so a schedule missed while the process
	// was down fires once, not once per missed slot.
	nextRun := cronSchedule.Next(now)
	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		return fmt.Errorf("update schedule run times: %w", err)
	}

	s.log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("task_id", taskID).
		Time("next_run", nextRun).
		Msg("scheduled task enqueued")

	return nil
}

// Seed upserts built-in schedules by name, computing next_run for new ones.
func (s *Service) Seed(ctx context.Context, schedules ...domain.Schedule) error {
	for _, sch := range schedules {
		next, err := NextRunTime(sch.CronExpr, s.now())
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sch.Name, err)
		}
		sch.NextRun = next
		if _, err := s.repo.EnsureSchedule(ctx, sch); err != nil {
			return fmt.Errorf("schedule %s: %w", sch.Name, err)
		}
	}
	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
