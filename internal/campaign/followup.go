// Package campaign schedules the follow-up message series sent after a user
// downloads a guide.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"leadflow/internal/domain"
)

// DefaultOffsets are the delays of steps 1..3 after the download.
var DefaultOffsets = []time.Duration{24 * time.Hour, 3 * 24 * time.Hour, 7 * 24 * time.Hour}

type Store interface {
	Enqueue(ctx context.Context, t domain.NewTask) (string, error)
	CancelQueued(ctx context.Context, userID int64, taskType, keyPrefix, reason string) (int, error)
}

type Option func(*Planner)

func WithClock(now func() time.Time) Option { return func(p *Planner) { p.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(p *Planner) { p.log = l } }

type Planner struct {
	store   Store
	offsets []time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewPlanner(store Store, offsets []time.Duration, opts ...Option) *Planner {
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	p := &Planner{store: store, offsets: offsets, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

func keyPrefix(userID int64, guideID string) string {
	return fmt.Sprintf("followup:%d:%s:", userID, guideID)
}

// Key is the idempotency key of one follow-up step.
func Key(userID int64, guideID string, step int) string {
	return fmt.Sprintf("%s%d", keyPrefix(userID, guideID), step)
}

// ErrInvalidGuide rejects guide ids that are empty or would break the
// idempotency key layout.
var ErrInvalidGuide = errors.New("invalid guide id")

// ValidateGuideID reports whether guideID can key a follow-up series.
func ValidateGuideID(guideID string) error {
	if guideID == "" || strings.Contains(guideID, ":") {
		return fmt.Errorf("%w %q", ErrInvalidGuide, guideID)
	}
	return nil
}

// ScheduleFollowup enqueues one task per step. Steps still pending from an
// earlier download of the same guide are canceled first, so a repeated
// download restarts the series.
func (p *Planner) ScheduleFollowup(ctx context.Context, userID int64, guideID string) ([]string, error) {
	if err := ValidateGuideID(guideID); err != nil {
		return nil, err
	}
	if userID == 0 {
		return nil, errors.New("user id is required")
	}

	canceled, err := p.store.CancelQueued(ctx, userID, domain.TypeFollowup, keyPrefix(userID, guideID), "superseded by a new download")
	if err != nil {
		return nil, fmt.Errorf("cancel previous series: %w", err)
	}

	now := p.now()
	ids := make([]string, 0, len(p.offsets))
	for i, off := range p.offsets {
		step := i + 1
		nt, err := domain.NewTaskFor(userID, now.Add(off), domain.FollowupPayload{GuideID: guideID, Step: step})
		if err != nil {
			return ids, err
		}
		nt.IdempotencyKey = Key(userID, guideID, step)
		id, err := p.store.Enqueue(ctx, nt)
		if err != nil {
			return ids, fmt.Errorf("enqueue step %d: %w", step, err)
		}
		ids = append(ids, id)
	}
	p.log.Info().Int64("user_id", userID).Str("guide_id", guideID).Int("steps", len(ids)).
		Int("superseded", canceled).Msg("follow-up series scheduled")
	return ids, nil
}

// CancelFollowups cancels every follow-up of the user that has not been
// sent yet, including steps waiting to retry a failed send.
func (p *Planner) CancelFollowups(ctx context.Context, userID int64, reason string) (int, error) {
	if reason == "" {
		reason = "follow-ups canceled"
	}
	n, err := p.store.CancelQueued(ctx, userID, domain.TypeFollowup, "", reason)
	if err != nil {
		return 0, err
	}
	p.log.Info().Int64("user_id", userID).Int("canceled", n).Msg("follow-ups canceled")
	return n, nil
}
