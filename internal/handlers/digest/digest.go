// Package digest builds the periodic operator summary.
package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/rs/zerolog"
	"leadflow/internal/domain"
	"leadflow/internal/notify"
)

const defaultHours = 24

type TaskCounter interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

type LeadCounter interface {
	CountLeadsSince(ctx context.Context, since time.Time) (int, error)
}

type Handler struct {
	tasks   TaskCounter
	leads   LeadCounter
	sender  notify.Sender
	adminID int64
	now     func() time.Time
	log     zerolog.Logger
}

func New(tasks TaskCounter, leads LeadCounter, sender notify.Sender, adminID int64, log zerolog.Logger) *Handler {
	return &Handler{tasks: tasks, leads: leads, sender: sender, adminID: adminID, now: time.Now, log: log}
}

// Handle sends the digest to the task's user, or to the admin when the task
// has none.
func (h *Handler) Handle(ctx context.Context, t domain.Task, p domain.DigestPayload) error {
	to := t.UserID
	if to == 0 {
		to = h.adminID
	}
	if to == 0 {
		return domain.Permanent(fmt.Errorf("digest has no recipient"))
	}
	text, err := h.Build(ctx, p.Hours)
	if err != nil {
		return err
	}
	if err := h.sender.Send(ctx, to, text); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	h.log.Info().Str("task_id", t.ID).Int64("user_id", to).Msg("digest sent")
	return nil
}

// Build renders the digest for the last hours. A lead count that cannot be
// read is reported in the text rather than failing the digest.
func (h *Handler) Build(ctx context.Context, hours int) (string, error) {
	if hours <= 0 {
		hours = defaultHours
	}
	counts, err := h.tasks.CountByStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("count tasks: %w", err)
	}

	now := h.now().UTC()
	window := time.Duration(hours) * time.Hour

	var b strings.Builder
	fmt.Fprintf(&b, "Digest for %s (last %s)\n\n", now.Format("02.01.2006"), english.Plural(hours, "hour", "hours"))

	current, err := h.leads.CountLeadsSince(ctx, now.Add(-window))
	if err != nil {
		h.log.Warn().Err(err).Msg("lead count unavailable")
		b.WriteString("New leads: unavailable\n")
	} else {
		fmt.Fprintf(&b, "New leads: %s", humanize.Comma(int64(current)))
		if both, err := h.leads.CountLeadsSince(ctx, now.Add(-2*window)); err == nil {
			if prev := both - current; prev > 0 {
				fmt.Fprintf(&b, " (%+.0f%% vs previous period)", float64(current-prev)/float64(prev)*100)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Tasks: %s pending, %s in progress, %s done, %s failed\n",
		humanize.Comma(int64(counts[domain.StatusPending])),
		humanize.Comma(int64(counts[domain.StatusInProgress])),
		humanize.Comma(int64(counts[domain.StatusDone])),
		humanize.Comma(int64(counts[domain.StatusFailed])))
	return b.String(), nil
}
