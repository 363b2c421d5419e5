// Package maintenance holds housekeeping task handlers.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"leadflow/internal/domain"
)

// DefaultRetentionDays applies when a prune task does not set a retention.
const DefaultRetentionDays = 90

type Pruner interface {
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
}

type Handler struct {
	p   Pruner
	now func() time.Time
	log zerolog.Logger
}

func New(p Pruner, log zerolog.Logger) *Handler { return &Handler{p: p, now: time.Now, log: log} }

func (h *Handler) Handle(ctx context.Context, t domain.Task, p domain.PruneTasksPayload) error {
	days := p.OlderThanDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	before := h.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := h.p.PruneTerminal(ctx, before)
	if err != nil {
		return fmt.Errorf("prune tasks: %w", err)
	}
	h.log.Info().Str("task_id", t.ID).Int("deleted", n).Time("before", before).Msg("finished tasks pruned")
	return nil
}
