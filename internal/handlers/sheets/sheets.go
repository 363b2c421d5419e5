// Package sheets replays remote-store appends that were deferred to the queue.
package sheets

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"leadflow/internal/domain"
	"leadflow/internal/remote"
)

type Writer interface {
	AppendNow(ctx context.Context, table string, row remote.Record) error
}

type Handler struct {
	w   Writer
	log zerolog.Logger
}

func New(w Writer, log zerolog.Logger) *Handler { return &Handler{w: w, log: log} }

func (h *Handler) Handle(ctx context.Context, t domain.Task, p domain.SheetsWritePayload) error {
	if p.Table == "" || len(p.Row) == 0 {
		return domain.Permanent(errors.New("deferred write has no table or row"))
	}
	if err := h.w.AppendNow(ctx, p.Table, remote.Record(p.Row)); err != nil {
		if errors.Is(err, remote.ErrUnknownTable) {
			return domain.Permanent(err)
		}
		return fmt.Errorf("replay append to %s: %w", p.Table, err)
	}
	h.log.Info().Str("task_id", t.ID).Str("table", p.Table).Int("attempt", t.Attempts).Msg("deferred write replayed")
	return nil
}
