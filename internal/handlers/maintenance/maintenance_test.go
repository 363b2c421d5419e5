package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"leadflow/internal/domain"
)

type pruner struct{ before time.Time }

func (p *pruner) PruneTerminal(_ context.Context, before time.Time) (int, error) {
	p.before = before
	return 3, nil
}

func TestPruneCutoff(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		days int
		want time.Time
	}{
		{0, now.AddDate(0, 0, -DefaultRetentionDays)},
		{7, now.AddDate(0, 0, -7)},
	}
	for _, tt := range tests {
		p := &pruner{}
		h := New(p, zerolog.Nop())
		h.now = func() time.Time { return now }
		if err := h.Handle(context.Background(), domain.Task{}, domain.PruneTasksPayload{OlderThanDays: tt.days}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if !p.before.Equal(tt.want) {
			t.Errorf("days=%d: before = %v, want %v", tt.days, p.before, tt.want)
		}
	}
}
