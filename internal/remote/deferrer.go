package remote

import (
	"context"
	"time"

	"leadflow/internal/domain"
)

// Enqueuer is the part of the task store the deferrer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, t domain.NewTask) (string, error)
}

const deferredWriteAttempts = 5

// QueueDeferrer stores failed writes as sheets_write tasks.
type QueueDeferrer struct {
	q     Enqueuer
	delay time.Duration
	now   func() time.Time
}

// NewQueueDeferrer schedules replays delay after the failure (1m if zero).
func NewQueueDeferrer(q Enqueuer, delay time.Duration) *QueueDeferrer {
	if delay <= 0 {
		delay = time.Minute
	}
	return &QueueDeferrer{q: q, delay: delay, now: time.Now}
}

func (d *QueueDeferrer) DeferWrite(ctx context.Context, table string, row Record) (string, error) {
	nt, err := domain.NewTaskFor(0, d.now().Add(d.delay), domain.SheetsWritePayload{Table: table, Row: map[string]string(row)})
	if err != nil {
		return "", err
	}
	nt.MaxAttempts = deferredWriteAttempts
	return d.q.Enqueue(ctx, nt)
}
