package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"leadflow/internal/domain"
)

var ErrScheduleNotFound = errors.New("schedule not found")

const scheduleColumns = `id,name,cron_expr,task_type,user_id,payload,max_attempts,enabled,last_run,next_run,created_at,updated_at`

func scanSchedule(scan func(dest ...any) error) (domain.Schedule, error) {
	var (
		s                     domain.Schedule
		lastRun               sql.NullInt64
		nextRun, created, upd int64
	)
	if err := scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &s.UserID, &s.Payload, &s.MaxAttempts, &s.Enabled,
		&lastRun, &nextRun, &created, &upd); err != nil {
		return domain.Schedule{}, err
	}
	s.LastRun = nullMS(lastRun)
	s.NextRun = fromMS(nextRun)
	s.CreatedAt = fromMS(created)
	s.UpdatedAt = fromMS(upd)
	return s, nil
}

func (r *SQLiteRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func normalizeSchedule(s *domain.Schedule) {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 1
	}
	if s.Payload == nil {
		s.Payload = []byte("{}")
	}
}

func (r *SQLiteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	normalizeSchedule(&s)
	now := toMS(r.now())

	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,task_type,user_id,payload,max_attempts,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,NULL,?,?,?)
`, id, s.Name, s.CronExpr, s.TaskType, s.UserID, s.Payload, s.MaxAttempts, s.Enabled, toMS(s.NextRun), now, now)
	return id, err
}

// EnsureSchedule upserts a schedule by name. next_run is only reset when the
// cron expression changed, so restarts don't skip or repeat a run.
func (r *SQLiteRepo) EnsureSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	normalizeSchedule(&s)
	now := toMS(r.now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,task_type,user_id,payload,max_attempts,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,NULL,?,?,?)
ON CONFLICT(name) DO UPDATE SET
  next_run = CASE WHEN schedules.cron_expr = excluded.cron_expr THEN schedules.next_run ELSE excluded.next_run END,
  cron_expr = excluded.cron_expr,
  task_type = excluded.task_type,
  user_id = excluded.user_id,
  payload = excluded.payload,
  max_attempts = excluded.max_attempts,
  enabled = excluded.enabled,
  updated_at = excluded.updated_at
`, "sch_"+uuid.NewString(), s.Name, s.CronExpr, s.TaskType, s.UserID, s.Payload, s.MaxAttempts, s.Enabled, toMS(s.NextRun), now, now)
	if err != nil {
		return "", err
	}
	var id string
	err = r.db.QueryRowContext(ctx, `SELECT id FROM schedules WHERE name=?`, s.Name).Scan(&id)
	return id, err
}

func (r *SQLiteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrScheduleNotFound
	}
	return s, err
}

func (r *SQLiteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (r *SQLiteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	normalizeSchedule(&s)
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,task_type=?,user_id=?,payload=?,max_attempts=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, s.Name, s.CronExpr, s.TaskType, s.UserID, s.Payload, s.MaxAttempts, s.Enabled, toMS(s.NextRun), toMS(r.now()), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (r *SQLiteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (r *SQLiteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, toMS(now))
}

func (r *SQLiteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`, toMS(lastRun), toMS(nextRun), toMS(r.now()), id)
	return err
}
