package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"leadflow/internal/domain"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned when a transition targets a done/failed task.
	ErrTerminal = errors.New("task already in a terminal state")
)

const maxErrorLen = 500

type Repository interface {
	Enqueue(ctx context.Context, t domain.NewTask) (string, error)
	GetDue(ctx context.Context, limit int, now time.Time) ([]domain.Task, error)
	Reclaimable(ctx context.Context, limit int, now time.Time) ([]domain.Task, error)
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	Release(ctx context.Context, id, errStr string, retryAt time.Time) error
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errStr string) error
	Cancel(ctx context.Context, id, reason string) error
	CancelQueued(ctx context.Context, userID int64, taskType, keyPrefix, reason string) (int, error)
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	EnsureSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// SQLiteRepo is the durable task store.
type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*SQLiteRepo)

// WithClock overrides the clock used for created_at/updated_at/finished_at.
func WithClock(now func() time.Time) Option { return func(r *SQLiteRepo) { r.now = now } }

func NewSQLiteRepo(db *sql.DB, opts ...Option) *SQLiteRepo {
	r := &SQLiteRepo{db: db, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

const taskColumns = `id,task_type,user_id,payload,status,attempts,max_attempts,last_error,run_at,lease_until,idempotency_key,created_at,updated_at,finished_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var (
		t                    domain.Task
		status               string
		lastErr, idem        sql.NullString
		runAt, created, upd  int64
		leaseUntil, finished sql.NullInt64
	)
	if err := scan(&t.ID, &t.Type, &t.UserID, &t.Payload, &status, &t.Attempts, &t.MaxAttempts, &lastErr,
		&runAt, &leaseUntil, &idem, &created, &upd, &finished); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.LastError = lastErr.String
	t.RunAt = fromMS(runAt)
	t.LeaseUntil = nullMS(leaseUntil)
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(upd)
	t.FinishedAt = nullMS(finished)
	return t, nil
}

func (r *SQLiteRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Enqueue stores a pending task. A task carrying an idempotency key that
// matches a still-pending task returns the existing id instead.
func (r *SQLiteRepo) Enqueue(ctx context.Context, t domain.NewTask) (string, error) {
	if strings.TrimSpace(t.Type) == "" {
		return "", errors.New("task type is required")
	}
	now := r.now()
	if t.RunAt.IsZero() {
		t.RunAt = now
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 1
	}
	if t.Payload == nil {
		t.Payload = []byte("{}")
	}
	var idem any
	if t.IdempotencyKey != "" {
		idem = t.IdempotencyKey
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if t.IdempotencyKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM scheduled_tasks WHERE idempotency_key = ? AND status = 'pending'`, t.IdempotencyKey,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}

	id := "tsk_" + newID()
	_, err = tx.ExecContext(ctx, `
INSERT INTO scheduled_tasks (id,task_type,user_id,payload,status,attempts,max_attempts,run_at,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,'pending',0,?,?,?,?,?)
`, id, t.Type, t.UserID, t.Payload, t.MaxAttempts, toMS(t.RunAt), idem, toMS(now), toMS(now))
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// GetDue returns pending tasks with run_at <= now, oldest first. Pure read.
func (r *SQLiteRepo) GetDue(ctx context.Context, limit int, now time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks
WHERE status='pending' AND run_at <= ?
ORDER BY run_at ASC, id ASC
LIMIT ?`, toMS(now), limit)
}

// Reclaimable returns in_progress tasks whose lease expired: abandoned by a
// crashed worker or waiting out a retry backoff.
func (r *SQLiteRepo) Reclaimable(ctx context.Context, limit int, now time.Time) ([]domain.Task, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks
WHERE status='in_progress' AND lease_until IS NOT NULL AND lease_until <= ?
ORDER BY run_at ASC, id ASC
LIMIT ?`, toMS(now), limit)
}

// Claim atomically moves a due pending task (or an in_progress task with an
// expired lease) to in_progress under a fresh lease. It reports false when
// another poller got there first or the task is terminal.
func (r *SQLiteRepo) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET status='in_progress', attempts=attempts+1, lease_until=?, updated_at=?
WHERE id=? AND (
  (status='pending' AND run_at <= ?) OR
  (status='in_progress' AND lease_until IS NOT NULL AND lease_until <= ?)
)`, toMS(now.Add(lease)), toMS(r.now()), id, toMS(now), toMS(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release records a failed attempt and keeps the task in_progress until
// retryAt, after which it becomes reclaimable.
func (r *SQLiteRepo) Release(ctx context.Context, id, errStr string, retryAt time.Time) error {
	return r.finish(ctx, id, errStr, false, `
UPDATE scheduled_tasks SET last_error=?, lease_until=?, updated_at=?
WHERE id=? AND status='in_progress'`, truncate(errStr), toMS(retryAt), toMS(r.now()), id)
}

func (r *SQLiteRepo) MarkDone(ctx context.Context, id string) error {
	now := toMS(r.now())
	return r.finish(ctx, id, "", true, `
UPDATE scheduled_tasks SET status='done', lease_until=NULL, finished_at=?, updated_at=?
WHERE id=? AND status='in_progress'`, now, now, id)
}

func (r *SQLiteRepo) MarkFailed(ctx context.Context, id, errStr string) error {
	now := toMS(r.now())
	return r.finish(ctx, id, errStr, false, `
UPDATE scheduled_tasks SET status='failed', last_error=?, lease_until=NULL, finished_at=?, updated_at=?
WHERE id=? AND status IN ('pending','in_progress')`, truncate(errStr), now, now, id)
}

// finish runs a guarded transition and appends an attempt row when it applied.
func (r *SQLiteRepo) finish(ctx context.Context, id, errStr string, success bool, query string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.transitionError(ctx, tx, id)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, attempt, finished_at, success, error)
SELECT id, attempts, ?, ?, ? FROM scheduled_tasks WHERE id=?`, toMS(r.now()), success, truncate(errStr), id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepo) transitionError(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM scheduled_tasks WHERE id=?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if domain.Status(status).Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, status, ErrTerminal)
	}
	return fmt.Errorf("task %s: invalid transition from %s", id, status)
}

// Cancel fails a pending task, keeping the row for audit.
func (r *SQLiteRepo) Cancel(ctx context.Context, id, reason string) error {
	now := toMS(r.now())
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET status='failed', last_error=?, finished_at=?, updated_at=?
WHERE id=? AND status='pending'`, truncate("canceled: "+reason), now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is %s, only pending tasks can be canceled: %w", id, t.Status, ErrTerminal)
	}
	return nil
}

// CancelQueued fails every task of a user that is still waiting to run:
// pending rows and in_progress rows released for a retry whose backoff has
// not elapsed. It can be narrowed by task type and idempotency key prefix;
// empty filters match everything.
func (r *SQLiteRepo) CancelQueued(ctx context.Context, userID int64, taskType, keyPrefix, reason string) (int, error) {
	now := toMS(r.now())
	query := `UPDATE scheduled_tasks SET status='failed', last_error=?, lease_until=NULL, finished_at=?, updated_at=?
WHERE user_id=? AND (
  status='pending' OR
  (status='in_progress' AND last_error IS NOT NULL AND lease_until > ?)
)`
	args := []any{truncate("canceled: " + reason), now, now, userID, now}
	if taskType != "" {
		query += ` AND task_type=?`
		args = append(args, taskType)
	}
	if keyPrefix != "" {
		query += ` AND substr(idempotency_key, 1, ?) = ?`
		args = append(args, len(keyPrefix), keyPrefix)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneTerminal deletes done/failed tasks (and their attempts) that finished
// before the cutoff.
func (r *SQLiteRepo) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cut := toMS(before)
	if _, err := tx.ExecContext(ctx, `
DELETE FROM task_attempts WHERE task_id IN (
  SELECT id FROM scheduled_tasks WHERE status IN ('done','failed') AND finished_at < ?
)`, cut); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE status IN ('done','failed') AND finished_at < ?`, cut)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *SQLiteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (r *SQLiteRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.Status]int{
		domain.StatusPending: 0, domain.StatusInProgress: 0, domain.StatusDone: 0, domain.StatusFailed: 0,
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.Status(s)] = n
	}
	return out, rows.Err()
}

// newID returns a time-ordered UUIDv7, falling back to a random UUID.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func truncate(s string) any {
	if s == "" {
		return nil
	}
	if len(s) > maxErrorLen {
		cut := maxErrorLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
