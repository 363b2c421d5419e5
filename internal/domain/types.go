package domain

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// Task is a ScheduledTask row. RunAt never changes after Enqueue.
type Task struct {
	ID             string
	Type           string
	UserID         int64
	Payload        []byte
	Status         Status
	Attempts       int
	MaxAttempts    int
	LastError      string
	RunAt          time.Time
	LeaseUntil     *time.Time
	IdempotencyKey *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// NewTask is what collaborators hand to the repository.
type NewTask struct {
	Type           string
	UserID         int64
	RunAt          time.Time
	Payload        []byte
	MaxAttempts    int
	IdempotencyKey string
}

type Schedule struct {
	ID          string
	Name        string
	CronExpr    string
	TaskType    string
	UserID      int64
	Payload     []byte
	MaxAttempts int
	Enabled     bool
	LastRun     *time.Time
	NextRun     time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
