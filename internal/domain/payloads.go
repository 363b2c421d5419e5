package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	TypeFollowup    = "followup"
	TypeDailyDigest = "daily_digest"
	TypeSheetsWrite = "sheets_write"
	TypeLeadForward = "lead_forward"
	TypePruneTasks  = "prune_tasks"
)

// ErrPermanent marks a task failure that another attempt cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the worker fails the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Payload is implemented by every typed task payload. The task type selects
// exactly one payload struct.
type Payload interface {
	TaskType() string
}

type FollowupPayload struct {
	GuideID string `json:"guide_id"`
	Step    int    `json:"step"`
}

func (FollowupPayload) TaskType() string { return TypeFollowup }

type DigestPayload struct {
	Hours int `json:"hours"`
}

func (DigestPayload) TaskType() string { return TypeDailyDigest }

// SheetsWritePayload is a remote-store append that failed and was deferred.
type SheetsWritePayload struct {
	Table string            `json:"table"`
	Row   map[string]string `json:"row"`
}

func (SheetsWritePayload) TaskType() string { return TypeSheetsWrite }

type LeadForwardPayload struct {
	UserID  int64  `json:"user_id"`
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Source  string `json:"source,omitempty"`
	GuideID string `json:"guide_id,omitempty"`
}

func (LeadForwardPayload) TaskType() string { return TypeLeadForward }

type PruneTasksPayload struct {
	OlderThanDays int `json:"older_than_days"`
}

func (PruneTasksPayload) TaskType() string { return TypePruneTasks }

// NewTaskFor builds a NewTask whose type is taken from the payload.
func NewTaskFor(userID int64, runAt time.Time, p Payload) (NewTask, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return NewTask{}, fmt.Errorf("encode %s payload: %w", p.TaskType(), err)
	}
	return NewTask{Type: p.TaskType(), UserID: userID, RunAt: runAt, Payload: b}, nil
}

// Decode strictly decodes the task payload into P. Unknown fields and a type
// mismatch are errors.
func Decode[P Payload](t Task) (P, error) {
	var p P
	if t.Type != p.TaskType() {
		return p, Permanent(fmt.Errorf("task %s: type %q does not carry %s payload", t.ID, t.Type, p.TaskType()))
	}
	if len(bytes.TrimSpace(t.Payload)) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(t.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, Permanent(fmt.Errorf("task %s: invalid %s payload: %w", t.ID, t.Type, err))
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return p, Permanent(fmt.Errorf("task %s: invalid %s payload: trailing data", t.ID, t.Type))
	}
	return p, nil
}

// ValidatePayload checks that payload decodes as the struct registered for
// taskType.
func ValidatePayload(taskType string, payload []byte) error {
	t := Task{Type: taskType, Payload: payload}
	var err error
	switch taskType {
	case TypeFollowup:
		_, err = Decode[FollowupPayload](t)
	case TypeDailyDigest:
		_, err = Decode[DigestPayload](t)
	case TypeSheetsWrite:
		_, err = Decode[SheetsWritePayload](t)
	case TypeLeadForward:
		_, err = Decode[LeadForwardPayload](t)
	case TypePruneTasks:
		_, err = Decode[PruneTasksPayload](t)
	default:
		return fmt.Errorf("unknown task type %q", taskType)
	}
	return err
}
