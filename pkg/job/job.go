package job

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// MaxErrorLength caps the diagnostic text stored on a failed job. Longer
// text keeps its end, where encoders print the fatal message.
const MaxErrorLength = 1024

const elision = "…"

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// AllowedFrom lists the states a job must be in for a transition into to.
// PROCESSING may be re-entered so a redelivered work item can restart a job
// whose previous attempt crashed.
func AllowedFrom(to Status) []Status {
	switch to {
	case StatusProcessing:
		return []Status{StatusQueued, StatusProcessing}
	case StatusCompleted, StatusFailed:
		return []Status{StatusProcessing}
	}
	return nil
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

type Job struct {
	ID           string    `json:"jobId"`
	OwnerID      string    `json:"ownerId"`
	InputKey     string    `json:"inputKey"`
	TargetFormat Format    `json:"targetFormat"`
	OutputKey    string    `json:"outputKey,omitempty"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Progress     int64     `json:"progress"`
	Attempts     int64     `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// New returns a freshly submitted job in the QUEUED state.
func New(id, ownerID, inputKey string, format Format, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:           id,
		OwnerID:      ownerID,
		InputKey:     inputKey,
		TargetFormat: format,
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks the record-level invariants: outputKey is set exactly when
// the job completed and error exactly when it failed.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	if (j.OutputKey != "") != (j.Status == StatusCompleted) {
		return fmt.Errorf("job %s: outputKey must be set iff status is %s", j.ID, StatusCompleted)
	}
	if (j.Error != "") != (j.Status == StatusFailed) {
		return fmt.Errorf("job %s: error must be set iff status is %s", j.ID, StatusFailed)
	}
	return nil
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	tmp := *j
	return &tmp
}

// Message is the work item body carried by the queue.
type Message struct {
	JobID        string `json:"jobId"`
	InputKey     string `json:"inputKey"`
	TargetFormat Format `json:"targetFormat"`
}

func (m Message) Validate() error {
	if m.JobID == "" {
		return errors.New("message has no jobId")
	}
	if m.InputKey == "" {
		return errors.New("message has no inputKey")
	}
	if _, err := ParseFormat(string(m.TargetFormat)); err != nil {
		return err
	}
	return nil
}

// Update is the set of mutable fields written by a single transition.
type Update struct {
	Status    Status
	OutputKey string
	Error     string
	UpdatedAt time.Time
}

func Processing(now time.Time) Update {
	return Update{Status: StatusProcessing, UpdatedAt: now.UTC()}
}

func Completed(outputKey string, now time.Time) Update {
	return Update{Status: StatusCompleted, OutputKey: outputKey, UpdatedAt: now.UTC()}
}

func Failed(msg string, now time.Time) Update {
	if msg == "" {
		msg = "job failed without diagnostic output"
	}
	msg = keepTail(msg, MaxErrorLength)
	return Update{Status: StatusFailed, Error: msg, UpdatedAt: now.UTC()}
}

func keepTail(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	start := len(msg) - (max - len(elision))
	for start < len(msg) && !utf8.RuneStart(msg[start]) {
		start++
	}
	return elision + msg[start:]
}

// Apply returns a copy of j with u applied, enforcing the state machine.
// Stores that cannot express the update as one conditional write use it to
// compute the resulting record under their own lock.
func (u Update) Apply(j *Job) (*Job, error) {
	if !CanTransition(j.Status, u.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, u.Status)
	}
	next := j.Clone()
	next.Status = u.Status
	next.UpdatedAt = u.UpdatedAt
	switch u.Status {
	case StatusProcessing:
		next.OutputKey = ""
		next.Error = ""
		next.Progress = 0
		next.Attempts++
	case StatusCompleted:
		next.OutputKey = u.OutputKey
		next.Error = ""
		next.Progress = 100
	case StatusFailed:
		next.OutputKey = ""
		next.Error = u.Error
	}
	return next, nil
}

var ErrInvalidTransition = errors.New("invalid status transition")
