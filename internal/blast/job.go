// Package blast runs bulk sends over a contact list, one contact at a time,
// under the anti-ban throttle.
package blast

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyRunning is returned when starting a blast while another one runs
	ErrAlreadyRunning = errors.New("a blast is already running")
	// ErrNotRunning is returned when stopping while no blast runs
	ErrNotRunning = errors.New("no blast is running")
	// ErrInvalidRequest wraps validation failures of a blast or send request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoContacts is returned when a blast resolves to zero contacts
	ErrNoContacts = errors.New("no contacts to send to")
	// ErrStopped is recorded for a contact whose send was interrupted by Stop
	ErrStopped = errors.New("stopped")
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusHalted    Status = "halted"
	StatusFailed    Status = "failed"
)

// Attachment modes
const (
	AttachNone    = "none"
	AttachMatched = "matched"
	AttachSingle  = "single"
)

// Per-contact result states
const (
	ResultPending = "pending"
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Request describes a blast
type Request struct {
	ContactIDs    []uint64 `json:"contact_ids,omitempty"`
	Message       string   `json:"message,omitempty"`
	TemplateID    string   `json:"template_id,omitempty"`
	Attachment    string   `json:"attachment,omitempty"`
	Filename      string   `json:"filename,omitempty"`
	SkipUnmatched bool     `json:"skip_unmatched,omitempty"`
	MaxRetries    *int     `json:"max_retries,omitempty"`
}

// ContactResult is the outcome for one contact
type ContactResult struct {
	ContactID   uint64     `json:"contact_id"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone"`
	Status      string     `json:"status"`
	Attachment  string     `json:"attachment,omitempty"`
	MatchSource string     `json:"match_source,omitempty"`
	MessageID   string     `json:"message_id,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	Error       string     `json:"error,omitempty"`
	At          *time.Time `json:"at,omitempty"`
}

// Job is a blast execution
type Job struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status"`
	Request    Request         `json:"request"`
	Body       string          `json:"body"`
	Total      int             `json:"total"`
	Sent       int             `json:"sent"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Results    []ContactResult `json:"results,omitempty"`
	HaltReason string          `json:"halt_reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Processed returns the number of contacts with a final result
func (j *Job) Processed() int {
	return j.Sent + j.Failed + j.Skipped
}

// Done reports whether the job reached a final status
func (j *Job) Done() bool {
	return j.Status != StatusRunning
}

func (j *Job) clone() *Job {
	c := *j
	c.Results = append([]ContactResult(nil), j.Results...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// summary drops per-contact results for history listings
func (j *Job) summary() *Job {
	c := *j
	c.Results = nil
	return &c
}

// Progress is published after every contact
type Progress struct {
	JobID    string         `json:"job_id"`
	Index    int            `json:"index"`
	Total    int            `json:"total"`
	Sent     int            `json:"sent"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Contact  *ContactResult `json:"contact,omitempty"`
	NextWait string         `json:"next_wait,omitempty"`
}
