package domain

import "time"

type Task struct {
	ID                string
	Type              string
	Payload           []byte
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

type Attempt struct {
	ID         int64
	TaskID     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Success    bool
	Error      string
}

type Schedule struct {
	ID                string
	Name              string
	CronExpr          string
	TaskType          string
	Payload           []byte
	Priority          int
	MaxAttempts       int
	VisibilityTimeout int // seconds, carried onto each enqueued task
	Enabled           bool
	LastRun           *time.Time
	NextRun           time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Posting is one normalized job posting. Identity is (Source, ExternalID);
// FirstSeenAt never changes after insert, FetchedAt moves on every refresh.
type Posting struct {
	ID             int64
	Source         string
	ExternalID     string
	Title          string
	Company        string
	Location       string
	SalaryMin      int64
	SalaryMax      int64
	SalaryCurrency string
	EmploymentType string
	Description    string
	URL            string
	Active         bool
	FirstSeenAt    time.Time
	FetchedAt      time.Time
}
