package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrNotOwner          = errors.New("job belongs to another user")
	ErrTerminalState     = errors.New("job already reached a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPreparing       Status = "PREPARING"
	StatusRunning         Status = "RUNNING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusKilledNoCredits Status = "KILLED_NO_CREDITS"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusKilledNoCredits:
		return true
	}
	return false
}

// IsBillable reports whether heartbeats may charge for this job.
func (s Status) IsBillable() bool {
	return s == StatusPreparing || s == StatusRunning
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusPreparing, StatusCancelled, StatusFailed},
	StatusPreparing: {StatusRunning, StatusCancelled, StatusFailed, StatusKilledNoCredits},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusKilledNoCredits},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResourceConfig is the per-job resource request, stored as jsonb.
type ResourceConfig struct {
	MemoryLimit    string `json:"memory_limit"`
	CPUCount       int    `json:"cpu_count"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type Job struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Status         Status
	ScriptPath     string
	DatasetPath    *string
	OutputPath     *string
	LogsPath       *string
	ContainerID    *string
	DockerImage    string
	Resources      ResourceConfig
	CreatedAt      time.Time
	QueuedAt       *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	RuntimeSeconds int
	TotalCost      decimal.Decimal
	ErrorMessage   *string
	ExitCode       *int
}

// StatusReport is a status change coming back from the execution node.
type StatusReport struct {
	JobID          uuid.UUID
	Status         Status
	ContainerID    string
	RuntimeSeconds int
	ExitCode       *int
	ErrorMessage   string
}
