package models

import (
	"time"
)

// Trigger identifies who asked for a generation
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerRequest  Trigger = "request"
	TriggerRefresh  Trigger = "refresh"
	TriggerOps      Trigger = "ops"
	TriggerStartup  Trigger = "startup"
	TriggerCLI      Trigger = "cli"
)

// RunOutcome is the final state of a generation attempt
type RunOutcome string

const (
	RunSucceeded RunOutcome = "success"
	RunFailed    RunOutcome = "failed"
)

// GenerationRun is the history record of one generation attempt that held the lock
type GenerationRun struct {
	ID         string                  `json:"id"`
	Template   string                  `json:"template"`
	Date       string                  `json:"date"`
	Trigger    Trigger                 `json:"trigger"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Outcome    RunOutcome              `json:"outcome"`
	Reason     FailureReason           `json:"reason,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Sources    map[string]SourceStatus `json:"sources,omitempty"`
	Digest     string                  `json:"digest,omitempty"`
}

// Duration returns how long the attempt took
func (r *GenerationRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
