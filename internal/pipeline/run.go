// Package pipeline builds the daily task graph and executes it as one run per
// logical date.
package pipeline

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/config"
)

type (
	RunStatus string
	TaskState string

	Run struct {
		ID          string      `json:"id"`
		LogicalDate time.Time   `json:"logical_date"`
		Sink        string      `json:"sink"`
		Status      RunStatus   `json:"status"`
		CreatedAt   time.Time   `json:"created_at"`
		StartedAt   *time.Time  `json:"started_at,omitempty"`
		FinishedAt  *time.Time  `json:"finished_at,omitempty"`
		Error       string      `json:"error,omitempty"`
		Warnings    []string    `json:"warnings,omitempty"`
		Tasks       []*TaskNode `json:"tasks"`
	}

	TaskNode struct {
		Name       string        `json:"name"`
		Upstream   []string      `json:"upstream"`
		State      TaskState     `json:"state"`
		RetryCount int           `json:"retry_count"`
		MaxRetries int           `json:"max_retries"`
		RetryDelay time.Duration `json:"retry_delay"`
		Timeout    time.Duration `json:"timeout"`
		Error      string        `json:"error,omitempty"`
	}
)

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

const (
	TaskPending        TaskState = "PENDING"
	TaskRunning        TaskState = "RUNNING"
	TaskSucceeded      TaskState = "SUCCEEDED"
	TaskFailed         TaskState = "FAILED"
	TaskUpstreamFailed TaskState = "UPSTREAM_FAILED"
)

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// NewRun creates a pending run with one pending node per task of g.
func NewRun(logicalDate time.Time, sinkName string, g *Graph) *Run {
	run := &Run{
		ID:          uuid.New().String(),
		LogicalDate: analytics.Day(logicalDate),
		Sink:        sinkName,
		Status:      RunPending,
		CreatedAt:   time.Now().UTC(),
	}

	for _, t := range g.Tasks() {
		run.Tasks = append(run.Tasks, &TaskNode{
			Name:       t.Name,
			Upstream:   append([]string(nil), t.Upstream...),
			State:      TaskPending,
			MaxRetries: t.MaxRetries,
			RetryDelay: t.RetryDelay,
			Timeout:    t.Timeout,
		})
	}

	return run
}

func (r *Run) Task(name string) *TaskNode {
	for _, n := range r.Tasks {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Date is the logical date in its canonical YYYY-MM-DD form.
func (r *Run) Date() string {
	return analytics.FormatDate(r.LogicalDate)
}

// RunContext is what a task sees while it executes: the run's identity, the
// immutable configuration and a logger scoped to the run.
type RunContext struct {
	RunID       string
	LogicalDate time.Time
	Config      config.Config
	Logger      *slog.Logger

	warnings []string
}

// Warn records a non-fatal finding on the run.
func (rc *RunContext) Warn(msg string) {
	rc.warnings = append(rc.warnings, msg)
}

func (rc *RunContext) Warnings() []string {
	return rc.warnings
}
