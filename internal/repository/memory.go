package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/activity-etl/internal/pipeline"
)

// MemoryRunRepository keeps run history in process memory. It backs the
// server when no history database is configured and serves as a test double.
type MemoryRunRepository struct {
	mu             sync.Mutex
	Runs           map[string]*pipeline.Run
	Attempts       []pipeline.Attempt
	Stats          []RunStats
	CreateRunCalls []string
	UpdateRunCalls []pipeline.RunStatus
	CreateRunError error
	GetRunError    error
	RecentError    error
	StatsError     error
}

func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{
		Runs: make(map[string]*pipeline.Run),
	}
}

func copyRun(run *pipeline.Run) *pipeline.Run {
	c := *run
	c.Tasks = make([]*pipeline.TaskNode, 0, len(run.Tasks))
	for _, n := range run.Tasks {
		nc := *n
		c.Tasks = append(c.Tasks, &nc)
	}
	c.Warnings = append([]string(nil), run.Warnings...)
	return &c
}

func (m *MemoryRunRepository) CreateRun(_ context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateRunCalls = append(m.CreateRunCalls, run.ID)
	if m.CreateRunError != nil {
		return m.CreateRunError
	}

	m.Runs[run.ID] = copyRun(run)
	return nil
}

func (m *MemoryRunRepository) UpdateRun(_ context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateRunCalls = append(m.UpdateRunCalls, run.Status)
	stored, ok := m.Runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}

	tasks := stored.Tasks
	updated := copyRun(run)
	updated.Tasks = tasks
	m.Runs[run.ID] = updated
	return nil
}

func (m *MemoryRunRepository) SaveTaskState(_ context.Context, runID string, node *pipeline.TaskNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.Runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	for _, n := range run.Tasks {
		if n.Name == node.Name {
			n.State = node.State
			n.RetryCount = node.RetryCount
			n.Error = node.Error
		}
	}
	return nil
}

func (m *MemoryRunRepository) LogAttempt(_ context.Context, a pipeline.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Attempts = append(m.Attempts, a)
	return nil
}

func (m *MemoryRunRepository) GetRun(_ context.Context, runID string) (*pipeline.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunError != nil {
		return nil, m.GetRunError
	}

	run, ok := m.Runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return copyRun(run), nil
}

func (m *MemoryRunRepository) RecentRuns(_ context.Context, limit int) ([]pipeline.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecentError != nil {
		return nil, m.RecentError
	}

	runs := make([]pipeline.Run, 0, len(m.Runs))
	for _, r := range m.Runs {
		runs = append(runs, *copyRun(r))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryRunRepository) GetAttempts(_ context.Context, runID string) ([]AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AttemptRecord
	for _, a := range m.Attempts {
		if a.RunID != runID {
			continue
		}
		rec := AttemptRecord{
			Task:          a.Task,
			AttemptNumber: a.Number,
			Status:        string(a.Status),
			ErrorMessage:  a.Error,
		}
		if a.Duration > 0 {
			ms := a.Duration.Milliseconds()
			rec.DurationMs = &ms
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetRunStats returns Stats when set, otherwise aggregates the runs created in
// the last days.
func (m *MemoryRunRepository) GetRunStats(_ context.Context, days int) ([]RunStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsError != nil {
		return nil, m.StatsError
	}
	if m.Stats != nil {
		return m.Stats, nil
	}

	since := time.Now().AddDate(0, 0, -days)
	byStatus := make(map[pipeline.RunStatus]*RunStats)
	finished := make(map[pipeline.RunStatus]int)
	for _, r := range m.Runs {
		if r.CreatedAt.Before(since) {
			continue
		}
		st, ok := byStatus[r.Status]
		if !ok {
			st = &RunStats{Status: string(r.Status)}
			byStatus[r.Status] = st
		}
		st.Count++
		if r.StartedAt != nil && r.FinishedAt != nil {
			ms := float64(r.FinishedAt.Sub(*r.StartedAt).Milliseconds())
			n := finished[r.Status]
			st.AvgDurationMs = (st.AvgDurationMs*float64(n) + ms) / float64(n+1)
			finished[r.Status] = n + 1
		}
	}

	out := make([]RunStats, 0, len(byStatus))
	for _, st := range byStatus {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

func (m *MemoryRunRepository) Close() error {
	return nil
}

// RunStatus reports the last recorded status of a run.
func (m *MemoryRunRepository) RunStatus(runID string) (pipeline.RunStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run, ok := m.Runs[runID]; ok {
		return run.Status, true
	}
	return "", false
}

var (
	_ RunRepository = (*PostgresRunRepository)(nil)
	_ RunRepository = (*MemoryRunRepository)(nil)
)
