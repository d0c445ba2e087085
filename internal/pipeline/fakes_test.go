package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/extract"
	"github.com/nadmax/activity-etl/internal/notify"
	"github.com/nadmax/activity-etl/internal/sink"
	"github.com/nadmax/activity-etl/internal/staging"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryStager struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryStager() *memoryStager {
	return &memoryStager{data: make(map[string][]byte)}
}

func (m *memoryStager) Put(_ context.Context, runID, stage string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[runID+"/"+stage] = b
	return nil
}

func (m *memoryStager) Get(_ context.Context, runID, stage string, v any) error {
	m.mu.Lock()
	b, ok := m.data[runID+"/"+stage]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: run %s stage %s", staging.ErrNotStaged, runID, stage)
	}
	return json.Unmarshal(b, v)
}

type fakeExtractor struct {
	stager  *memoryStager
	events  []analytics.RawActivityEvent
	windows []extract.Window
	err     error
}

func (f *fakeExtractor) Run(ctx context.Context, runID string, w extract.Window) (int, error) {
	f.windows = append(f.windows, w)
	if f.err != nil {
		return 0, f.err
	}
	if err := f.stager.Put(ctx, runID, extract.Stage, analytics.NewEventColumns(f.events)); err != nil {
		return 0, err
	}
	return len(f.events), nil
}

// fakeSink computes quality stats from what was loaded unless stats is set.
type fakeSink struct {
	caps         sink.Capabilities
	batches      []sink.Batch
	loadFailures int
	loadErr      error
	stats        *sink.QualityStats
	schemaCalls  int
	cleanupCalls int
}

func (f *fakeSink) Capabilities() sink.Capabilities { return f.caps }

func (f *fakeSink) EnsureSchema(context.Context) error {
	f.schemaCalls++
	return nil
}

func (f *fakeSink) Load(_ context.Context, b sink.Batch) error {
	if f.loadFailures > 0 {
		f.loadFailures--
		return errors.New("connection reset by peer")
	}
	if f.loadErr != nil {
		return f.loadErr
	}
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeSink) QualityStats(_ context.Context, scope sink.Scope) (sink.QualityStats, error) {
	if f.stats != nil {
		return *f.stats, nil
	}
	var st sink.QualityStats
	if len(f.batches) == 0 {
		return st, nil
	}
	last := f.batches[len(f.batches)-1]
	for _, d := range last.Daily {
		if !d.ActivityDate.Equal(analytics.Day(scope.LogicalDate)) {
			continue
		}
		st.Total++
		st.NonNullUserIDs++
		st.NonNullActions++
		if d.TotalActions < 0 || d.EngagementScore < 0 {
			st.Invalid++
		}
	}
	return st, nil
}

func (f *fakeSink) Cleanup(context.Context, time.Time) (sink.CleanupResult, error) {
	f.cleanupCalls++
	return sink.CleanupResult{}, nil
}

func (f *fakeSink) Close() error { return nil }

type fakeWarehouse struct {
	fakeSink
	merged []sink.Scope
}

func (f *fakeWarehouse) Merge(_ context.Context, scope sink.Scope, _ time.Time) (int64, error) {
	f.merged = append(f.merged, scope)
	return 1, nil
}

type fakeLock struct {
	mu       sync.Mutex
	held     map[string]string
	released []string
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]string)}
}

func (l *fakeLock) AcquireRunLock(_ context.Context, date, runID string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[date]; ok {
		return false, nil
	}
	l.held[date] = runID
	return true, nil
}

func (l *fakeLock) ReleaseRunLock(_ context.Context, date, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[date] == runID {
		delete(l.held, date)
		l.released = append(l.released, date)
	}
	return nil
}

func (l *fakeLock) RunLockHolder(_ context.Context, date string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[date], nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	created  []string
	statuses []RunStatus
	states   map[string][]TaskState
	attempts []Attempt
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{states: make(map[string][]TaskState)}
}

func (r *fakeRecorder) CreateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, run.ID)
	r.statuses = append(r.statuses, run.Status)
	return nil
}

func (r *fakeRecorder) UpdateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, run.Status)
	return nil
}

func (r *fakeRecorder) SaveTaskState(_ context.Context, _ string, node *TaskNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[node.Name] = append(r.states[node.Name], node.State)
	return nil
}

func (r *fakeRecorder) LogAttempt(_ context.Context, a Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

type fakeNotifier struct {
	failures []notify.Failure
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, f notify.Failure) error {
	n.failures = append(n.failures, f)
	return nil
}
