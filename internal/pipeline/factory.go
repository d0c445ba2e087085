package pipeline

import (
	"fmt"

	"github.com/nadmax/activity-etl/internal/config"
	"github.com/nadmax/activity-etl/internal/sink"
)

const (
	TaskEnsureSchema = "ensure_schema"
	TaskExtract      = "extract"
	TaskTransform    = "transform"
	TaskLoad         = "load"
	TaskQualityCheck = "quality_check"
	TaskMerge        = "merge"
	TaskCleanup      = "cleanup"
)

// Tasks holds the body of every stage. Merge is only needed by sinks that
// merge.
type Tasks struct {
	EnsureSchema TaskFunc
	Extract      TaskFunc
	Transform    TaskFunc
	Load         TaskFunc
	QualityCheck TaskFunc
	Merge        TaskFunc
	Cleanup      TaskFunc
}

// Build returns the task graph for a sink: the warehouse chain when the sink
// merges into production, the relational chain otherwise. Every task gets the
// same retry policy.
func Build(caps sink.Capabilities, tasks Tasks, retry config.RetryConfig) (*Graph, error) {
	type stage struct {
		name string
		kind ErrorKind
		run  TaskFunc
	}

	chain := []stage{
		{TaskEnsureSchema, KindSchema, tasks.EnsureSchema},
		{TaskExtract, KindExtraction, tasks.Extract},
		{TaskTransform, KindTransformation, tasks.Transform},
		{TaskLoad, KindLoad, tasks.Load},
		{TaskQualityCheck, KindQuality, tasks.QualityCheck},
	}
	if caps.Merge {
		if tasks.Merge == nil {
			return nil, fmt.Errorf("%w: sink %s merges but no merge task was given", ErrInvalidGraph, caps.Name)
		}
		chain = append(chain, stage{TaskMerge, KindMerge, tasks.Merge})
	}
	chain = append(chain, stage{TaskCleanup, KindCleanup, tasks.Cleanup})

	nodes := make([]Task, 0, len(chain))
	for i, s := range chain {
		t := Task{
			Name:       s.name,
			Kind:       s.kind,
			Run:        s.run,
			MaxRetries: retry.MaxRetries,
			RetryDelay: retry.Delay,
			Timeout:    retry.TaskTimeout,
		}
		if i > 0 {
			t.Upstream = []string{chain[i-1].name}
		}
		nodes = append(nodes, t)
	}

	return NewGraph(nodes)
}
