package pipeline

import (
	"context"
	"fmt"
	"time"
)

type TaskFunc func(ctx context.Context, rc *RunContext) error

// Task is the static definition of one node of the graph.
type Task struct {
	Name       string
	Upstream   []string
	Kind       ErrorKind
	Run        TaskFunc
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Graph is a validated DAG of tasks with a fixed execution order.
type Graph struct {
	tasks      []Task
	byName     map[string]int
	order      []string
	dependents map[string][]string
}

// NewGraph validates the tasks and computes a topological order using Kahn's
// algorithm. Among tasks that become ready together, declaration order wins.
func NewGraph(tasks []Task) (*Graph, error) {
	g := &Graph{
		tasks:      tasks,
		byName:     make(map[string]int, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for i, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: task %d has no name", ErrInvalidGraph, i)
		}
		if _, dup := g.byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidGraph, t.Name)
		}
		if t.Run == nil {
			return nil, fmt.Errorf("%w: task %s has no body", ErrInvalidGraph, t.Name)
		}
		g.byName[t.Name] = i
	}

	inDegree := make([]int, len(tasks))
	for i, t := range tasks {
		for _, dep := range t.Upstream {
			if dep == t.Name {
				return nil, fmt.Errorf("%w: self dependency: %s", ErrInvalidGraph, t.Name)
			}
			if _, ok := g.byName[dep]; !ok {
				return nil, fmt.Errorf("%w: unknown dependency %s of %s", ErrInvalidGraph, dep, t.Name)
			}
			g.dependents[dep] = append(g.dependents[dep], t.Name)
			inDegree[i]++
		}
	}

	done := make([]bool, len(tasks))
	for len(g.order) < len(tasks) {
		next := -1
		for i := range tasks {
			if !done[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("%w: cycle detected in task dependencies", ErrInvalidGraph)
		}

		done[next] = true
		name := tasks[next].Name
		g.order = append(g.order, name)
		for _, dep := range g.dependents[name] {
			inDegree[g.byName[dep]]--
		}
	}

	return g, nil
}

func (g *Graph) Tasks() []Task {
	return g.tasks
}

func (g *Graph) Order() []string {
	return g.order
}

func (g *Graph) Task(name string) (Task, bool) {
	i, ok := g.byName[name]
	if !ok {
		return Task{}, false
	}
	return g.tasks[i], true
}

// Downstream returns every direct and transitive dependent of name.
func (g *Graph) Downstream(name string) []string {
	var out []string
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out
}
