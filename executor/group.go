package executor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group hosts several agent executors in one worker process with shared
// shutdown. Each executor keeps its own subscription; cancelling the context
// stops all of them after their in-flight steps finish.
type Group struct {
	executors []*Executor
}

// NewGroup bundles executors into one runnable group.
func NewGroup(executors ...*Executor) *Group {
	return &Group{executors: executors}
}

// Add appends an executor to the group.
func (g *Group) Add(e *Executor) {
	g.executors = append(g.executors, e)
}

// Run starts every executor and blocks until all have stopped. The first
// executor error cancels the rest.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, e := range g.executors {
		eg.Go(func() error {
			return e.Run(ctx)
		})
	}
	return eg.Wait()
}
