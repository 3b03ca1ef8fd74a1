package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task resolves one named dependency.
type Task struct {
	// Name keys the outcome in the flags map, e.g. "address".
	Name string

	// Resolve fetches the dependency and fails with a marker error when it
	// is not usable.
	Resolve func(ctx context.Context) error
}

// All resolves every task concurrently and returns a flag per task name,
// true when the dependency is usable. Tasks always run to completion so the
// flags reflect every dependency, not just the first failing one; the
// returned error joins all failures.
func All(ctx context.Context, tasks ...Task) (map[string]bool, error) {
	flags := make(map[string]bool, len(tasks))
	errs := make([]error, len(tasks))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for i, task := range tasks {
		g.Go(func() error {
			err := task.Resolve(ctx)

			mu.Lock()
			flags[task.Name] = err == nil
			mu.Unlock()

			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", task.Name, err)
			}

			return nil
		})
	}
	_ = g.Wait()

	return flags, errors.Join(errs...)
}
