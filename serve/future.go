package serve

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// deviceFuture is an in-flight device computation. The caller may do host
// work that does not read the result before calling Wait.
type deviceFuture[T any] struct {
	group  *errgroup.Group
	result T
}

// launchDevice starts fn and returns immediately.
func launchDevice[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *deviceFuture[T] {
	group, gctx := errgroup.WithContext(ctx)
	f := &deviceFuture[T]{group: group}
	group.Go(func() error {
		result, err := fn(gctx)
		f.result = result
		return err
	})
	return f
}

// Wait blocks until the computation finishes.
func (f *deviceFuture[T]) Wait() (T, error) {
	err := f.group.Wait()
	return f.result, err
}
