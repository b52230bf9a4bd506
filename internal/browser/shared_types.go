// internal/browser/shared_types.go
package browser

import (
	"context"
	"time"
)

// CombineContext creates a context derived from ctx1 that is also canceled
// when ctx2 is. ctx1 carries the chromedp target, ctx2 the caller's deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)
	if deadline, ok := ctx2.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combinedCtx, cancelDeadline = context.WithDeadline(combinedCtx, deadline)
		prev := cancel
		cancel = func() { cancelDeadline(); prev() }
	}

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// valueOnlyContext is a context that inherits values but not cancellation.
// Cleanup that must run after the parent is canceled uses it.
type valueOnlyContext struct{ context.Context }

func (valueOnlyContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (valueOnlyContext) Done() <-chan struct{}       { return nil }
func (valueOnlyContext) Err() error                  { return nil }

// Detach returns a context that keeps ctx's values but ignores its deadline
// and cancellation.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
