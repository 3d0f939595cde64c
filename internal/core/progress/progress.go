// Package progress carries a cooperative progress monitor through a context.
// Cancellation itself is the context's job; a Monitor only reports work.
package progress

import (
	"context"
	"sync/atomic"
)

// Monitor receives progress reports from long running operations.
type Monitor interface {
	Begin(task string, total int)
	Subtask(name string)
	Worked(units int)
	Done()
}

type monitorKey struct{}

// WithMonitor attaches m to ctx.
func WithMonitor(ctx context.Context, m Monitor) context.Context {
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, monitorKey{}, m)
}

// From returns the monitor attached to ctx, or a no-op monitor.
func From(ctx context.Context) Monitor {
	if ctx != nil {
		if m, ok := ctx.Value(monitorKey{}).(Monitor); ok {
			return m
		}
	}
	return Nop{}
}

// Nop discards all reports.
type Nop struct{}

func (Nop) Begin(string, int) {}
func (Nop) Subtask(string)    {}
func (Nop) Worked(int)        {}
func (Nop) Done()             {}

// Counter is a Monitor that only tallies work, safe for concurrent use.
type Counter struct {
	total  atomic.Int64
	worked atomic.Int64
	task   atomic.Value // string
}

func (c *Counter) Begin(task string, total int) {
	c.task.Store(task)
	c.total.Add(int64(total))
}

func (c *Counter) Subtask(string) {}

func (c *Counter) Worked(units int) {
	c.worked.Add(int64(units))
}

func (c *Counter) Done() {}

// Progress returns the units worked and the announced total.
func (c *Counter) Progress() (worked, total int64) {
	return c.worked.Load(), c.total.Load()
}
