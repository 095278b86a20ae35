package traceagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// NewSafeGroup creates a SafeGroup backed by errgroup.WithContext.
// The derived context is canceled on parent cancellation or the first
// non-nil worker error.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: ctx}
}

// SafeGroup is an errgroup.Group with safer defaults for long-running
// workers: panic recovery with restart backoff, and interruptible
// waiting for shutdown handling.
type SafeGroup struct {
	*errgroup.Group
	ctx context.Context
	// parent is the caller-provided context (typically
	// signal.NotifyContext); WaitOrInterrupt observes this one so a
	// worker error is not normalized into context.Canceled.
	parent context.Context
}

// GoSafe runs fn in an errgroup goroutine. Panics are recovered,
// printed to stderr and followed by a restart with exponential
// backoff; returned errors keep errgroup semantics and cancel
// siblings.
//
// Structured logging is avoided here on purpose: a panic may originate
// in the logger itself.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			if sg.ctx != nil && sg.ctx.Err() != nil {
				return nil
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(sg.ctx)
			}()

			if !panicked {
				return err
			}

			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// WaitOrInterrupt waits for the group, returning early with the parent
// context error when shutdown outlives gracePeriod.
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	if sg.parent == nil {
		return sg.Group.Wait()
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sg.Group.Wait()
	}()

	select {
	case err := <-waitCh:
		return normalizeInterruptError(sg.parent, err)
	case <-sg.parent.Done():
		if gracePeriod <= 0 {
			return sg.parent.Err()
		}
		select {
		case err := <-waitCh:
			return normalizeInterruptError(sg.parent, err)
		case <-time.After(gracePeriod):
			return sg.parent.Err()
		}
	}
}

func normalizeInterruptError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
