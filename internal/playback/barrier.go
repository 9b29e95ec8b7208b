package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrBarrierTimeout is wrapped by BarrierError when not every element reported
// in before the barrier timeout.
var ErrBarrierTimeout = errors.New("playback: barrier timed out")

// BarrierError names the elements a barrier was still waiting on.
type BarrierError struct {
	Op      string
	Pending []int
	Err     error
}

func (e *BarrierError) Error() string {
	return fmt.Sprintf("playback %s: %d element(s) pending %v: %v", e.Op, len(e.Pending), e.Pending, e.Err)
}

func (e *BarrierError) Unwrap() error { return e.Err }

type wait struct {
	tile int
	sig  *Signal
}

// awaitAll blocks until every signal fires, ctx is done, or timeout elapses.
func awaitAll(ctx context.Context, op string, timeout time.Duration, waits []wait) error {
	if len(waits) == 0 {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range waits {
		w := w
		g.Go(func() error {
			select {
			case <-w.sig.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}

	var pending []int
	for _, w := range waits {
		if !w.sig.Fired() {
			pending = append(pending, w.tile)
		}
	}
	if len(pending) == 0 {
		// Everything fired while the context was being cancelled.
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = ErrBarrierTimeout
	}
	return &BarrierError{Op: op, Pending: pending, Err: err}
}

// latest returns the most recent firing time among the resolved waits.
func latest(waits []wait) (time.Time, bool) {
	var max time.Time
	ok := false
	for _, w := range waits {
		if !w.sig.Fired() {
			continue
		}
		if at := w.sig.At(); !ok || at.After(max) {
			max = at
			ok = true
		}
	}
	return max, ok
}
