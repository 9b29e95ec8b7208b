package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestEveryRunsAtFixedDelay(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock, zaptest.NewLogger(t))

	var at []time.Duration
	s.Every("tick", 100*time.Millisecond, func(now time.Time) {
		at = append(at, now.Sub(epoch))
	})

	_, err := s.Advance(350 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, at)
	assert.Equal(t, epoch.Add(350*time.Millisecond), clock.Now())
}

func TestInterleavedTasksRunInDueOrder(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock, zaptest.NewLogger(t))

	var order []string
	s.Every("decide", time.Second, func(time.Time) { order = append(order, "decide") })
	s.Every("gate", time.Second, func(time.Time) { order = append(order, "gate") })
	s.Every("score", 5*time.Second, func(time.Time) { order = append(order, "score") })

	_, err := s.Advance(5 * time.Second)
	require.NoError(t, err)

	require.Len(t, order, 11)
	// Same due time resolves in scheduling order.
	assert.Equal(t, []string{"decide", "gate"}, order[:2])
	// score was armed before the re-armed periodic tasks, so it wins the 5s tie.
	assert.Equal(t, []string{"score", "decide", "gate"}, order[8:])
}

func TestAfterAndStop(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock, zaptest.NewLogger(t))

	fired := 0
	s.After(50*time.Millisecond, func(time.Time) { fired++ })
	task := s.Every("stopped", 10*time.Millisecond, func(time.Time) { fired += 100 })
	task.Stop()

	_, err := s.Advance(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Zero(t, task.Runs())
}

func TestPostRunsOnAdvance(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	var got []int
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Post(func() { got = append(got, i) })
		}(i)
	}
	wg.Wait()

	n := s.RunPending()
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []int{0, 1, 2}, got)
}

func TestTaskPanicDoesNotStopScheduler(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock, zaptest.NewLogger(t))

	runs := 0
	s.Every("boom", time.Second, func(time.Time) {
		runs++
		panic("boom")
	})

	_, err := s.Advance(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, runs)
}

func TestAdvanceRequiresManualClock(t *testing.T) {
	s := New(RealClock{}, zaptest.NewLogger(t))
	_, err := s.Advance(time.Second)
	assert.ErrorIs(t, err, ErrNotManual)
}

func TestRunOnRealClock(t *testing.T) {
	s := New(RealClock{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var once sync.Once
	s.Every("real", 5*time.Millisecond, func(time.Time) {
		once.Do(func() { close(done) })
	})

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic task never ran")
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
