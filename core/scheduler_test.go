package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalJobFiresImmediately(t *testing.T) {
	s := NewScheduler(RealClock{}, time.UTC)
	s.tick = 5 * time.Millisecond

	var runs atomic.Int32
	s.Add(&Job{Name: "fast", Every: time.Hour,
		Run: func(context.Context) { runs.Add(1) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() == 1 },
		time.Second, 5*time.Millisecond, "first run happens now, not after the interval")
	s.Stop()
	assert.Equal(t, int32(1), runs.Load())
}

func TestSlowJobSkipsSlotsInsteadOfStacking(t *testing.T) {
	s := NewScheduler(RealClock{}, time.UTC)
	s.tick = 5 * time.Millisecond

	var runs atomic.Int32
	s.Add(&Job{Name: "slow", Every: 10 * time.Millisecond,
		Run: func(context.Context) {
			runs.Add(1)
			time.Sleep(120 * time.Millisecond)
		}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(250 * time.Millisecond)
	s.Stop()

	// Twelve slots elapsed; a stacking scheduler would show most of them.
	assert.LessOrEqual(t, runs.Load(), int32(3))
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestTwoWorkersRunJobsConcurrently(t *testing.T) {
	s := NewScheduler(RealClock{}, time.UTC)
	s.tick = 5 * time.Millisecond

	var peak, current atomic.Int32
	body := func(context.Context) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		current.Add(-1)
	}
	s.Add(&Job{Name: "a", Every: 10 * time.Millisecond, Run: body})
	s.Add(&Job{Name: "b", Every: 10 * time.Millisecond, Run: body})
	s.Add(&Job{Name: "c", Every: 10 * time.Millisecond, Run: body})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(2), peak.Load(), "pool runs exactly two jobs at once")
}

func TestStopDrainsInFlightJob(t *testing.T) {
	s := NewScheduler(RealClock{}, time.UTC)
	s.tick = 5 * time.Millisecond

	var finished atomic.Bool
	s.Add(&Job{Name: "finisher", Every: time.Hour,
		Run: func(context.Context) {
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
		}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond) // job is mid-flight
	s.Stop()

	assert.True(t, finished.Load(), "Stop waits for the running job")
}

func TestPanickingJobDoesNotKillTheWorker(t *testing.T) {
	s := NewScheduler(RealClock{}, time.UTC)
	s.tick = 5 * time.Millisecond

	var after atomic.Int32
	s.Add(&Job{Name: "bomb", Every: time.Hour,
		Run: func(context.Context) { panic("boom") }})
	s.Add(&Job{Name: "survivor", Every: 20 * time.Millisecond,
		Run: func(context.Context) { after.Add(1) }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	require.Eventually(t, func() bool { return after.Load() >= 2 },
		time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestDailyJobSchedulesNextLocalOccurrence(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, loc)
	clock := NewFakeClock(base)
	s := NewScheduler(clock, loc)

	job := &Job{Name: "eod", AtHour: 23, AtMinute: 55, Run: func(context.Context) {}}
	s.Add(job)
	assert.Equal(t, time.Date(2026, 8, 24, 23, 55, 0, 0, loc), job.next)

	// Past today's slot: tomorrow.
	clock.Set(time.Date(2026, 8, 24, 23, 56, 0, 0, loc))
	late := &Job{Name: "eod2", AtHour: 23, AtMinute: 55, Run: func(context.Context) {}}
	s.Add(late)
	assert.Equal(t, time.Date(2026, 8, 25, 23, 55, 0, 0, loc), late.next)
}

func TestDispatchRequeuesDailyJob(t *testing.T) {
	base := time.Date(2026, 8, 24, 23, 54, 0, 0, time.UTC)
	clock := NewFakeClock(base)
	s := NewScheduler(clock, time.UTC)

	job := &Job{Name: "eod", AtHour: 23, AtMinute: 55, Run: func(context.Context) {}}
	s.Add(job)
	// The slot arrives.
	clock.Advance(2 * time.Minute)

	s.dispatchDue(clock.Now())
	assert.Equal(t, time.Date(2026, 8, 25, 23, 55, 0, 0, time.UTC), job.next)

	select {
	case got := <-s.queue:
		assert.Equal(t, "eod", got.Name)
	default:
		t.Fatal("daily job was not enqueued")
	}
}
