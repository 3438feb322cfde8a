package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER - periodic jobs on a bounded worker pool
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two workers, so a slow scan cannot starve the monitor. A job whose
// previous run is still going is skipped, never stacked; the skip is
// logged and the next slot stands. Interval jobs fire immediately on
// start, daily jobs fire at their wall time in the configured location.
//
// ═══════════════════════════════════════════════════════════════════════════════

// schedulerWorkers is the pool size.
const schedulerWorkers = 2

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Run  func(ctx context.Context)

	// Every sets an interval cadence. Zero means a daily job.
	Every time.Duration
	// AtHour/AtMinute set the daily wall time, used when Every is zero.
	AtHour   int
	AtMinute int

	running atomic.Bool
	next    time.Time
}

// Scheduler fires registered jobs from a fixed worker pool.
type Scheduler struct {
	clock Clock
	loc   *time.Location
	tick  time.Duration

	mu   sync.Mutex
	jobs []*Job

	queue  chan *Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler builds an idle scheduler. loc anchors daily jobs.
func NewScheduler(clock Clock, loc *time.Location) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		clock: clock,
		loc:   loc,
		tick:  time.Second,
		queue: make(chan *Job, 16),
	}
}

// Add registers a job. Call before Start.
func (s *Scheduler) Add(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if job.Every > 0 {
		job.next = now // first run immediately
	} else {
		job.next = s.nextDaily(now, job.AtHour, job.AtMinute)
	}
	s.jobs = append(s.jobs, job)
}

// nextDaily returns the next occurrence of hh:mm in the scheduler's
// location, strictly after now.
func (s *Scheduler) nextDaily(now time.Time, hour, minute int) time.Time {
	local := now.In(s.loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, s.loc)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// Start launches the worker pool and the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < schedulerWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchDue(s.clock.Now())
			}
		}
	}()

	log.Info().Int("jobs", len(s.jobs)).Int("workers", schedulerWorkers).
		Msg("⏰ Scheduler started")
}

// dispatchDue enqueues every job whose slot has arrived. A job still
// running from its previous slot is skipped.
func (s *Scheduler) dispatchDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if now.Before(job.next) {
			continue
		}
		if job.Every > 0 {
			job.next = now.Add(job.Every)
		} else {
			job.next = s.nextDaily(now, job.AtHour, job.AtMinute)
		}
		if job.running.Load() {
			log.Warn().Str("job", job.Name).Msg("Job still running, slot skipped")
			continue
		}
		select {
		case s.queue <- job:
		default:
			log.Warn().Str("job", job.Name).Msg("Scheduler queue full, slot dropped")
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain what was already queued before stopping.
			for {
				select {
				case job := <-s.queue:
					s.runJob(context.Background(), job)
				default:
					return
				}
			}
		case job := <-s.queue:
			s.runJob(ctx, job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		return
	}
	defer job.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", job.Name).Interface("panic", r).
				Msg("Job panicked")
		}
	}()
	job.Run(ctx)
	log.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("Job finished")
}

// Stop cancels dispatch and waits for in-flight jobs to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
