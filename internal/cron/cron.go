// Package cron runs periodic background jobs on a fixed tick. Jobs are
// either interval-based, one-shot, or bound to a standard 5-field cron
// expression.
package cron

import (
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/arborhs/arbor/internal/logging"
)

// JobFunc is the body of a scheduled job. Failures are the job's own
// problem; panics are recovered and logged, never propagated.
type JobFunc func()

type job struct {
	name     string
	interval time.Duration    // 0 = one-shot
	schedule cronlib.Schedule // non-nil for expression jobs
	lastRun  time.Time
	nextRun  time.Time // expression jobs only
	fn       JobFunc
}

// Scheduler drives registered jobs from a single goroutine that wakes
// on every tick.
type Scheduler struct {
	tick time.Duration

	mu      sync.Mutex
	jobs    []*job
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a stopped scheduler with the given tick interval.
func New(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{tick: tick}
}

// Every registers a job that runs each time interval elapses since its
// last run. The first run happens on the first tick.
func (s *Scheduler) Every(interval time.Duration, name string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
}

// Once registers a job that runs on the next tick and is then removed.
func (s *Scheduler) Once(name string, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, fn: fn})
}

// exprParser accepts the standard minute-to-weekday form.
var exprParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Expr registers a job driven by a 5-field cron expression.
func (s *Scheduler) Expr(expr, name string, fn JobFunc) error {
	schedule, err := exprParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		schedule: schedule,
		nextRun:  schedule.Next(time.Now()),
		fn:       fn,
	})
	return nil
}

// Start spawns the scheduler goroutine. Starting a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)
	L_debug("cron: started", "tick", s.tick, "jobs", len(s.jobs))
}

// Stop signals the scheduler and waits for the in-flight tick to
// finish. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	L_debug("cron: stopped")
}

// Free stops the scheduler if running and drops all jobs.
func (s *Scheduler) Free() {
	s.Stop()
	s.mu.Lock()
	s.jobs = nil
	s.mu.Unlock()
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		start := time.Now()
		s.runDue(start)
		elapsed := time.Since(start)

		if elapsed >= s.tick {
			// A slow tick starts the next one immediately
			select {
			case <-stopCh:
				return
			default:
			}
			continue
		}
		select {
		case <-stopCh:
			return
		case <-time.After(s.tick - elapsed):
		}
	}
}

// runDue invokes every job whose time has come, holding the mutex for
// the duration of the tick.
func (s *Scheduler) runDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if !s.due(j, now) {
			kept = append(kept, j)
			continue
		}

		runJob(j)
		j.lastRun = now
		if j.schedule != nil {
			j.nextRun = j.schedule.Next(now)
		}
		if j.interval == 0 && j.schedule == nil {
			continue // one-shot, drop it
		}
		kept = append(kept, j)
	}
	s.jobs = kept
}

func (s *Scheduler) due(j *job, now time.Time) bool {
	if j.schedule != nil {
		return !now.Before(j.nextRun)
	}
	return now.Sub(j.lastRun) >= j.interval
}

func runJob(j *job) {
	defer func() {
		if r := recover(); r != nil {
			L_error("cron: job panicked", "job", j.name, "panic", r)
		}
	}()
	L_trace("cron: running job", "job", j.name)
	j.fn()
}
