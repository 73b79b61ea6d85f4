// Package scheduler runs named jobs on fixed periods. Each job gets its own
// ticker loop; at most one invocation of a job runs at a time, and a tick
// that lands while the previous run is still going is skipped and counted,
// never queued.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/metrics"
)

const defaultDrainTimeout = 30 * time.Second

// Job is one unit of periodic work. Run receives a context that is canceled
// only when shutdown abandons stragglers past the drain deadline.
type Job struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error
}

// JobStatus is a point-in-time view of one job for status surfaces.
type JobStatus struct {
	Name      string        `json:"name"`
	Period    time.Duration `json:"period"`
	Runs      int64         `json:"runs"`
	Skips     int64         `json:"skips"`
	LastRunAt time.Time     `json:"last_run_at"`
	LastError string        `json:"last_error,omitempty"`
}

type entry struct {
	job        Job
	reschedule chan time.Duration

	busy  atomic.Bool
	runs  atomic.Int64
	skips atomic.Int64

	mu        sync.Mutex
	period    time.Duration
	lastRunAt time.Time
	lastErr   error
}

type Scheduler struct {
	log zerolog.Logger
	reg *metrics.Registry

	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*entry
	started  bool
	stopping bool

	stopChan chan struct{}
	loopWG   sync.WaitGroup
	runWG    sync.WaitGroup
}

func New(log zerolog.Logger, reg *metrics.Registry) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:      log.With().Str("component", "scheduler").Logger(),
		reg:      reg,
		runCtx:   ctx,
		cancel:   cancel,
		jobs:     make(map[string]*entry),
		stopChan: make(chan struct{}),
	}
}

// Register adds a job. Registering after Start spins the loop up immediately.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	if job.Period <= 0 {
		return fmt.Errorf("scheduler: job %s: period must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return fmt.Errorf("scheduler: shutting down")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: job %s already registered", job.Name)
	}

	e := &entry{
		job:        job,
		reschedule: make(chan time.Duration, 1),
		period:     job.Period,
	}
	s.jobs[job.Name] = e
	if s.started {
		s.loopWG.Add(1)
		go s.loop(e)
	}
	return nil
}

// Start launches one ticker loop per registered job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true

	for _, e := range s.jobs {
		s.loopWG.Add(1)
		go s.loop(e)
	}
	s.log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

func (s *Scheduler) loop(e *entry) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(e.currentPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatch(e)
		case d := <-e.reschedule:
			ticker.Reset(d)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) dispatch(e *entry) {
	if !e.busy.CompareAndSwap(false, true) {
		e.skips.Add(1)
		s.reg.Inc("scheduler.overlap_skipped")
		s.log.Debug().Str("job", e.job.Name).Msg("previous run still going, tick skipped")
		return
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		e.busy.Store(false)
		return
	}
	s.runWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.runWG.Done()
		defer e.busy.Store(false)

		start := time.Now()
		err := e.job.Run(s.runCtx)
		elapsed := time.Since(start)

		e.runs.Add(1)
		e.mu.Lock()
		e.lastRunAt = start
		e.lastErr = err
		e.mu.Unlock()

		if err != nil {
			s.reg.Inc("scheduler.job_errors")
			s.log.Error().Err(err).
				Str("job", e.job.Name).
				Dur("elapsed", elapsed).
				Msg("job failed")
			return
		}
		s.log.Debug().
			Str("job", e.job.Name).
			Dur("elapsed", elapsed).
			Msg("job finished")
	}()
}

// Reschedule adjusts a job's cadence. The change takes effect from the next
// tick; a run already in flight is unaffected.
func (s *Scheduler) Reschedule(name string, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("scheduler: period must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %s", name)
	}

	e.mu.Lock()
	e.period = period
	e.mu.Unlock()

	// Replace any pending reschedule rather than stacking them.
	select {
	case <-e.reschedule:
	default:
	}
	e.reschedule <- period

	s.log.Info().Str("job", name).Dur("period", period).Msg("job rescheduled")
	return nil
}

// Shutdown stops the ticker loops, waits for in-flight runs up to the
// context deadline (30 s when the caller sets none), then cancels whatever
// is still running.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	close(s.stopChan)
	s.loopWG.Wait()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDrainTimeout)
		defer cancel()
	}

	drained := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.log.Warn().Msg("drain deadline expired, canceling in-flight jobs")
		return fmt.Errorf("scheduler: drain deadline expired")
	}
}

// Status reports every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		e.mu.Lock()
		st := JobStatus{
			Name:      e.job.Name,
			Period:    e.period,
			Runs:      e.runs.Load(),
			Skips:     e.skips.Load(),
			LastRunAt: e.lastRunAt,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *entry) currentPeriod() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.period
}
