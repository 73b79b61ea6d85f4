package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spot-trading-engine/internal/metrics"
)

func newTestScheduler() (*Scheduler, *metrics.Registry) {
	reg := metrics.NewRegistry()
	return New(zerolog.Nop(), reg), reg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newTestScheduler()
	run := func(context.Context) error { return nil }

	cases := []struct {
		name string
		job  Job
	}{
		{"empty name", Job{Period: time.Second, Run: run}},
		{"nil run", Job{Name: "x", Period: time.Second}},
		{"zero period", Job{Name: "x", Run: run}},
		{"negative period", Job{Name: "x", Period: -time.Second, Run: run}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Register(tc.job); err == nil {
				t.Error("Register accepted invalid job")
			}
		})
	}

	if err := s.Register(Job{Name: "dup", Period: time.Second, Run: run}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(Job{Name: "dup", Period: time.Second, Run: run}); err == nil {
		t.Error("Register accepted duplicate name")
	}
}

func TestJobRunsPeriodically(t *testing.T) {
	s, _ := newTestScheduler()
	var runs atomic.Int64

	err := s.Register(Job{
		Name:   "tick",
		Period: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestOverlapSkippedNotQueued(t *testing.T) {
	s, reg := newTestScheduler()
	var concurrent atomic.Int64
	var overlapped atomic.Bool
	var runs atomic.Int64

	err := s.Register(Job{
		Name:   "slow",
		Period: 5 * time.Millisecond,
		Run: func(context.Context) error {
			if concurrent.Add(1) > 1 {
				overlapped.Store(true)
			}
			defer concurrent.Add(-1)
			runs.Add(1)
			time.Sleep(40 * time.Millisecond)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, st := range s.Status() {
			if st.Name == "slow" && st.Skips >= 2 && st.Runs >= 1 {
				return true
			}
		}
		return false
	})
	s.Shutdown(context.Background())

	if overlapped.Load() {
		t.Error("two invocations of the same job ran concurrently")
	}
	snap := reg.Snapshot()
	if snap.Counters["scheduler.overlap_skipped"] < 2 {
		t.Errorf("overlap_skipped = %v, want >= 2", snap.Counters["scheduler.overlap_skipped"])
	}
}

func TestReschedule(t *testing.T) {
	s, _ := newTestScheduler()
	var runs atomic.Int64

	s.Register(Job{
		Name:   "seldom",
		Period: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	if err := s.Reschedule("seldom", 10*time.Millisecond); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })

	if err := s.Reschedule("nope", time.Second); err == nil {
		t.Error("Reschedule accepted unknown job")
	}
	if err := s.Reschedule("seldom", 0); err == nil {
		t.Error("Reschedule accepted zero period")
	}
}

func TestRegisterAfterStart(t *testing.T) {
	s, _ := newTestScheduler()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	var runs atomic.Int64
	err := s.Register(Job{
		Name:   "late",
		Period: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register after start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestShutdownWaitsForInflight(t *testing.T) {
	s, _ := newTestScheduler()
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	s.Register(Job{
		Name:   "inflight",
		Period: 5 * time.Millisecond,
		Run: func(context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			finished.Store(true)
			return nil
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !finished.Load() {
		t.Error("Shutdown returned before the in-flight run finished")
	}
}

func TestShutdownDeadlineCancelsStragglers(t *testing.T) {
	s, _ := newTestScheduler()
	started := make(chan struct{})
	canceled := make(chan struct{})

	s.Register(Job{
		Name:   "stuck",
		Period: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); err == nil {
		t.Error("Shutdown succeeded despite a stuck job")
	}

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Error("straggler never saw cancellation")
	}
}

func TestStatusReportsErrors(t *testing.T) {
	s, _ := newTestScheduler()
	var runs atomic.Int64

	s.Register(Job{
		Name:   "flaky",
		Period: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("upstream 503")
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Shutdown(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		for _, st := range s.Status() {
			if st.Name == "flaky" && st.LastError != "" {
				return true
			}
		}
		return false
	})
}
