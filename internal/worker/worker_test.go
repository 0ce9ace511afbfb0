package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinsuchenak/scoutd/internal/model"
)

func TestPoolRunsAllJobs(t *testing.T) {
	pool := NewPool(context.Background(), 4)
	pool.Start()

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		err := pool.Submit(Job{
			ID: "job",
			Handler: func(ctx context.Context) error {
				done.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	pool.Stop()

	if got := done.Load(); got != 20 {
		t.Errorf("ran %d jobs, want 20", got)
	}
}

func TestPoolDeliversResults(t *testing.T) {
	pool := NewPool(context.Background(), 2)
	pool.Start()
	defer pool.Stop()

	wantErr := errors.New("collection failed")
	result := make(chan error, 1)
	if err := pool.Submit(Job{ID: "failing", Handler: func(ctx context.Context) error {
		return wantErr
	}, Result: result}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, wantErr) {
			t.Errorf("result = %v, want %v", err, wantErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	pool := NewPool(context.Background(), workers)
	pool.Start()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		err := pool.Submit(Job{Handler: func(ctx context.Context) error {
			defer wg.Done()
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	wg.Wait()
	pool.Stop()

	if got := peak.Load(); got > workers {
		t.Errorf("peak concurrency %d exceeds %d workers", got, workers)
	}
}

func TestPoolSubmitAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1)
	pool.Start()
	cancel()

	// Fill the queue so Submit has to wait, then it must fail with the
	// context error instead of blocking forever.
	deadline := time.After(5 * time.Second)
	for {
		errCh := make(chan error, 1)
		go func() {
			errCh <- pool.Submit(Job{Handler: func(ctx context.Context) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			}})
		}()
		select {
		case err := <-errCh:
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("Submit() error = %v, want context.Canceled", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("Submit never failed after cancel")
		}
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	noop := func(ctx context.Context, targets []string) (model.ScanStatus, error) {
		return model.ScanStatus{}, nil
	}
	s := NewScheduler(noop)

	if err := s.Add(Schedule{Spec: "* * * * *", Targets: []string{"10.0.0.1"}}); err == nil {
		t.Error("Add() without ID should fail")
	}
	if err := s.Add(Schedule{ID: "a", Spec: "* * * * *"}); err == nil {
		t.Error("Add() without targets should fail")
	}
	if err := s.Add(Schedule{ID: "a", Spec: "not a cron spec", Targets: []string{"10.0.0.1"}}); err == nil {
		t.Error("Add() with invalid cron spec should fail")
	}
	if err := s.Add(Schedule{ID: "a", Spec: "*/5 * * * *", Targets: []string{"10.0.0.1"}}); err != nil {
		t.Errorf("Add() valid schedule error = %v", err)
	}
	// Same ID replaces, not duplicates.
	if err := s.Add(Schedule{ID: "a", Spec: "0 * * * *", Targets: []string{"10.0.0.2"}}); err != nil {
		t.Errorf("Add() replacement error = %v", err)
	}
	if len(s.entries) != 1 {
		t.Errorf("entries = %d, want 1", len(s.entries))
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	s := NewScheduler(func(ctx context.Context, targets []string) (model.ScanStatus, error) {
		runs.Add(1)
		<-release
		return model.ScanStatus{Status: "completed", Alive: len(targets)}, nil
	})

	sch := Schedule{ID: "recurring", Spec: "* * * * *", Targets: []string{"10.0.0.1"}}
	if err := s.Add(sch); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Fire the schedule directly so the test does not wait for a cron tick.
	go s.runSchedule(sch)
	for runs.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// A second tick while the first run is still going must be dropped.
	s.runSchedule(sch)
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 while first run is in flight", got)
	}

	if _, ok := s.LastResult("recurring"); ok {
		t.Error("LastResult() reported before first run finished")
	}

	close(release)
	s.wg.Wait()

	status, ok := s.LastResult("recurring")
	if !ok {
		t.Fatal("LastResult() missing after run finished")
	}
	if status.Status != "completed" || status.Alive != 1 {
		t.Errorf("status = %+v", status)
	}

	// Once the first run finished, the next tick runs again.
	s.runSchedule(sch)
	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2 after first run finished", got)
	}
}

func TestSchedulerStopCancelsScanContext(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	s := NewScheduler(func(ctx context.Context, targets []string) (model.ScanStatus, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return model.ScanStatus{Status: "cancelled"}, nil
	})

	sch := Schedule{ID: "long", Spec: "* * * * *", Targets: []string{"10.0.0.1"}}
	if err := s.Add(sch); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start()

	go s.runSchedule(sch)
	<-started

	s.Stop()
	if !sawCancel.Load() {
		t.Error("Stop() did not cancel the in-flight scan")
	}
}

func TestSchedulerRemove(t *testing.T) {
	s := NewScheduler(func(ctx context.Context, targets []string) (model.ScanStatus, error) {
		return model.ScanStatus{}, nil
	})
	if err := s.Add(Schedule{ID: "x", Spec: "* * * * *", Targets: []string{"10.0.0.1"}}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Remove("x")
	s.Remove("never-existed")
	if len(s.entries) != 0 {
		t.Errorf("entries = %d, want 0", len(s.entries))
	}
}

func TestSchedulerStartIdempotent(t *testing.T) {
	s := NewScheduler(func(ctx context.Context, targets []string) (model.ScanStatus, error) {
		return model.ScanStatus{}, nil
	})
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
