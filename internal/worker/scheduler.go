package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/model"
)

// ScanFunc runs one scan cycle over the given target specs.
type ScanFunc func(ctx context.Context, targets []string) (model.ScanStatus, error)

// Schedule describes a recurring scan.
type Schedule struct {
	ID      string
	Name    string
	Spec    string // cron expression, standard five-field format
	Targets []string
}

// Scheduler manages recurring background scans. A schedule whose previous
// run is still in flight is skipped for that tick, never stacked.
type Scheduler struct {
	mu       sync.RWMutex
	cron     *cron.Cron
	entries  map[string]cron.EntryID
	inFlight map[string]bool
	last     map[string]model.ScanStatus
	scan     ScanFunc
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler that executes scans via fn.
func NewScheduler(fn ScanFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(),
		entries:  make(map[string]cron.EntryID),
		inFlight: make(map[string]bool),
		last:     make(map[string]model.ScanStatus),
		scan:     fn,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Info("Starting background scheduler")
}

// Stop gracefully stops the scheduler. In-flight scans are cancelled and
// waited for.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Info("Stopping background scheduler")
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

// Add registers a recurring scan. Replaces any existing schedule with the
// same ID.
func (s *Scheduler) Add(sch Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sch.ID == "" || len(sch.Targets) == 0 {
		return fmt.Errorf("schedule needs an id and at least one target")
	}

	if old, ok := s.entries[sch.ID]; ok {
		s.cron.Remove(old)
	}

	entry, err := s.cron.AddFunc(sch.Spec, func() { s.runSchedule(sch) })
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", sch.Spec, err)
	}

	s.entries[sch.ID] = entry
	log.Info("Schedule registered", "schedule_id", sch.ID, "name", sch.Name, "spec", sch.Spec)
	return nil
}

// Remove drops a schedule. Unknown IDs are a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
		log.Info("Schedule removed", "schedule_id", id)
	}
}

// LastResult returns the outcome of a schedule's most recent run.
func (s *Scheduler) LastResult(id string) (model.ScanStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.last[id]
	return status, ok
}

func (s *Scheduler) runSchedule(sch Schedule) {
	s.mu.Lock()
	if s.inFlight[sch.ID] {
		s.mu.Unlock()
		log.Warn("Previous run still in flight, skipping", "schedule_id", sch.ID)
		return
	}
	s.inFlight[sch.ID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight[sch.ID] = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	log.Info("Running scheduled scan", "schedule_id", sch.ID, "name", sch.Name)

	status, err := s.scan(s.ctx, sch.Targets)
	if err != nil {
		log.Error("Scheduled scan failed", "schedule_id", sch.ID, "error", err)
	} else {
		log.Info("Scheduled scan finished", "schedule_id", sch.ID, "status", status.Status,
			"alive", status.Alive, "collected", status.Collected)
	}

	s.mu.Lock()
	s.last[sch.ID] = status
	s.mu.Unlock()
}
