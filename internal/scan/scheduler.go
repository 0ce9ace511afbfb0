// Package scan drives the two-phase batch pipeline: liveness probing over
// every address in a batch, a phase barrier, then protocol detection and
// collection over just the alive subset.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/martinsuchenak/scoutd/internal/collect"
	"github.com/martinsuchenak/scoutd/internal/config"
	"github.com/martinsuchenak/scoutd/internal/log"
	"github.com/martinsuchenak/scoutd/internal/model"
	"github.com/martinsuchenak/scoutd/internal/target"
	"github.com/martinsuchenak/scoutd/internal/worker"
	"github.com/martinsuchenak/scoutd/pkg/inventory"
)

// Prober classifies one host ALIVE or DEAD within its time budget.
type Prober interface {
	Probe(ctx context.Context, ip string) model.ProbeResult
}

// Detector assigns the device-family hint for a live host.
type Detector interface {
	Detect(ctx context.Context, ip string) (model.DeviceFamily, []int)
}

// Collector runs the adapter chain for a live host. Never returns nil.
type Collector interface {
	Collect(ctx context.Context, ip string, family model.DeviceFamily, openPorts []int, cache *collect.CredCache) *model.DeviceRecord
}

// Reconciler resolves one collected record against the inventory.
type Reconciler interface {
	Reconcile(ctx context.Context, record *model.DeviceRecord) (*model.Decision, error)
}

// ErrBatchStalled marks a batch aborted by the watchdog. Logged, never
// propagated: a single bad batch must not stop the scan.
var ErrBatchStalled = errors.New("batch stalled")

// Engine runs scan jobs. The engine is headless and safe to embed behind
// any caller.
type Engine struct {
	cfg        config.ScanConfig
	prober     Prober
	detector   Detector
	collector  Collector
	reconciler Reconciler
	store      inventory.Store
}

// NewEngine wires a scan engine from its pipeline stages.
func NewEngine(cfg config.ScanConfig, prober Prober, detector Detector, collector Collector, reconciler Reconciler, store inventory.Store) *Engine {
	return &Engine{
		cfg:        cfg.Normalized(),
		prober:     prober,
		detector:   detector,
		collector:  collector,
		reconciler: reconciler,
		store:      store,
	}
}

// Run executes one scan job over the given target specs. The job always
// completes (or is cancelled between batches) and reports statistics even
// when individual hosts or batches failed; only an unreachable inventory
// store halts it early.
func (e *Engine) Run(ctx context.Context, specs []string, progress Progress) (model.ScanStatus, error) {
	session := NewSession(progress)

	ips := target.NewExpander(specs, e.cfg.MaxCIDRHosts).Expand()
	batches := chunk(ips, e.cfg.BatchSize)

	session.Update(func(st *model.ScanStatus) {
		st.TotalTargets = len(ips)
		st.TotalBatches = len(batches)
	})

	log.Info("Scan started", "targets", len(ips), "batches", len(batches), "batch_size", e.cfg.BatchSize)

	for i, batch := range batches {
		// Cancellation is batch-granular.
		select {
		case <-ctx.Done():
			log.Warn("Scan cancelled between batches", "batches_complete", i, "total", len(batches))
			return session.Finish("cancelled"), nil
		default:
		}

		if err := e.runBatch(ctx, session, batch); err != nil {
			if errors.Is(err, ErrBatchStalled) {
				log.Error("Batch stalled, moving on", "batch", i+1, "size", len(batch))
				session.Update(func(st *model.ScanStatus) { st.StalledBatches++ })
			} else {
				// Inventory unreachable: reconciliation cannot proceed.
				session.Finish("failed")
				return session.Snapshot(), fmt.Errorf("batch %d: %w", i+1, err)
			}
		}

		session.Update(func(st *model.ScanStatus) { st.BatchesComplete++ })
		session.Report()
	}

	status := session.Finish("completed")
	log.Info("Scan completed",
		"alive", status.Alive, "dead", status.Dead, "collected", status.Collected,
		"auto_merged", status.AutoMerged, "flagged", status.Flagged,
		"created", status.Created, "review", status.QueuedForReview,
		"errors", status.Errors, "stalled", status.StalledBatches)
	return status, nil
}

// runBatch drives both phases for one batch under the stall watchdog.
func (e *Engine) runBatch(ctx context.Context, session *Session, ips []string) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session.Touch()
	stalled := e.watchdog(batchCtx, cancel, session)

	fatal := e.pipeline(batchCtx, session, ips)

	if fatal != nil {
		return fatal
	}
	select {
	case <-stalled:
		return ErrBatchStalled
	default:
	}
	return nil
}

// watchdog cancels the batch when no worker reports progress within the
// stall timeout. Returns a channel closed on stall.
func (e *Engine) watchdog(ctx context.Context, cancel context.CancelFunc, session *Session) <-chan struct{} {
	stalled := make(chan struct{})

	go func() {
		ticker := time.NewTicker(e.cfg.BatchStallTimeout / 4)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if session.SinceBeat() >= e.cfg.BatchStallTimeout {
					close(stalled)
					cancel()
					return
				}
			}
		}
	}()

	return stalled
}

// pipeline runs liveness over all IPs, waits at the phase barrier, then
// collects just the alive subset. Returns only fatal errors.
func (e *Engine) pipeline(ctx context.Context, session *Session, ips []string) error {
	alive := e.livenessPhase(ctx, session, ips)
	if len(alive) == 0 {
		return nil
	}
	return e.collectionPhase(ctx, session, alive)
}

// livenessPhase probes every IP concurrently under the large pool and
// returns the subset eligible for collection. Hosts persisted as
// PERMANENTLY_DEAD get only the cheap re-check and are never eligible
// this cycle, whatever the probe says.
func (e *Engine) livenessPhase(ctx context.Context, session *Session, ips []string) []string {
	sem := make(chan struct{}, e.cfg.ProbeConcurrency)

	var (
		mu       sync.Mutex
		eligible []string
		wg       sync.WaitGroup
	)

	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				return
			default:
			}

			state, entryID, err := e.store.StateByIP(ctx, ip)
			if err != nil {
				log.Debug("State lookup failed", "ip", ip, "error", err)
			}

			result := e.prober.Probe(ctx, ip)
			session.Touch()

			if entryID != "" {
				if _, err := e.store.RecordProbe(ctx, entryID, result.Alive, e.cfg.DeadThreshold); err != nil {
					log.Debug("Recording probe outcome failed", "ip", ip, "error", err)
				}
			}

			session.Update(func(st *model.ScanStatus) {
				if result.Alive {
					st.Alive++
				} else {
					st.Dead++
				}
			})

			if result.Alive && state != model.StatePermanentlyDead {
				mu.Lock()
				eligible = append(eligible, ip)
				mu.Unlock()
			}
		}(ip)
	}

	wg.Wait() // phase barrier
	return eligible
}

// collectionPhase runs detect + collect + reconcile for the alive subset
// under the smaller pool. A fresh credential cache scopes working
// credentials to this batch.
func (e *Engine) collectionPhase(ctx context.Context, session *Session, ips []string) error {
	pool := worker.NewPool(ctx, e.cfg.CollectConcurrency)
	pool.Start()

	cache := collect.NewCredCache()
	results := make(chan error, len(ips))

	for _, ip := range ips {
		ip := ip
		job := worker.Job{
			ID:     ip,
			Result: results,
			Handler: func(jobCtx context.Context) error {
				return e.collectOne(jobCtx, session, ip, cache)
			},
		}
		if err := pool.Submit(job); err != nil {
			results <- nil // keep the result count aligned
		}
	}

	var fatal error
	for range ips {
		if err := <-results; err != nil {
			if errors.Is(err, inventory.ErrUnreachable) {
				fatal = err
			} else {
				session.Update(func(st *model.ScanStatus) { st.Errors++ })
			}
		}
	}

	pool.Stop()
	return fatal
}

func (e *Engine) collectOne(ctx context.Context, session *Session, ip string, cache *collect.CredCache) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	family, openPorts := e.detector.Detect(ctx, ip)
	record := e.collector.Collect(ctx, ip, family, openPorts, cache)
	session.Touch()

	session.Update(func(st *model.ScanStatus) { st.Collected++ })

	decision, err := e.reconciler.Reconcile(ctx, record)
	session.Touch()
	if err != nil {
		if errors.Is(err, inventory.ErrUnreachable) {
			return err
		}
		log.Warn("Reconciliation failed", "ip", ip, "error", err)
		return err
	}

	session.CountDecision(decision.Action)
	log.Debug("Host reconciled", "ip", ip, "action", string(decision.Action), "score", decision.Score)
	return nil
}

func chunk(ips []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(ips); start += size {
		end := start + size
		if end > len(ips) {
			end = len(ips)
		}
		batches = append(batches, ips[start:end])
	}
	return batches
}
