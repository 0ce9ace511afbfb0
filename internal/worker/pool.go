// Package worker provides the bounded worker pool used by the collection
// phase and the cron-driven recurring scan scheduler.
package worker

import (
	"context"
	"sync"

	"github.com/martinsuchenak/scoutd/internal/log"
)

// Pool manages a fixed set of concurrent workers consuming submitted jobs.
type Pool struct {
	maxWorkers int
	jobs       chan Job
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// Job is a unit of work. When Result is non-nil the handler's error is
// delivered there after execution.
type Job struct {
	ID      string
	Handler func(context.Context) error
	Result  chan error
}

// NewPool creates a pool bounded to maxWorkers, running jobs under parent.
func NewPool(parent context.Context, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		maxWorkers: maxWorkers,
		jobs:       make(chan Job, maxWorkers*2),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Debug("Worker pool started", "workers", p.maxWorkers)
}

// Stop closes the job queue and waits for in-flight jobs to finish.
// Workers drain to completion; they are never killed mid-job.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.cancel()
}

// Submit queues a job. Blocks while the queue is full; fails only when the
// pool's context is done.
func (p *Pool) Submit(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		log.Trace("Worker executing job", "worker_id", id, "job_id", job.ID)

		err := job.Handler(p.ctx)
		if job.Result != nil {
			job.Result <- err
		}
	}
}
