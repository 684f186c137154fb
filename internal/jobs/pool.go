package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mediaingest/transcoderd/internal/logger"
	"github.com/mediaingest/transcoderd/internal/model"
	"github.com/mediaingest/transcoderd/internal/store"
)

// maxConcurrentCap bounds how many claim loops one worker may run.
const maxConcurrentCap = 4

// Pool runs claim loops for active workers. Each worker gets between one and
// maxConcurrentCap loops; every loop claims one pending job at a time and
// hands it to the runner.
type Pool struct {
	store         *store.Store
	runner        *Runner
	claimInterval time.Duration

	mu      sync.Mutex
	workers map[int64]*workerLoops
}

type workerLoops struct {
	stop   chan struct{}
	wg     sync.WaitGroup
	active int // claim loops currently processing a job
}

func NewPool(st *store.Store, runner *Runner, claimInterval time.Duration) *Pool {
	return &Pool{
		store:         st,
		runner:        runner,
		claimInterval: claimInterval,
		workers:       make(map[int64]*workerLoops),
	}
}

// StartWorker launches the claim loops for one worker. Starting an already
// running worker is a no-op.
func (p *Pool) StartWorker(ctx context.Context, workerID int64) error {
	w, err := p.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("worker %d not found", workerID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[workerID]; ok {
		return nil
	}

	loops := clamp(w.MaxConcurrent, 1, maxConcurrentCap)
	wl := &workerLoops{stop: make(chan struct{})}
	p.workers[workerID] = wl

	if err := p.store.SetWorkerStatus(workerID, model.WorkerIdle); err != nil {
		logger.Warn("Failed to update worker status", "worker_id", workerID, "error", err)
	}
	logger.Info("Started worker", "worker_id", workerID, "name", w.Name, "slots", loops)

	for i := 0; i < loops; i++ {
		wl.wg.Add(1)
		go func() {
			defer wl.wg.Done()
			p.claimLoop(ctx, workerID, wl)
		}()
	}
	return nil
}

// StopWorker stops a worker's claim loops and waits for jobs already in
// flight to finish. Running transcodes are not interrupted.
func (p *Pool) StopWorker(workerID int64) {
	p.mu.Lock()
	wl, ok := p.workers[workerID]
	if ok {
		delete(p.workers, workerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	close(wl.stop)
	wl.wg.Wait()
	if err := p.store.SetWorkerStatus(workerID, model.WorkerIdle); err != nil {
		logger.Warn("Failed to update worker status", "worker_id", workerID, "error", err)
	}
	logger.Info("Stopped worker", "worker_id", workerID)
}

// StartActive starts every worker marked active in the database.
func (p *Pool) StartActive(ctx context.Context) error {
	workers, err := p.store.ListActiveWorkers()
	if err != nil {
		return err
	}
	for _, w := range workers {
		if err := p.StartWorker(ctx, w.ID); err != nil {
			logger.Error("Failed to start worker", "worker_id", w.ID, "error", err)
		}
	}
	return nil
}

// Stop stops all workers and waits for their loops to exit. Interrupting
// in-flight transcodes is the job of the root context cancellation.
func (p *Pool) Stop() {
	p.mu.Lock()
	ids := make([]int64, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.StopWorker(id)
	}
}

// CancelJob cancels a job wherever it is: a running transcode is
// interrupted, a pending job is cancelled in place.
func (p *Pool) CancelJob(jobID int64) error {
	if p.runner.Cancel(jobID) {
		return nil
	}
	return p.store.CancelJob(jobID)
}

func (p *Pool) claimLoop(ctx context.Context, workerID int64, wl *workerLoops) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wl.stop:
			return
		default:
		}

		job, err := p.store.ClaimNextPendingJob(workerID)
		if err != nil {
			logger.Error("Failed to claim job", "worker_id", workerID, "error", err)
			if !p.sleep(ctx, wl) {
				return
			}
			continue
		}
		if job == nil {
			if !p.sleep(ctx, wl) {
				return
			}
			continue
		}

		p.markBusy(workerID, wl)
		p.runner.Run(ctx, job)
		p.markFree(workerID, wl)
	}
}

func (p *Pool) sleep(ctx context.Context, wl *workerLoops) bool {
	select {
	case <-ctx.Done():
		return false
	case <-wl.stop:
		return false
	case <-time.After(p.claimInterval):
		return true
	}
}

func (p *Pool) markBusy(workerID int64, wl *workerLoops) {
	p.mu.Lock()
	wl.active++
	first := wl.active == 1
	p.mu.Unlock()
	if first {
		if err := p.store.SetWorkerStatus(workerID, model.WorkerRunning); err != nil {
			logger.Warn("Failed to update worker status", "worker_id", workerID, "error", err)
		}
	}
}

func (p *Pool) markFree(workerID int64, wl *workerLoops) {
	p.mu.Lock()
	wl.active--
	last := wl.active == 0
	p.mu.Unlock()
	if last {
		if err := p.store.SetWorkerStatus(workerID, model.WorkerIdle); err != nil {
			logger.Warn("Failed to update worker status", "worker_id", workerID, "error", err)
		}
	}
}

// Running reports whether claim loops exist for the worker.
func (p *Pool) Running(workerID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workers[workerID]
	return ok
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
