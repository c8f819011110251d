// Package pool implements C4, the WorkerPool: a FIFO queue of pending
// paths and at most max_workers concurrent PipelineWorker runs. It holds no
// reference to the RollingWindow or PipelineCoordinator directly — per the
// DAG redesign, its gate on ready-item backpressure and its pause flag are
// driven externally by whichever caller owns that policy.
package pool

import (
	"context"
	"sync"

	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/events"
)

// Runner drives one path through the pipeline to a terminal TaskState.
// internal/pipeline.Worker satisfies this.
type Runner interface {
	Run(ctx context.Context, path domain.FilePath) domain.TaskState
}

// Stats is the snapshot returned by Stats().
type Stats struct {
	Queued     int
	InFlight   int
	MaxWorkers int
	Paused     bool
}

type queueItem struct {
	Path  domain.FilePath
	Force bool
}

// inflightSlot tracks one running worker under a stable handle (its map
// key) so a mid-flight Rename can update the tracked path without losing
// the slot: the worker's own completion cleanup deletes by handle, not by
// path, so it always finds and frees its slot regardless of any rename
// that happened while it was running.
type inflightSlot struct {
	path domain.FilePath
}

// Pool is the concrete WorkerPool.
type Pool struct {
	mu         sync.Mutex
	queue      []queueItem
	inFlight   map[uint64]*inflightSlot
	nextSlot   uint64
	maxWorkers int
	paused     bool

	// readyGate, when set, reports the current ready count and its cap so
	// the dispatch rule can withhold non-force dispatch above the
	// RollingWindow's max_ready_items. Supplied by the coordinator.
	readyGate func() (ready, max int)

	onComplete func(path domain.FilePath, state domain.TaskState)

	runner Runner
	bus    *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(maxWorkers int, runner Runner, bus *events.Bus) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		maxWorkers: maxWorkers,
		inFlight:   make(map[uint64]*inflightSlot),
		runner:     runner,
		bus:        bus,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetReadyGate installs the closure the dispatch loop consults for
// non-force submissions. Must be called before the pool starts receiving
// submissions that depend on it; wiring it later is safe but any dispatch
// decisions made before it is set treat the gate as unbounded.
func (p *Pool) SetReadyGate(gate func() (ready, max int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyGate = gate
}

// SetOnComplete installs the hook invoked after every worker run
// terminates, before the next dispatch pass. Used by the coordinator to
// reconcile task state and forward ready digests to the window.
func (p *Pool) SetOnComplete(fn func(path domain.FilePath, state domain.TaskState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onComplete = fn
}

func (p *Pool) contains(path domain.FilePath) bool {
	for _, slot := range p.inFlight {
		if slot.path == path {
			return true
		}
	}
	for _, it := range p.queue {
		if it.Path == path {
			return true
		}
	}
	return false
}

// Submit appends path to the queue tail, unless it is already queued or
// in-flight.
func (p *Pool) Submit(path domain.FilePath) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contains(path) {
		return false
	}
	p.queue = append(p.queue, queueItem{Path: path})
	p.dispatchLocked()
	return true
}

// SubmitPriority prepends path to the queue head. force, when true, lets
// this submission bypass the current pause and the RollingWindow's
// ready-item gate.
func (p *Pool) SubmitPriority(path domain.FilePath, force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contains(path) {
		return false
	}
	p.queue = append([]queueItem{{Path: path, Force: force}}, p.queue...)
	p.dispatchLocked()
	return true
}

// Remove drops path from the queue. It has no effect if path is already
// in-flight: a running worker cannot be preempted.
func (p *Pool) Remove(path domain.FilePath) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, it := range p.queue {
		if it.Path == path {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Rename updates any queued or in-flight tracking entry for oldPath to
// newPath. A worker already executing against oldPath keeps running with
// the path it was given; this only updates the pool's own bookkeeping so
// future Submit/Remove calls address the path under its new name.
func (p *Pool) Rename(oldPath, newPath domain.FilePath) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	renamed := false
	for _, slot := range p.inFlight {
		if slot.path == oldPath {
			slot.path = newPath
			renamed = true
		}
	}
	for i, it := range p.queue {
		if it.Path == oldPath {
			p.queue[i].Path = newPath
			renamed = true
		}
	}
	return renamed
}

// ClearQueue drops every pending item. In-flight runs continue to
// completion.
func (p *Pool) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
}

// SetPaused sets the pause flag. Clearing it (paused=false) is a resume
// signal and triggers a dispatch pass.
func (p *Pool) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
	if !paused {
		p.dispatchLocked()
	}
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Queued: len(p.queue), InFlight: len(p.inFlight), MaxWorkers: p.maxWorkers, Paused: p.paused}
}

// Shutdown cancels every in-flight worker's context and waits for them to
// reach their next cancellation checkpoint.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// dispatchLocked must be called with p.mu held. It implements the dispatch
// rule: while in_flight < max_workers, queue non-empty, and the head item
// either is force-flagged or clears both the pause flag and the ready-item
// gate, dequeue and spawn.
func (p *Pool) dispatchLocked() {
	for len(p.inFlight) < p.maxWorkers && len(p.queue) > 0 {
		head := p.queue[0]
		if !head.Force {
			if p.paused {
				break
			}
			if p.readyGate != nil {
				ready, max := p.readyGate()
				if max > 0 && ready >= max {
					break
				}
			}
		}
		p.queue = p.queue[1:]
		id := p.nextSlot
		p.nextSlot++
		p.inFlight[id] = &inflightSlot{path: head.Path}
		p.spawn(id, head.Path)
	}
	p.publishStatsLocked()
}

func (p *Pool) spawn(id uint64, path domain.FilePath) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		state := p.runner.Run(p.ctx, path)

		p.mu.Lock()
		delete(p.inFlight, id)
		onComplete := p.onComplete
		p.mu.Unlock()

		if onComplete != nil {
			onComplete(path, state)
		}

		p.mu.Lock()
		p.dispatchLocked()
		p.mu.Unlock()
	}()
}

func (p *Pool) publishStatsLocked() {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.KindPoolStatsChanged, events.PoolStatsChangedData{
		Queued: len(p.queue), InFlight: len(p.inFlight), MaxWorkers: p.maxWorkers, Paused: p.paused,
	})
}
