// Package coordinator implements C8, the PipelineCoordinator: the
// top-level façade that owns the WorkerPool, RollingWindow, PriorityIndex,
// and EventBus, routes external commands to them, and reconciles path ↔
// digest identity across renames and deletes.
//
// Per the DAG redesign, the window and pool never reference each other
// directly. The coordinator is the only component that calls into more
// than one of its owned collaborators, bridging signals (a pause edge from
// the window becomes a SetPaused call on the pool and a published event)
// that the reference implementation wired as cyclic observer callbacks.
package coordinator

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lumenvale/shuttercore/internal/cachestore"
	"github.com/lumenvale/shuttercore/internal/cachestore/faceindex"
	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/events"
	"github.com/lumenvale/shuttercore/internal/pipeline"
	"github.com/lumenvale/shuttercore/internal/pool"
	"github.com/lumenvale/shuttercore/internal/priority"
	"github.com/lumenvale/shuttercore/internal/window"
)

// Position selects where Enqueue places new paths in the pool's queue.
type Position int

const (
	// PositionTail appends in submission order (FIFO).
	PositionTail Position = iota
	// PositionHead prepends, jumping ahead of pending work.
	PositionHead
	// PositionSorted places the batch at the head of the queue in
	// lexicographic path order, for deterministic ordering of a
	// directory-walk style bulk submission.
	PositionSorted
)

// DefaultRecentTerminalCapacity bounds the dedupe-retention LRU. The
// reference implementation's retention window is unbounded; this core
// fixes a concrete capacity per the decision recorded for that open
// question.
const DefaultRecentTerminalCapacity = 2048

// faceIndexMaxNeighbors is the HNSW graph's M parameter for the
// supplemental face-similarity index, matching the teacher's own
// HNSWMaxNeighbors tuning for face embedding graphs.
const faceIndexMaxNeighbors = 16

// SimilarFaceThreshold is the cosine distance below which two face
// embeddings are considered the same face for the similarity fast path.
const SimilarFaceThreshold = 0.08

// Config holds the coordinator's own tunables, independent of its owned
// components' configuration (which is passed in already constructed).
type Config struct {
	MaxWorkers             int
	Window                 window.Config
	Pipeline               pipeline.Config
	RecentTerminalCapacity int
}

// Coordinator is the concrete PipelineCoordinator.
type Coordinator struct {
	cache    *cachestore.Store
	bus      *events.Bus
	priority *priority.Index
	window   *window.Window
	pool     *pool.Pool

	faces *faceindex.Index

	mu             sync.Mutex
	pathDigest     map[domain.FilePath]domain.Digest
	recentTerminal *lru.Cache[domain.FilePath, struct{}]

	evictUnsub func()
	evictDone  chan struct{}
}

// New wires a Coordinator from its already-constructed collaborators. The
// caller constructs the CacheStore, EventBus, and PriorityIndex (they
// outlive the coordinator's own policy decisions) and passes them in; New
// constructs the Window, Pool, and PipelineWorker from cfg and collabs.
func New(cache *cachestore.Store, bus *events.Bus, pi *priority.Index, collabs pipeline.Collaborators, cfg Config) (*Coordinator, error) {
	if err := cfg.Window.Validate(); err != nil {
		return nil, err
	}
	capacity := cfg.RecentTerminalCapacity
	if capacity <= 0 {
		capacity = DefaultRecentTerminalCapacity
	}
	recentTerminal, err := lru.New[domain.FilePath, struct{}](capacity)
	if err != nil {
		return nil, err
	}

	collabs.Cache = cache
	collabs.Bus = bus
	pipelineCfg := cfg.Pipeline
	if pipelineCfg.RawExtensions == nil {
		pipelineCfg = pipeline.DefaultConfig()
	}
	worker := pipeline.New(collabs, pipelineCfg)

	win := window.New(cfg.Window)
	wp := pool.New(cfg.MaxWorkers, worker, bus)

	c := &Coordinator{
		cache:          cache,
		bus:            bus,
		priority:       pi,
		window:         win,
		pool:           wp,
		faces:          faceindex.New(faceIndexMaxNeighbors),
		pathDigest:     make(map[domain.FilePath]domain.Digest),
		recentTerminal: recentTerminal,
	}

	wp.SetReadyGate(func() (int, int) { return win.ReadyCount(), win.MaxReadyItems() })
	wp.SetOnComplete(c.handleTaskComplete)

	evictCh, evictUnsub := bus.Subscribe()
	c.evictUnsub = evictUnsub
	c.evictDone = make(chan struct{})
	go c.watchEvictions(evictCh)

	return c, nil
}

// watchEvictions keeps the face-similarity index consistent with the cache's
// surviving entries: a budget-driven eviction removes the entry from
// CacheStore without going through any of the coordinator's own purge paths
// (MarkConsumed, ForceReprocess, HandleDelete), so it is picked up here
// instead, off the bus, the same way every other cross-component signal in
// this package is.
func (c *Coordinator) watchEvictions(ch <-chan events.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindCacheEntryEvicted {
				continue
			}
			data, ok := ev.Data.(events.CacheEntryEvictedData)
			if !ok {
				continue
			}
			c.faces.Remove(string(data.Digest))
		case <-c.evictDone:
			return
		}
	}
}

// Enqueue deduplicates paths against the pool's queue and in-flight set
// (the pool's own job) and against recently-terminal paths (the
// coordinator's job), then forwards survivors to the pool at position.
func (c *Coordinator) Enqueue(paths []domain.FilePath, position Position, force bool) {
	ordered := paths
	if position == PositionSorted {
		ordered = append([]domain.FilePath(nil), paths...)
		// Each SubmitPriority call prepends, so submitting in descending
		// order leaves the batch at the queue head in ascending order.
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] > ordered[j] })
	}

	for _, p := range ordered {
		if !force && c.isRecentlyTerminal(p) {
			continue
		}
		switch position {
		case PositionHead, PositionSorted:
			c.pool.SubmitPriority(p, force)
		default:
			c.pool.Submit(p)
		}
	}
}

// Remove unsubmits path from the pool's queue. It has no effect on an
// in-flight run.
func (c *Coordinator) Remove(path domain.FilePath) bool {
	return c.pool.Remove(path)
}

// MarkConsumed forwards to the window and, on a resume edge, forwards the
// purged digests to the cache as a hint and resumes the pool. Purged digests
// that are in the priority set are kept in the cache.
func (c *Coordinator) MarkConsumed(digest domain.Digest) {
	edge := c.window.MarkConsumed(digest)
	if !edge.Fired {
		return
	}
	if len(edge.Purged) > 0 {
		drop := make([]domain.Digest, 0, len(edge.Purged))
		for _, d := range edge.Purged {
			if !c.priority.Contains(d) {
				drop = append(drop, d)
			}
		}
		c.cache.DeleteMany(drop)
		for _, d := range drop {
			c.faces.Remove(string(d))
		}
		c.bus.Publish(events.KindCacheHintCleared, events.CacheHintClearedData{Digests: edge.Purged})
	}
	c.pool.SetPaused(false)
	c.bus.Publish(events.KindWindowResumed, events.WindowResumedData{Ready: edge.ReadyAfter})
}

// SetPriority replaces the priority set in one atomic step.
func (c *Coordinator) SetPriority(digests []domain.Digest) {
	c.priority.Set(digests)
}

// ForceReprocess invalidates any cached entry for path's last-known digest
// and resubmits path with force=true, bypassing both the recently-terminal
// dedupe and the window's admission gate.
func (c *Coordinator) ForceReprocess(path domain.FilePath) {
	c.mu.Lock()
	digest, ok := c.pathDigest[path]
	c.mu.Unlock()
	if ok {
		c.cache.DeleteMany([]domain.Digest{digest})
		c.faces.Remove(string(digest))
	}
	c.recentTerminal.Remove(path)
	c.pool.SubmitPriority(path, true)
}

// HandleRename migrates in-flight and terminal-tracked references from
// oldPath to newPath. Cache entries, keyed by digest, are untouched.
func (c *Coordinator) HandleRename(oldPath, newPath domain.FilePath) {
	c.mu.Lock()
	if d, ok := c.pathDigest[oldPath]; ok {
		delete(c.pathDigest, oldPath)
		c.pathDigest[newPath] = d
	}
	c.mu.Unlock()

	if _, ok := c.recentTerminal.Get(oldPath); ok {
		c.recentTerminal.Remove(oldPath)
		c.recentTerminal.Add(newPath, struct{}{})
	}
	c.pool.Rename(oldPath, newPath)
}

// HandleDelete removes path from the queue and terminal-tracking, and
// requests eviction of its last-known digest unless that digest is
// priority-protected.
func (c *Coordinator) HandleDelete(path domain.FilePath) {
	c.pool.Remove(path)

	c.mu.Lock()
	digest, ok := c.pathDigest[path]
	delete(c.pathDigest, path)
	c.mu.Unlock()

	c.recentTerminal.Remove(path)

	if ok && !c.priority.Contains(digest) {
		c.cache.DeleteMany([]domain.Digest{digest})
		c.faces.Remove(string(digest))
	}
}

// Status is the {pool, window, cache} snapshot the core exposes.
type Status struct {
	Pool      pool.Stats
	Window    WindowStatus
	Cache     cachestore.StatusSnapshot
	FaceIndex int
}

// WindowStatus is the window's portion of Status.
type WindowStatus struct {
	ReadyCount int
	Paused     bool
}

// Status returns a point-in-time snapshot across all owned components.
func (c *Coordinator) Status() Status {
	return Status{
		Pool: c.pool.Stats(),
		Window: WindowStatus{
			ReadyCount: c.window.ReadyCount(),
			Paused:     c.window.Paused(),
		},
		Cache:     c.cache.Status(),
		FaceIndex: c.faces.Count(),
	}
}

// Subscribe exposes the event bus as an asynchronous subscription
// endpoint.
func (c *Coordinator) Subscribe() (<-chan events.Event, func()) {
	return c.bus.Subscribe()
}

func (c *Coordinator) isRecentlyTerminal(path domain.FilePath) bool {
	return c.recentTerminal.Contains(path)
}

// indexFaces embeds and indexes every thumbnail the artifact carries, so
// SimilarFaces can later recognize a near-duplicate photo by face
// appearance alone. A crop that fails to embed is skipped; embedding is a
// supplemental fast path, not a cache admission requirement.
func (c *Coordinator) indexFaces(digest domain.Digest, artifact *domain.Artifact) {
	if !artifact.ThumbnailsPresent {
		return
	}
	for i, thumb := range artifact.Thumbnails {
		vec, err := faceindex.Embed(thumb)
		if err != nil {
			continue
		}
		c.faces.Add(string(digest), i, vec)
	}
}

// SimilarFace is one face-similarity search result.
type SimilarFace struct {
	Digest    domain.Digest
	FaceIndex int
	Distance  float64
}

// SimilarFaces embeds a candidate face crop and returns up to k cached
// digests whose indexed faces are nearest to it, nearest first. Callers
// can use a result under SimilarFaceThreshold to treat a newly discovered
// photo as already effectively cached without rerunning detection on it.
func (c *Coordinator) SimilarFaces(crop []byte, k int) ([]SimilarFace, error) {
	vec, err := faceindex.Embed(crop)
	if err != nil {
		return nil, err
	}
	matches := c.faces.Search(vec, k)
	out := make([]SimilarFace, len(matches))
	for i, m := range matches {
		out[i] = SimilarFace{Digest: domain.Digest(m.Digest), FaceIndex: m.FaceIndex, Distance: m.Distance}
	}
	return out, nil
}

// handleTaskComplete is installed as the pool's completion hook. It updates
// the path→digest reconciliation map, records terminal-path dedupe state,
// and on a real completion (not a cache hit the window has already seen
// before, and not an error) evaluates the window's pause edge.
func (c *Coordinator) handleTaskComplete(path domain.FilePath, state domain.TaskState) {
	if !state.Kind.Terminal() {
		return
	}

	switch state.Kind {
	case domain.TaskCompleted, domain.TaskAlreadyProcessed:
		c.mu.Lock()
		c.pathDigest[path] = state.Digest
		c.mu.Unlock()
		c.recentTerminal.Add(path, struct{}{})

		if state.Kind == domain.TaskCompleted {
			if state.Artifact != nil {
				c.indexFaces(state.Digest, state.Artifact)
			}
			queued := c.pool.Stats().Queued
			edge := c.window.MarkReady(state.Digest, queued > 0)
			if edge.Fired {
				c.pool.SetPaused(true)
				c.bus.Publish(events.KindWindowPaused, events.WindowPausedData{Ready: edge.Ready, Queued: queued})
			}
		}
	case domain.TaskErrored, domain.TaskMissingFile:
		c.recentTerminal.Add(path, struct{}{})
	}
}

// Shutdown cancels every in-flight worker and waits for them to reach
// their next cancellation checkpoint, then stops the eviction watcher.
func (c *Coordinator) Shutdown() {
	c.pool.Shutdown()
	close(c.evictDone)
	c.evictUnsub()
}
