// Package window implements C5, the RollingWindow: it bounds the
// ready-but-unconsumed population of completed digests, pausing admission
// above a high-water mark and resuming below a low-water mark.
package window

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lumenvale/shuttercore/internal/domain"
)

// Config holds the three watermarks governing pause/resume transitions.
type Config struct {
	MaxReadyItems   int
	MinQueueBuffer  int
	ResumeThreshold int
}

// DefaultConfig mirrors the values named in the window's reference design.
func DefaultConfig() Config {
	return Config{MaxReadyItems: 15, MinQueueBuffer: 10, ResumeThreshold: 5}
}

// Validate enforces MaxReadyItems >= MinQueueBuffer > ResumeThreshold >= 1.
func (c Config) Validate() error {
	if c.ResumeThreshold < 1 {
		return errors.New("window: resume_threshold must be >= 1")
	}
	if c.MinQueueBuffer <= c.ResumeThreshold {
		return fmt.Errorf("window: min_queue_buffer (%d) must be > resume_threshold (%d)", c.MinQueueBuffer, c.ResumeThreshold)
	}
	if c.MaxReadyItems < c.MinQueueBuffer {
		return fmt.Errorf("window: max_ready_items (%d) must be >= min_queue_buffer (%d)", c.MaxReadyItems, c.MinQueueBuffer)
	}
	return nil
}

// State is the Running/Paused admission state of the window.
type State int

const (
	Running State = iota
	Paused
)

func (s State) String() string {
	if s == Paused {
		return "Paused"
	}
	return "Running"
}

// PurgeHint names digests that mark_consumed's resume-edge purge is
// forwarding to CacheStore.delete_many as a non-authoritative hint.
type PurgeHint struct {
	Digests []domain.Digest
}

// Window tracks the ready and consumed buckets and the Running/Paused
// admission flag. It never mutates the pool or cache directly; callers read
// Ready/Paused and forward PurgeHint to CacheStore themselves.
type Window struct {
	mu         sync.Mutex
	cfg        Config
	state      State
	ready      []domain.Digest // FIFO order, oldest first
	consumed   []domain.Digest // FIFO order, oldest first; awaiting purge
	sincePause int
}

// New constructs a Window in the Running state. cfg must already be valid;
// callers invoke Config.Validate at configuration time.
func New(cfg Config) *Window {
	return &Window{cfg: cfg, state: Running}
}

// ReadyCount returns the number of ready-but-unconsumed digests.
func (w *Window) ReadyCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ready)
}

// MaxReadyItems exposes the configured hard admission cap, for wiring the
// pool's dispatch gate without exposing the rest of Config.
func (w *Window) MaxReadyItems() int {
	return w.cfg.MaxReadyItems
}

// Paused reports the current admission flag.
func (w *Window) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == Paused
}

// PauseEdge is returned by MarkReady when a Running→Paused transition fires.
// Queued is always 0: the window only learns whether the queue is non-empty,
// so callers that know the queue length report it themselves.
type PauseEdge struct {
	Fired  bool
	Ready  int
	Queued int
}

// MarkReady records a newly completed digest as ready and evaluates the
// pause edge. queueNonEmpty reflects the pool's queue state at the moment
// of the call, since the window holds no reference to the pool itself.
func (w *Window) MarkReady(digest domain.Digest, queueNonEmpty bool) PauseEdge {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ready = append(w.ready, digest)

	if w.state == Running && len(w.ready) >= w.cfg.MinQueueBuffer && queueNonEmpty {
		w.state = Paused
		w.sincePause = 0
		return PauseEdge{Fired: true, Ready: len(w.ready), Queued: 0}
	}
	return PauseEdge{}
}

// ResumeEdge is returned by MarkConsumed when a Paused→Running transition
// fires, carrying the digests whose ready-tracking should be purged and
// hinted to CacheStore.
type ResumeEdge struct {
	Fired      bool
	ReadyAfter int
	Purged     []domain.Digest
}

// MarkConsumed moves digest from ready into consumed bookkeeping and
// evaluates the resume edge. If digest is not currently ready, the call is
// a no-op and does not count toward the since-pause total (idempotent
// consumption).
func (w *Window) MarkConsumed(digest domain.Digest) ResumeEdge {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := -1
	for i, d := range w.ready {
		if d == digest {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ResumeEdge{}
	}
	w.ready = append(w.ready[:idx], w.ready[idx+1:]...)
	w.consumed = append(w.consumed, digest)

	if w.state != Paused {
		return ResumeEdge{}
	}

	w.sincePause++
	if w.sincePause < w.cfg.ResumeThreshold {
		return ResumeEdge{}
	}

	purgeN := w.cfg.ResumeThreshold
	if purgeN > len(w.consumed) {
		purgeN = len(w.consumed)
	}
	purged := append([]domain.Digest(nil), w.consumed[:purgeN]...)
	w.consumed = w.consumed[purgeN:]

	w.state = Running
	w.sincePause = 0

	return ResumeEdge{Fired: true, ReadyAfter: len(w.ready), Purged: purged}
}
