// Package events implements C7, the EventBus: a single-writer/many-reader
// broadcast of core events. It replaces the reference implementation's
// ad-hoc observer callbacks (registered under string keys) with a tagged,
// exhaustive event enum and typed payloads, per the redesign notes.
//
// The bus never blocks a producer on a slow subscriber: a full subscriber
// buffer has its oldest event dropped to make room, and the drop is
// counted and exposed via Stats.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/lumenvale/shuttercore/internal/domain"
)

// Kind is the exhaustive tag for every event the core can publish.
type Kind int

const (
	KindTaskStageChanged Kind = iota
	KindTaskCompleted
	KindTaskErrored
	KindFileMissing
	KindAlreadyProcessed
	KindWindowPaused
	KindWindowResumed
	KindCacheHintCleared
	KindCacheEntryEvicted
	KindPoolStatsChanged
)

func (k Kind) String() string {
	switch k {
	case KindTaskStageChanged:
		return "TaskStageChanged"
	case KindTaskCompleted:
		return "TaskCompleted"
	case KindTaskErrored:
		return "TaskErrored"
	case KindFileMissing:
		return "FileMissing"
	case KindAlreadyProcessed:
		return "AlreadyProcessed"
	case KindWindowPaused:
		return "WindowPaused"
	case KindWindowResumed:
		return "WindowResumed"
	case KindCacheHintCleared:
		return "CacheHintCleared"
	case KindCacheEntryEvicted:
		return "CacheEntryEvicted"
	case KindPoolStatsChanged:
		return "PoolStatsChanged"
	default:
		return "Unknown"
	}
}

// StageTransition distinguishes stage-entry from stage-exit within a single
// TaskStageChanged event, since the spec's component-level description
// (StageStarted/StageFinished) collapses into one exhaustive Kind here.
type StageTransition int

const (
	StageStarted StageTransition = iota
	StageFinished
)

// Payload types. Event.Data holds exactly one of these, selected by Kind.

type TaskStageChangedData struct {
	Path       domain.FilePath
	Digest     domain.Digest
	Stage      domain.PipelineStage
	Transition StageTransition
	Succeeded  bool // meaningful only when Transition == StageFinished
}

type TaskCompletedData struct {
	Path     domain.FilePath
	Digest   domain.Digest
	Artifact *domain.Artifact
}

type TaskErroredData struct {
	Path    domain.FilePath
	Digest  domain.Digest
	Stage   domain.PipelineStage
	ErrKind domain.ErrorKind
	Message string
}

type FileMissingData struct {
	Path domain.FilePath
}

type AlreadyProcessedData struct {
	Path     domain.FilePath
	Digest   domain.Digest
	Artifact *domain.Artifact
}

type WindowPausedData struct {
	Ready  int
	Queued int
}

type WindowResumedData struct {
	Ready int
}

type CacheHintClearedData struct {
	Digests []domain.Digest
}

type CacheEntryEvictedData struct {
	Digest domain.Digest
	Bytes  int64
	Reason string
}

type PoolStatsChangedData struct {
	Queued     int
	InFlight   int
	MaxWorkers int
	Paused     bool
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Kind Kind
	Seq  uint64
	Data any
}

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus is the concrete, in-process EventBus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	seq         uint64
	bufferSize  int
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a new reader. The returned channel delivers events in
// publication order for any single publishing component; cross-component
// ordering is not guaranteed. Call the returned unsubscribe func to stop
// receiving and release the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish delivers an event to every current subscriber without blocking.
// If a subscriber's buffer is full, the oldest buffered event for that
// subscriber is dropped to make room for the new one, and its drop counter
// is incremented.
func (b *Bus) Publish(kind Kind, data any) {
	b.mu.Lock()
	b.seq++
	ev := Event{Kind: kind, Seq: b.seq, Data: data}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- ev:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats is a point-in-time snapshot of the bus's subscriber population and
// drop-oldest backpressure counter.
type Stats struct {
	Subscribers int
	Dropped     uint64
}

// Stats returns the current subscriber count and the sum, across every live
// subscriber, of events dropped under the drop-oldest backpressure policy.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var dropped uint64
	for _, s := range subs {
		dropped += s.dropped.Load()
	}
	return Stats{Subscribers: len(subs), Dropped: dropped}
}
