// Package cachestore implements C2, the CacheStore: a durable mapping from
// content digest to cached artifact, with blobs held in a content-addressed
// directory layout and a soft total size budget enforced by eviction.
package cachestore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/lumenvale/shuttercore/internal/cachestore/atomicfile"
	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/events"
	"github.com/lumenvale/shuttercore/internal/ports"
	"github.com/lumenvale/shuttercore/internal/priority"
)

// perEntryOverheadBytes amortizes the cost of each entry's metadata record
// against the size budget, per the size accounting rule.
const perEntryOverheadBytes int64 = 512

// DefaultBudgetBytes is the soft total size budget when none is configured.
const DefaultBudgetBytes int64 = 1 << 30 // 1 GiB

// AdmitOutcome tags the result of Admit.
type AdmitOutcome int

const (
	Admitted AdmitOutcome = iota
	Replaced
	Rejected
)

func (o AdmitOutcome) String() string {
	switch o {
	case Admitted:
		return "Admitted"
	case Replaced:
		return "Replaced"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// AdmitResult is returned by Admit.
type AdmitResult struct {
	Outcome AdmitOutcome
	Reason  domain.ErrorKind // set only when Outcome == Rejected
}

// StatusSnapshot is returned by Status.
type StatusSnapshot struct {
	Entries     int
	Bytes       int64
	BudgetBytes int64
	Pct         float64
}

type entryRecord struct {
	digest   domain.Digest
	artifact domain.Artifact
	extra    map[string]json.RawMessage
}

func (e *entryRecord) sizeBytes() int64 {
	return e.artifact.SizeBytes + perEntryOverheadBytes
}

// Store is the concrete, filesystem-backed CacheStore.
type Store struct {
	root     string
	fs       ports.Fs
	clock    ports.Clock
	bus      *events.Bus
	priority *priority.Index

	budgetBytes int64

	mu    sync.RWMutex
	index map[domain.Digest]*entryRecord

	digestLocks sync.Map // domain.Digest -> *sync.Mutex

	lock *flock.Flock
}

// Options configures a Store beyond its required collaborators.
type Options struct {
	BudgetBytes int64
}

// Open constructs a Store rooted at root, acquiring an exclusive startup
// lockfile, loading any existing index entries, and reaping orphaned
// tmp-directory writes left by a prior crash.
func Open(root string, fs ports.Fs, clock ports.Clock, bus *events.Bus, pi *priority.Index, opts Options) (*Store, error) {
	budget := opts.BudgetBytes
	if budget == 0 {
		budget = DefaultBudgetBytes
	}

	s := &Store{
		root:        root,
		fs:          fs,
		clock:       clock,
		bus:         bus,
		priority:    pi,
		budgetBytes: budget,
		index:       make(map[domain.Digest]*entryRecord),
	}

	if err := s.fs.MkdirAll(s.blobsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: mkdir blobs: %w", err)
	}
	if err := s.fs.MkdirAll(s.indexDir(), 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: mkdir index: %w", err)
	}
	if err := s.fs.MkdirAll(s.tmpDir(), 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: mkdir tmp: %w", err)
	}

	s.lock = flock.New(filepath.Join(s.root, "lock"))
	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("cachestore: acquire lockfile: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cachestore: %s is already owned by another process", filepath.Join(s.root, "lock"))
	}

	if err := s.loadIndex(); err != nil {
		s.lock.Unlock() //nolint:errcheck
		return nil, err
	}
	s.reapOrphanTemps()

	return s, nil
}

// Close releases the startup lockfile.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func (s *Store) blobsDir() string  { return filepath.Join(s.root, "blobs") }
func (s *Store) indexDir() string  { return filepath.Join(s.root, "index") }
func (s *Store) tmpDir() string    { return filepath.Join(s.root, "tmp") }

func shard(digest domain.Digest) string {
	d := string(digest)
	if len(d) < 2 {
		return "00"
	}
	return d[:2]
}

func (s *Store) previewPath(d domain.Digest) string {
	return filepath.Join(s.blobsDir(), shard(d), string(d)+".preview.jpg")
}

func (s *Store) thumbDir(d domain.Digest) string {
	return filepath.Join(s.blobsDir(), shard(d), string(d)+".thumbs")
}

func (s *Store) thumbPath(d domain.Digest, n int) string {
	return filepath.Join(s.thumbDir(d), fmt.Sprintf("%d.jpg", n))
}

func (s *Store) indexPath(d domain.Digest) string {
	return filepath.Join(s.indexDir(), string(d)+".json")
}

func (s *Store) tmpPath(d domain.Digest, suffix string) string {
	return filepath.Join(s.tmpDir(), fmt.Sprintf("%s.%s.partial", d, suffix))
}

func (s *Store) digestLock(d domain.Digest) *sync.Mutex {
	v, _ := s.digestLocks.LoadOrStore(d, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lookup returns the cached artifact for digest, if any. It never blocks on
// concurrent admission of a different digest.
func (s *Store) Lookup(digest domain.Digest) (domain.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[digest]
	if !ok {
		return domain.Artifact{}, false
	}
	return e.artifact, true
}

// Admit writes artifact's blobs and metadata atomically and installs it as
// digest's cache entry. A concurrent or later Admit for the same digest
// serializes against this one; the entry appears fully or not at all.
//
// After a successful write, Admit enforces the soft size budget: if total
// occupancy now exceeds budgetBytes, it runs eviction until back at or
// under budget, per the "runs when size > budget" rule. This runs after
// the digest lock above has been released, so eviction is free to pick the
// entry just admitted as its own candidate without deadlocking against it.
func (s *Store) Admit(digest domain.Digest, artifact domain.Artifact) (AdmitResult, error) {
	result, err := s.admitLocked(digest, artifact)
	if err == nil && (result.Outcome == Admitted || result.Outcome == Replaced) {
		s.enforceBudget()
	}
	return result, err
}

func (s *Store) admitLocked(digest domain.Digest, artifact domain.Artifact) (AdmitResult, error) {
	lock := s.digestLock(digest)
	lock.Lock()
	defer lock.Unlock()

	needed := artifact.SizeBytes + perEntryOverheadBytes
	if !s.hasRoomFor(needed) {
		s.tickEvictionLocked()
		if !s.hasRoomFor(needed) {
			return AdmitResult{Outcome: Rejected, Reason: domain.ErrStorageFull}, nil
		}
	}

	if artifact.HasPreview {
		if err := atomicfile.WriteVia(s.fs, s.tmpPath(digest, "preview"), s.previewPath(digest), artifact.DecodedPreview); err != nil {
			return AdmitResult{}, fmt.Errorf("cachestore: admit %s: write preview: %w", digest, err)
		}
	}
	for n, thumb := range artifact.Thumbnails {
		if err := atomicfile.WriteVia(s.fs, s.tmpPath(digest, fmt.Sprintf("thumb%d", n)), s.thumbPath(digest, n), thumb); err != nil {
			return AdmitResult{}, fmt.Errorf("cachestore: admit %s: write thumbnail %d: %w", digest, n, err)
		}
	}

	rec := newMetadataRecord(artifact)
	blob, err := json.Marshal(rec)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("cachestore: admit %s: marshal metadata: %w", digest, err)
	}
	if err := atomicfile.WriteVia(s.fs, s.tmpPath(digest, "index"), s.indexPath(digest), blob); err != nil {
		return AdmitResult{}, fmt.Errorf("cachestore: admit %s: write metadata: %w", digest, err)
	}

	s.mu.Lock()
	_, existed := s.index[digest]
	s.index[digest] = &entryRecord{digest: digest, artifact: artifact}
	s.mu.Unlock()

	if existed {
		return AdmitResult{Outcome: Replaced}, nil
	}
	return AdmitResult{Outcome: Admitted}, nil
}

// enforceBudget runs the budget-based eviction tick if total occupancy
// currently exceeds budgetBytes. It must be called with no digest lock held
// by the caller.
func (s *Store) enforceBudget() {
	s.mu.RLock()
	over := s.totalBytesLocked() > s.budgetBytes
	s.mu.RUnlock()
	if over {
		s.tickEvictionLocked()
	}
}

func (s *Store) hasRoomFor(needed int64) bool {
	free, err := s.fs.FreeBytes(s.root)
	if err != nil {
		return true // no statvfs support; assume plenty of room
	}
	return free >= uint64(needed)
}

// DeleteMany removes the given digests, idempotently. It returns the count
// actually removed.
func (s *Store) DeleteMany(digests []domain.Digest) int {
	count := 0
	for _, d := range digests {
		if _, err := s.deleteEntry(d); err == nil {
			count++
		}
	}
	return count
}

func (s *Store) deleteEntry(d domain.Digest) (int64, error) {
	lock := s.digestLock(d)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	e, ok := s.index[d]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("cachestore: %s not present", d)
	}
	delete(s.index, d)
	s.mu.Unlock()

	_ = s.fs.Remove(s.previewPath(d))
	_ = s.fs.RemoveAll(s.thumbDir(d))
	_ = s.fs.Remove(s.indexPath(d))

	return e.sizeBytes(), nil
}

// SetPriority replaces the priority set in one atomic step.
func (s *Store) SetPriority(digests []domain.Digest) {
	s.priority.Set(digests)
}

// TickEviction runs eviction until the store is at or under budget, or
// until a single pass makes no further progress. It returns bytes reclaimed.
func (s *Store) TickEviction() int64 {
	return s.tickEvictionLocked()
}

func (s *Store) tickEvictionLocked() int64 {
	var reclaimed int64
	for {
		s.mu.RLock()
		total := s.totalBytesLocked()
		if total <= s.budgetBytes {
			s.mu.RUnlock()
			break
		}
		candidate, ok := s.nextEvictionCandidateLocked()
		s.mu.RUnlock()
		if !ok {
			break
		}

		bytes, err := s.deleteEntry(candidate)
		if err != nil {
			break
		}
		reclaimed += bytes
		if s.bus != nil {
			s.bus.Publish(events.KindCacheEntryEvicted, events.CacheEntryEvictedData{
				Digest: candidate,
				Bytes:  bytes,
				Reason: "over_budget",
			})
		}
	}
	return reclaimed
}

func (s *Store) totalBytesLocked() int64 {
	var total int64
	for _, e := range s.index {
		total += e.sizeBytes()
	}
	return total
}

// nextEvictionCandidateLocked must be called with s.mu held (read lock is
// sufficient; it only reads). It implements the strict eviction order:
// not-priority oldest completed_at first, ties by lexicographically
// smallest digest, and only once every non-priority entry is gone does a
// priority entry become a candidate.
func (s *Store) nextEvictionCandidateLocked() (domain.Digest, bool) {
	prioritySet := make(map[domain.Digest]struct{})
	for _, d := range s.priority.Snapshot() {
		prioritySet[d] = struct{}{}
	}

	var nonPriority, priorityOnly []*entryRecord
	for _, e := range s.index {
		if _, pinned := prioritySet[e.digest]; pinned {
			priorityOnly = append(priorityOnly, e)
		} else {
			nonPriority = append(nonPriority, e)
		}
	}

	byAgeThenDigest := func(xs []*entryRecord) {
		sort.Slice(xs, func(i, j int) bool {
			if xs[i].artifact.CompletedAt != xs[j].artifact.CompletedAt {
				return xs[i].artifact.CompletedAt < xs[j].artifact.CompletedAt
			}
			return xs[i].digest < xs[j].digest
		})
	}
	byAgeThenDigest(nonPriority)
	byAgeThenDigest(priorityOnly)

	if len(nonPriority) > 0 {
		return nonPriority[0].digest, true
	}
	if len(priorityOnly) > 0 {
		return priorityOnly[0].digest, true
	}
	return "", false
}

// Status returns an approximate snapshot of store occupancy.
func (s *Store) Status() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.totalBytesLocked()
	pct := 0.0
	if s.budgetBytes > 0 {
		pct = float64(total) / float64(s.budgetBytes) * 100
	}
	return StatusSnapshot{
		Entries:     len(s.index),
		Bytes:       total,
		BudgetBytes: s.budgetBytes,
		Pct:         pct,
	}
}

// loadIndex reads every index/<digest>.json on disk back into memory,
// re-seeding completed_at from nothing newer than what's recorded: clock
// skew across restarts must not reorder eviction, so stored timestamps are
// trusted as-is rather than replaced with the current process clock.
func (s *Store) loadIndex() error {
	entries, err := s.fs.ReadDir(s.indexDir())
	if err != nil {
		return nil // fresh store, nothing to load
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		digest := domain.Digest(strings.TrimSuffix(de.Name(), ".json"))
		data, err := s.fs.ReadFile(s.indexPath(digest))
		if err != nil {
			continue
		}
		var rec metadataRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // treat as StoreCorrupted: skip, caller sees a miss
		}
		artifact := rec.toArtifact()
		s.index[digest] = &entryRecord{digest: digest, artifact: artifact, extra: rec.Extra}
	}
	return nil
}

// reapOrphanTemps removes any leftover *.partial files under tmp/, the
// residue of a crash between temp-write and rename.
func (s *Store) reapOrphanTemps() {
	entries, err := s.fs.ReadDir(s.tmpDir())
	if err != nil {
		return
	}
	for _, de := range entries {
		if atomicfile.TempPrefixOf(de.Name()) {
			_ = s.fs.Remove(filepath.Join(s.tmpDir(), de.Name()))
		}
	}
}
