package cachestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/events"
	"github.com/lumenvale/shuttercore/internal/ports"
	"github.com/lumenvale/shuttercore/internal/ports/fsops"
	"github.com/lumenvale/shuttercore/internal/priority"
)

type fakeClock struct{ t uint64 }

func (c *fakeClock) Now() uint64 {
	c.t++
	return c.t
}

func newTestStore(t *testing.T, budget int64) (*Store, *fakeClock) {
	t.Helper()
	root := t.TempDir()
	clock := &fakeClock{}
	bus := events.New()
	pi := priority.New()
	s, err := Open(root, fsops.OS{}, clock, bus, pi, Options{BudgetBytes: budget})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func artifactOfSize(completedAt uint64, size int64) domain.Artifact {
	return domain.Artifact{
		HasPreview:  true,
		DecodedPreview: make([]byte, size),
		StagesDone:  domain.NewStageSet(domain.StageHashing, domain.StageDetectingFaces),
		CompletedAt: completedAt,
		SizeBytes:   size,
	}
}

func TestAdmitThenLookupRoundTrips(t *testing.T) {
	s, clock := newTestStore(t, DefaultBudgetBytes)
	a := artifactOfSize(clock.Now(), 128)
	a.FaceCount = 1
	a.FaceBBoxes = []domain.BBox{{X: 1, Y: 2, W: 3, H: 4}}

	res, err := s.Admit("digestA", a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Admitted {
		t.Fatalf("expected Admitted, got %s", res.Outcome)
	}

	got, ok := s.Lookup("digestA")
	if !ok {
		t.Fatal("expected lookup to find the entry")
	}
	if got.FaceCount != 1 || len(got.FaceBBoxes) != 1 {
		t.Fatalf("artifact did not round-trip: %+v", got)
	}
}

func TestAdmitSameDigestTwiceReplaces(t *testing.T) {
	s, clock := newTestStore(t, DefaultBudgetBytes)
	first := artifactOfSize(clock.Now(), 64)

	res, err := s.Admit("dup", first)
	if err != nil || res.Outcome != Admitted {
		t.Fatalf("expected first admit to succeed as Admitted, got %v err=%v", res.Outcome, err)
	}

	second := artifactOfSize(clock.Now(), 64)
	res, err = s.Admit("dup", second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Replaced {
		t.Fatalf("expected Replaced, got %s", res.Outcome)
	}
}

func TestDeleteManyIsIdempotent(t *testing.T) {
	s, clock := newTestStore(t, DefaultBudgetBytes)
	s.Admit("d1", artifactOfSize(clock.Now(), 32)) //nolint:errcheck

	if n := s.DeleteMany([]domain.Digest{"d1", "d1", "never-existed"}); n != 1 {
		t.Fatalf("expected exactly 1 removal, got %d", n)
	}
	if _, ok := s.Lookup("d1"); ok {
		t.Fatal("expected d1 to be gone")
	}
}

// TestEvictionProtectsPriorityDigest mirrors the priority-protection scenario:
// admit A, B, C; pin A; expect B evicted first (oldest non-priority).
func TestEvictionProtectsPriorityDigest(t *testing.T) {
	s, clock := newTestStore(t, 0) // any entry puts us over budget

	s.Admit("A", artifactOfSize(clock.Now(), 100)) //nolint:errcheck
	s.Admit("B", artifactOfSize(clock.Now(), 100)) //nolint:errcheck
	s.Admit("C", artifactOfSize(clock.Now(), 100)) //nolint:errcheck
	s.SetPriority([]domain.Digest{"A"})

	s.TickEviction()

	if _, ok := s.Lookup("A"); !ok {
		t.Fatal("priority digest A must survive eviction while non-priority candidates exist")
	}
	if _, ok := s.Lookup("B"); ok {
		t.Fatal("expected B (oldest non-priority) to be evicted first")
	}
}

func TestEvictionEvictsOldestPriorityWhenAllPinnedAndOverBudget(t *testing.T) {
	s, clock := newTestStore(t, 0)

	s.Admit("A", artifactOfSize(clock.Now(), 100)) //nolint:errcheck
	s.Admit("B", artifactOfSize(clock.Now(), 100)) //nolint:errcheck
	s.SetPriority([]domain.Digest{"A", "B"})

	s.TickEviction()

	if _, ok := s.Lookup("A"); ok {
		t.Fatal("expected oldest priority entry A to be evicted once all entries are priority and over budget")
	}
	if _, ok := s.Lookup("B"); !ok {
		t.Fatal("expected B to remain")
	}
}

func TestZeroBudgetEvictsWithoutInfiniteLoop(t *testing.T) {
	s, clock := newTestStore(t, 0)
	res, err := s.Admit("only", artifactOfSize(clock.Now(), 10))
	if err != nil || res.Outcome != Admitted {
		t.Fatalf("expected admission to succeed even at budget=0, got %v err=%v", res.Outcome, err)
	}

	reclaimed := s.TickEviction()
	if reclaimed == 0 {
		t.Fatal("expected eviction to reclaim the just-admitted entry")
	}
	if _, ok := s.Lookup("only"); ok {
		t.Fatal("expected store to be empty after eviction at budget=0")
	}
}

// limitedSpaceFs wraps the real filesystem adapter but reports a small,
// fixed amount of free space, to exercise the StorageFull rejection path.
type limitedSpaceFs struct {
	ports.Fs
	free uint64
}

func (f limitedSpaceFs) FreeBytes(path string) (uint64, error) { return f.free, nil }

func TestAdmitRejectedWhenDiskFull(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{}
	bus := events.New()
	pi := priority.New()
	fs := limitedSpaceFs{Fs: fsops.OS{}, free: 1}

	s, err := Open(root, fs, clock, bus, pi, Options{BudgetBytes: DefaultBudgetBytes})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	res, err := s.Admit("big", artifactOfSize(clock.Now(), 4096))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Rejected || res.Reason != domain.ErrStorageFull {
		t.Fatalf("expected Rejected(StorageFull), got %v/%v", res.Outcome, res.Reason)
	}
}

func TestOpenReapsOrphanTempFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(root, "tmp", "deadbeef.some-uuid.partial")
	if err := os.WriteFile(orphan, []byte("leftover"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(root, fsops.OS{}, &fakeClock{}, events.New(), priority.New(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("expected orphaned temp file to be reaped on Open")
	}
}

func TestStatusReflectsEntriesAndBytes(t *testing.T) {
	s, clock := newTestStore(t, DefaultBudgetBytes)
	s.Admit("a", artifactOfSize(clock.Now(), 100)) //nolint:errcheck
	s.Admit("b", artifactOfSize(clock.Now(), 200)) //nolint:errcheck

	st := s.Status()
	if st.Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", st.Entries)
	}
	wantBytes := int64(100+200) + 2*perEntryOverheadBytes
	if st.Bytes != wantBytes {
		t.Fatalf("expected %d bytes, got %d", wantBytes, st.Bytes)
	}
}
