package coordinator

import (
	"bytes"
	"context"
	stdimage "image"
	"image/png"
	"os"
	"testing"
	"time"

	"github.com/lumenvale/shuttercore/internal/cachestore"
	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/events"
	"github.com/lumenvale/shuttercore/internal/hashing"
	"github.com/lumenvale/shuttercore/internal/pipeline"
	"github.com/lumenvale/shuttercore/internal/ports"
	"github.com/lumenvale/shuttercore/internal/ports/fsops"
	"github.com/lumenvale/shuttercore/internal/priority"
	"github.com/lumenvale/shuttercore/internal/window"
)

type fakeSourceFile struct{ *bytes.Reader }

func (fakeSourceFile) Write(p []byte) (int, error) { return 0, os.ErrPermission }
func (fakeSourceFile) Close() error                { return nil }
func (fakeSourceFile) Sync() error                 { return nil }

// fakeSourceFs is the user's photo tree: an in-memory path->bytes map the
// hasher reads from. It is deliberately distinct from the cache store's own
// (real, temp-dir backed) filesystem.
type fakeSourceFs struct {
	files map[string][]byte
}

func newFakeSourceFs() *fakeSourceFs {
	return &fakeSourceFs{files: map[string][]byte{}}
}

func (f *fakeSourceFs) Open(name string) (ports.File, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return fakeSourceFile{bytes.NewReader(data)}, nil
}
func (f *fakeSourceFs) OpenFile(name string, flag int, perm os.FileMode) (ports.File, error) {
	return f.Open(name)
}
func (f *fakeSourceFs) Rename(oldpath, newpath string) error {
	data, ok := f.files[oldpath]
	if !ok {
		return os.ErrNotExist
	}
	delete(f.files, oldpath)
	f.files[newpath] = data
	return nil
}
func (f *fakeSourceFs) Remove(name string) error                    { delete(f.files, name); return nil }
func (f *fakeSourceFs) RemoveAll(path string) error                  { return nil }
func (f *fakeSourceFs) MkdirAll(path string, perm os.FileMode) error { return nil }
func (f *fakeSourceFs) Stat(name string) (os.FileInfo, error)        { return nil, os.ErrNotExist }
func (f *fakeSourceFs) ReadDir(name string) ([]os.DirEntry, error)   { return nil, nil }
func (f *fakeSourceFs) ReadFile(name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}
func (f *fakeSourceFs) FreeBytes(path string) (uint64, error) { return 1 << 30, nil }

type countingDetector struct{ calls *int }

func (d countingDetector) Detect(ctx context.Context, image []byte) ([]domain.BBox, error) {
	*d.calls++
	return []domain.BBox{{X: 0, Y: 0, W: 4, H: 4}}, nil
}

type passthroughCropper struct{}

func (passthroughCropper) Crop(ctx context.Context, image []byte, bbox domain.BBox) ([]byte, error) {
	return []byte("thumb"), nil
}

type failingDetector struct{}

func (failingDetector) Detect(ctx context.Context, image []byte) ([]domain.BBox, error) {
	return nil, os.ErrInvalid
}

type seqClock struct{ t uint64 }

func (c *seqClock) Now() uint64 { c.t++; return c.t }

// looseWindowConfig admits essentially unbounded ready items, for tests
// that don't exercise pause/resume.
func looseWindowConfig() window.Config {
	return window.Config{MaxReadyItems: 1000, MinQueueBuffer: 999, ResumeThreshold: 1}
}

func newRig(t *testing.T, detector interface {
	Detect(ctx context.Context, image []byte) ([]domain.BBox, error)
}, winCfg window.Config) (*Coordinator, *fakeSourceFs, *cachestore.Store, *events.Bus) {
	t.Helper()
	source := newFakeSourceFs()
	bus := events.New()
	pi := priority.New()

	cache, err := cachestore.Open(t.TempDir(), fsops.OS{}, &seqClock{}, bus, pi, cachestore.Options{})
	if err != nil {
		t.Fatalf("cachestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	collabs := pipeline.Collaborators{
		Hasher:       hashing.New(source),
		FaceDetector: detector,
		Cropper:      passthroughCropper{},
		Clock:        &seqClock{},
		Fs:           source,
	}

	coord, err := New(cache, bus, pi, collabs, Config{MaxWorkers: 2, Window: winCfg})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	// Registered after the cache's and TempDir's cleanups, so it runs first:
	// workers stop writing into the cache directory before it is removed.
	t.Cleanup(coord.Shutdown)
	return coord, source, cache, bus
}

func waitForKind(t *testing.T, ch <-chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %s", kind)
		}
	}
}

func TestCacheHitAcrossTwoSubmissions(t *testing.T) {
	calls := 0
	coord, source, _, _ := newRig(t, countingDetector{&calls}, looseWindowConfig())
	source.files["/p.jpg"] = []byte("identical bytes")

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	coord.Enqueue([]domain.FilePath{"/p.jpg"}, PositionTail, false)
	waitForKind(t, ch, events.KindTaskCompleted)

	// force=true bypasses the recently-terminal dedupe so the second
	// submission actually reaches the pipeline's cache probe.
	coord.Enqueue([]domain.FilePath{"/p.jpg"}, PositionTail, true)
	waitForKind(t, ch, events.KindAlreadyProcessed)

	if calls != 1 {
		t.Fatalf("expected exactly one detection call across both submissions, got %d", calls)
	}
}

func TestMissingFileMidQueueDoesNotBlockOthers(t *testing.T) {
	calls := 0
	coord, source, _, _ := newRig(t, countingDetector{&calls}, looseWindowConfig())
	source.files["/a"] = []byte("aaa")
	source.files["/b"] = []byte("bbb")

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	coord.Enqueue([]domain.FilePath{"/a", "/missing", "/b"}, PositionTail, false)

	seen := map[events.Kind]int{}
	deadline := time.After(2 * time.Second)
	for seen[events.KindTaskCompleted] < 2 || seen[events.KindFileMissing] < 1 {
		select {
		case ev := <-ch:
			seen[ev.Kind]++
		case <-deadline:
			t.Fatalf("timed out; saw %v", seen)
		}
	}
}

func TestResumeForwardsPurgeHintToCache(t *testing.T) {
	calls := 0
	// MaxWorkers=2 in newRig; six distinct files keep the queue non-empty
	// long enough for the pause edge (ready>=3 with queue still non-empty)
	// to actually fire.
	winCfg := window.Config{MaxReadyItems: 6, MinQueueBuffer: 3, ResumeThreshold: 2}
	coord, source, cache, _ := newRig(t, countingDetector{&calls}, winCfg)

	paths := []domain.FilePath{"/a", "/b", "/c", "/d", "/e", "/f"}
	for _, p := range paths {
		source.files[string(p)] = []byte("content-" + string(p))
	}

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	coord.Enqueue(paths, PositionTail, false)

	var completed []domain.Digest
	paused := false
	deadline := time.After(3 * time.Second)
	for !paused {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case events.KindTaskCompleted:
				completed = append(completed, ev.Data.(events.TaskCompletedData).Digest)
			case events.KindWindowPaused:
				paused = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for WindowPaused; saw %d completions", len(completed))
		}
	}
	if len(completed) < 2 {
		t.Fatalf("expected at least 2 completions before pause, got %d", len(completed))
	}

	coord.MarkConsumed(completed[0])
	coord.MarkConsumed(completed[1])
	waitForKind(t, ch, events.KindWindowResumed)

	for _, d := range completed[:2] {
		if _, ok := cache.Lookup(d); ok {
			t.Fatalf("expected digest %s to be purged by the resume hint", d)
		}
	}
}

func TestForceReprocessInvalidatesCacheEntry(t *testing.T) {
	calls := 0
	coord, source, cache, _ := newRig(t, countingDetector{&calls}, looseWindowConfig())
	source.files["/p.jpg"] = []byte("some bytes")

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	coord.Enqueue([]domain.FilePath{"/p.jpg"}, PositionTail, false)
	ev := waitForKind(t, ch, events.KindTaskCompleted)
	digest := ev.Data.(events.TaskCompletedData).Digest

	if _, ok := cache.Lookup(digest); !ok {
		t.Fatal("expected cache entry to exist after first completion")
	}

	coord.ForceReprocess("/p.jpg")
	waitForKind(t, ch, events.KindTaskCompleted)

	if calls != 2 {
		t.Fatalf("expected force_reprocess to trigger a second detection call, got %d", calls)
	}
}

func TestHandleDeleteEvictsNonPriorityDigest(t *testing.T) {
	calls := 0
	coord, source, cache, _ := newRig(t, countingDetector{&calls}, looseWindowConfig())
	source.files["/p.jpg"] = []byte("deletable bytes")

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	coord.Enqueue([]domain.FilePath{"/p.jpg"}, PositionTail, false)
	ev := waitForKind(t, ch, events.KindTaskCompleted)
	digest := ev.Data.(events.TaskCompletedData).Digest

	coord.HandleDelete("/p.jpg")

	if _, ok := cache.Lookup(digest); ok {
		t.Fatal("expected digest to be evicted on handle_delete when not priority-protected")
	}
}

func TestHandleDeleteSparesPriorityDigest(t *testing.T) {
	calls := 0
	coord, source, cache, _ := newRig(t, countingDetector{&calls}, looseWindowConfig())
	source.files["/p.jpg"] = []byte("protected bytes")

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	coord.Enqueue([]domain.FilePath{"/p.jpg"}, PositionTail, false)
	ev := waitForKind(t, ch, events.KindTaskCompleted)
	digest := ev.Data.(events.TaskCompletedData).Digest

	coord.SetPriority([]domain.Digest{digest})
	coord.HandleDelete("/p.jpg")

	if _, ok := cache.Lookup(digest); !ok {
		t.Fatal("expected priority-protected digest to survive handle_delete")
	}
}

// tinyFaceCrop returns a minimal real PNG, decodable by faceindex.Embed, so
// tests can populate the face index without running a detection pipeline.
func tinyFaceCrop() []byte {
	g := stdimage.NewGray(stdimage.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	if err := png.Encode(&buf, g); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// TestBudgetEvictionUnindexesFaces exercises the fourth face-unindexing path:
// a budget-driven eviction inside CacheStore, which bypasses every purge
// path the coordinator itself drives (MarkConsumed, ForceReprocess,
// HandleDelete) and instead only announces itself on the event bus.
func TestBudgetEvictionUnindexesFaces(t *testing.T) {
	source := newFakeSourceFs()
	bus := events.New()
	pi := priority.New()

	// Sized so a single entry of either size fits, but both together don't:
	// the first entry alone costs 100+512=612, the second 2000+512=2512, and
	// 612+2512=3124 exceeds the 3000 budget while 2512 alone does not.
	cache, err := cachestore.Open(t.TempDir(), fsops.OS{}, &seqClock{}, bus, pi, cachestore.Options{BudgetBytes: 3000})
	if err != nil {
		t.Fatalf("cachestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	collabs := pipeline.Collaborators{
		Hasher:       hashing.New(source),
		FaceDetector: failingDetector{}, // unused: faces are admitted directly below
		Cropper:      passthroughCropper{},
		Clock:        &seqClock{},
		Fs:           source,
	}
	coord, err := New(cache, bus, pi, collabs, Config{MaxWorkers: 2, Window: looseWindowConfig()})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	t.Cleanup(coord.Shutdown)

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	crop := tinyFaceCrop()
	older := domain.Artifact{
		FaceCount: 1, FaceBBoxes: []domain.BBox{{W: 4, H: 4}},
		ThumbnailsPresent: true, Thumbnails: [][]byte{crop},
		StagesDone: domain.NewStageSet(domain.StageHashing, domain.StageDetectingFaces, domain.StageGeneratingThumbnails),
		SizeBytes:  100, CompletedAt: 1,
	}
	newer := domain.Artifact{
		FaceCount: 1, FaceBBoxes: []domain.BBox{{W: 4, H: 4}},
		ThumbnailsPresent: true, Thumbnails: [][]byte{crop},
		StagesDone: domain.NewStageSet(domain.StageHashing, domain.StageDetectingFaces, domain.StageGeneratingThumbnails),
		SizeBytes:  2000, CompletedAt: 2,
	}

	const olderDigest domain.Digest = "older-digest"
	const newerDigest domain.Digest = "newer-digest"

	if _, err := cache.Admit(olderDigest, older); err != nil {
		t.Fatalf("admit older: %v", err)
	}
	coord.indexFaces(olderDigest, &older)
	if count := coord.Status().FaceIndex; count != 1 {
		t.Fatalf("expected 1 indexed face after the first admission, got %d", count)
	}

	if _, err := cache.Admit(newerDigest, newer); err != nil {
		t.Fatalf("admit newer: %v", err)
	}
	coord.indexFaces(newerDigest, &newer)

	waitForKind(t, ch, events.KindCacheEntryEvicted)

	if _, ok := cache.Lookup(olderDigest); ok {
		t.Fatal("expected the older, smaller entry to be evicted over budget")
	}
	if _, ok := cache.Lookup(newerDigest); !ok {
		t.Fatal("expected the newer, larger entry to survive")
	}

	// The coordinator's eviction watcher runs off the bus asynchronously;
	// poll until it catches up.
	deadline := time.After(time.Second)
	for {
		if count := coord.Status().FaceIndex; count == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected the evicted entry's face to be removed from the index, got FaceIndex=%d", coord.Status().FaceIndex)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleRenamePreservesCacheHit(t *testing.T) {
	calls := 0
	coord, source, _, _ := newRig(t, countingDetector{&calls}, looseWindowConfig())
	source.files["/old.jpg"] = []byte("renamed bytes")

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	coord.Enqueue([]domain.FilePath{"/old.jpg"}, PositionTail, false)
	waitForKind(t, ch, events.KindTaskCompleted)

	if err := source.Rename("/old.jpg", "/new.jpg"); err != nil {
		t.Fatalf("source rename failed: %v", err)
	}
	coord.HandleRename("/old.jpg", "/new.jpg")

	coord.Enqueue([]domain.FilePath{"/new.jpg"}, PositionTail, true)
	waitForKind(t, ch, events.KindAlreadyProcessed)

	if calls != 1 {
		t.Fatalf("expected rename to preserve the cache hit (1 detection call), got %d", calls)
	}
}

func TestFaceDetectionFailureDoesNotAdmit(t *testing.T) {
	coord, source, cache, _ := newRig(t, failingDetector{}, looseWindowConfig())
	source.files["/bad.jpg"] = []byte("bad bytes")

	ch, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	coord.Enqueue([]domain.FilePath{"/bad.jpg"}, PositionTail, false)
	ev := waitForKind(t, ch, events.KindTaskErrored)
	data := ev.Data.(events.TaskErroredData)
	if data.ErrKind != domain.ErrFaceDetectionFailed {
		t.Fatalf("expected FaceDetectionFailed, got %s", data.ErrKind)
	}
	if st := cache.Status(); st.Entries != 0 {
		t.Fatalf("expected no cache entries after a mandatory-stage failure, got %d", st.Entries)
	}
}
