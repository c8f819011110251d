// Package pipeline implements C3, the PipelineWorker: it drives a single
// file path through Hashing, DecodingRaw, DetectingFaces, and
// GeneratingThumbnails, publishing a StageStarted/StageFinished pair for
// every stage entered and returning a terminal domain.TaskState.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/lumenvale/shuttercore/internal/cachestore"
	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/events"
	"github.com/lumenvale/shuttercore/internal/hashing"
	"github.com/lumenvale/shuttercore/internal/ports"
)

// defaultRawExtensions names the file extensions whose best available
// input for detection is a decoded preview rather than the original bytes.
var defaultRawExtensions = map[string]struct{}{
	".nef": {}, ".cr2": {}, ".arw": {}, ".raw": {},
}

// requiredForHit is the stage set a cache entry must cover for the probe
// step to short-circuit as AlreadyProcessed. DecodingRaw is excluded: it is
// advisory for every file type, so its absence never disqualifies a hit.
var requiredForHit = domain.NewStageSet(domain.StageHashing, domain.StageDetectingFaces, domain.StageGeneratingThumbnails)

// Collaborators bundles every injected dependency a worker run needs.
type Collaborators struct {
	Hasher       ports.Hasher
	RawDecoder   ports.RawDecoder
	FaceDetector ports.FaceDetector
	Cropper      ports.ThumbnailCropper
	Clock        ports.Clock
	Fs           ports.Fs
	Cache        *cachestore.Store
	Bus          *events.Bus
}

// Config holds file-type policy for the worker.
type Config struct {
	RawExtensions map[string]struct{}
}

func DefaultConfig() Config {
	return Config{RawExtensions: defaultRawExtensions}
}

// Worker drives one path through all four stages.
type Worker struct {
	c   Collaborators
	cfg Config
}

func New(c Collaborators, cfg Config) *Worker {
	if cfg.RawExtensions == nil {
		cfg.RawExtensions = defaultRawExtensions
	}
	return &Worker{c: c, cfg: cfg}
}

func (w *Worker) isRaw(path domain.FilePath) bool {
	ext := strings.ToLower(filepath.Ext(string(path)))
	_, ok := w.cfg.RawExtensions[ext]
	return ok
}

func (w *Worker) publishStage(path domain.FilePath, digest domain.Digest, stage domain.PipelineStage, transition events.StageTransition, succeeded bool) {
	if w.c.Bus == nil {
		return
	}
	w.c.Bus.Publish(events.KindTaskStageChanged, events.TaskStageChangedData{
		Path: path, Digest: digest, Stage: stage, Transition: transition, Succeeded: succeeded,
	})
}

func (w *Worker) cancelled(ctx context.Context, path domain.FilePath, digest domain.Digest, stage domain.PipelineStage) (domain.TaskState, bool) {
	if err := ctx.Err(); err != nil {
		if w.c.Bus != nil {
			w.c.Bus.Publish(events.KindTaskErrored, events.TaskErroredData{
				Path: path, Digest: digest, Stage: stage, ErrKind: domain.ErrCancelled, Message: err.Error(),
			})
		}
		return domain.Errored(stage, domain.ErrCancelled, err.Error()), true
	}
	return domain.TaskState{}, false
}

// Run drives path through the pipeline to a terminal TaskState. It never
// panics and never returns a non-terminal state.
func (w *Worker) Run(ctx context.Context, path domain.FilePath) domain.TaskState {
	// 1. Hashing.
	w.publishStage(path, "", domain.StageHashing, events.StageStarted, false)
	digest, err := w.c.Hasher.Hash(ctx, path)
	if err != nil {
		if errors.Is(err, hashing.ErrFileNotFound) {
			w.publishStage(path, "", domain.StageHashing, events.StageFinished, false)
			if w.c.Bus != nil {
				w.c.Bus.Publish(events.KindFileMissing, events.FileMissingData{Path: path})
			}
			return domain.MissingFile()
		}
		w.publishStage(path, "", domain.StageHashing, events.StageFinished, false)
		// Not ErrFileNotFound: a read/permission failure, per hashing.ErrIO.
		errKind := domain.ErrIOFailure
		if w.c.Bus != nil {
			w.c.Bus.Publish(events.KindTaskErrored, events.TaskErroredData{
				Path: path, Stage: domain.StageHashing, ErrKind: errKind, Message: err.Error(),
			})
		}
		return domain.Errored(domain.StageHashing, errKind, err.Error())
	}
	w.publishStage(path, digest, domain.StageHashing, events.StageFinished, true)

	// 2. Cache probe.
	if entry, ok := w.c.Cache.Lookup(digest); ok && entry.StagesDone.Contains(requiredForHit) {
		if w.c.Bus != nil {
			w.c.Bus.Publish(events.KindAlreadyProcessed, events.AlreadyProcessedData{Path: path, Digest: digest, Artifact: &entry})
		}
		return domain.AlreadyProcessed(digest)
	}

	if st, cancelled := w.cancelled(ctx, path, digest, domain.StageDecodingRaw); cancelled {
		return st
	}

	// 3. DecodingRaw — advisory, only attempted for RAW extensions.
	var decoded []byte
	var hasPreview bool
	if w.isRaw(path) {
		w.publishStage(path, digest, domain.StageDecodingRaw, events.StageStarted, false)
		blob, derr := w.c.RawDecoder.Decode(ctx, path)
		if derr != nil {
			w.publishStage(path, digest, domain.StageDecodingRaw, events.StageFinished, false)
		} else {
			decoded = blob
			hasPreview = true
			w.publishStage(path, digest, domain.StageDecodingRaw, events.StageFinished, true)
		}
	}

	if st, cancelled := w.cancelled(ctx, path, digest, domain.StageDetectingFaces); cancelled {
		return st
	}

	// 4. DetectingFaces — mandatory.
	input, ierr := w.bestInput(path, decoded, hasPreview)
	if ierr != nil {
		w.publishStage(path, digest, domain.StageDetectingFaces, events.StageFinished, false)
		if w.c.Bus != nil {
			w.c.Bus.Publish(events.KindTaskErrored, events.TaskErroredData{
				Path: path, Digest: digest, Stage: domain.StageDetectingFaces, ErrKind: domain.ErrFaceDetectionFailed, Message: ierr.Error(),
			})
		}
		return domain.Errored(domain.StageDetectingFaces, domain.ErrFaceDetectionFailed, ierr.Error())
	}
	w.publishStage(path, digest, domain.StageDetectingFaces, events.StageStarted, false)
	bboxes, derr := w.c.FaceDetector.Detect(ctx, input)
	if derr != nil {
		w.publishStage(path, digest, domain.StageDetectingFaces, events.StageFinished, false)
		if w.c.Bus != nil {
			w.c.Bus.Publish(events.KindTaskErrored, events.TaskErroredData{
				Path: path, Digest: digest, Stage: domain.StageDetectingFaces, ErrKind: domain.ErrFaceDetectionFailed, Message: derr.Error(),
			})
		}
		return domain.Errored(domain.StageDetectingFaces, domain.ErrFaceDetectionFailed, derr.Error())
	}
	w.publishStage(path, digest, domain.StageDetectingFaces, events.StageFinished, true)

	if st, cancelled := w.cancelled(ctx, path, digest, domain.StageGeneratingThumbnails); cancelled {
		return st
	}

	// 5. GeneratingThumbnails — mandatory; any single crop failure fails the
	// whole stage.
	w.publishStage(path, digest, domain.StageGeneratingThumbnails, events.StageStarted, false)
	thumbs := make([][]byte, 0, len(bboxes))
	for _, bbox := range bboxes {
		crop, cerr := w.c.Cropper.Crop(ctx, input, bbox)
		if cerr != nil {
			w.publishStage(path, digest, domain.StageGeneratingThumbnails, events.StageFinished, false)
			if w.c.Bus != nil {
				w.c.Bus.Publish(events.KindTaskErrored, events.TaskErroredData{
					Path: path, Digest: digest, Stage: domain.StageGeneratingThumbnails, ErrKind: domain.ErrThumbnailFailed, Message: cerr.Error(),
				})
			}
			return domain.Errored(domain.StageGeneratingThumbnails, domain.ErrThumbnailFailed, cerr.Error())
		}
		thumbs = append(thumbs, crop)
	}
	w.publishStage(path, digest, domain.StageGeneratingThumbnails, events.StageFinished, true)

	// 6. Admission.
	stagesDone := domain.NewStageSet(domain.StageHashing, domain.StageDetectingFaces, domain.StageGeneratingThumbnails)
	if hasPreview {
		stagesDone = stagesDone.Add(domain.StageDecodingRaw)
	}
	size := int64(len(decoded))
	for _, t := range thumbs {
		size += int64(len(t))
	}
	artifact := domain.Artifact{
		DecodedPreview:    decoded,
		HasPreview:        hasPreview,
		FaceCount:         len(bboxes),
		FaceBBoxes:        bboxes,
		ThumbnailsPresent: len(thumbs) > 0,
		Thumbnails:        thumbs,
		CompletedAt:       w.c.Clock.Now(),
		StagesDone:        stagesDone,
		SizeBytes:         size,
	}

	res, aerr := w.c.Cache.Admit(digest, artifact)
	if aerr != nil || res.Outcome == cachestore.Rejected {
		reason := domain.ErrStorageFull
		msg := "cache admission rejected"
		if aerr != nil {
			msg = aerr.Error()
		}
		if w.c.Bus != nil {
			w.c.Bus.Publish(events.KindTaskErrored, events.TaskErroredData{
				Path: path, Digest: digest, Stage: domain.StageGeneratingThumbnails, ErrKind: reason, Message: msg,
			})
		}
		return domain.Errored(domain.StageGeneratingThumbnails, reason, msg)
	}

	if w.c.Bus != nil {
		w.c.Bus.Publish(events.KindTaskCompleted, events.TaskCompletedData{Path: path, Digest: digest, Artifact: &artifact})
	}
	return domain.Completed(digest, &artifact)
}

// bestInput resolves the image bytes DetectingFaces and GeneratingThumbnails
// should use: the decoded preview if DecodingRaw succeeded, else the
// original file's bytes, per spec §4.3's "decoded preview if present, else
// original" rule.
func (w *Worker) bestInput(path domain.FilePath, decoded []byte, hasPreview bool) ([]byte, error) {
	if hasPreview {
		return decoded, nil
	}
	return w.c.Fs.ReadFile(string(path))
}
