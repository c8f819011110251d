// Package domain holds the data types shared by every layer of the
// preprocessing and cache coordination core: digests, file paths, the
// pipeline stage enum, per-file task states, and the artifact/cache-entry
// records persisted by the cache store.
package domain

import "fmt"

// Digest is the content identity of a file: 40 lowercase hex characters
// (SHA-1). Two paths with identical bytes share a Digest.
type Digest string

// FilePath is an absolute path used only for I/O and external addressing.
// It is never a persistent key.
type FilePath string

// PipelineStage enumerates the closed, ordered set of processing stages.
type PipelineStage int

const (
	StageHashing PipelineStage = iota
	StageDecodingRaw
	StageDetectingFaces
	StageGeneratingThumbnails

	stageCount
)

func (s PipelineStage) String() string {
	switch s {
	case StageHashing:
		return "Hashing"
	case StageDecodingRaw:
		return "DecodingRaw"
	case StageDetectingFaces:
		return "DetectingFaces"
	case StageGeneratingThumbnails:
		return "GeneratingThumbnails"
	default:
		return fmt.Sprintf("PipelineStage(%d)", int(s))
	}
}

// ParseStage reverses PipelineStage.String, for decoding persisted
// stages_done lists. It reports false for anything it doesn't recognize.
func ParseStage(name string) (PipelineStage, bool) {
	for st := PipelineStage(0); st < stageCount; st++ {
		if st.String() == name {
			return st, true
		}
	}
	return 0, false
}

// StageSet is a subset of PipelineStage, represented as a bitmask so it can
// be compared and serialized cheaply.
type StageSet uint8

func NewStageSet(stages ...PipelineStage) StageSet {
	var s StageSet
	for _, st := range stages {
		s = s.Add(st)
	}
	return s
}

func (s StageSet) Add(stage PipelineStage) StageSet {
	return s | (1 << uint(stage))
}

func (s StageSet) Has(stage PipelineStage) bool {
	return s&(1<<uint(stage)) != 0
}

// Contains reports whether s is a superset of other.
func (s StageSet) Contains(other StageSet) bool {
	return s&other == other
}

func (s StageSet) Stages() []PipelineStage {
	var out []PipelineStage
	for st := PipelineStage(0); st < stageCount; st++ {
		if s.Has(st) {
			out = append(out, st)
		}
	}
	return out
}

func (s StageSet) Strings() []string {
	stages := s.Stages()
	out := make([]string, len(stages))
	for i, st := range stages {
		out[i] = st.String()
	}
	return out
}

// BBox is an integer face bounding box (x, y, w, h). Order within a slice of
// BBox is the detector's output order and is never re-sorted.
type BBox struct {
	X, Y, W, H int
}

// Artifact is the per-digest cache record.
type Artifact struct {
	DecodedPreview    []byte
	HasPreview        bool
	FaceCount         int
	FaceBBoxes        []BBox
	ThumbnailsPresent bool
	Thumbnails        [][]byte // indexed by face index, len == FaceCount when present
	CompletedAt       uint64
	StagesDone        StageSet
	SizeBytes         int64
}

// Valid checks the CacheEntry invariants from the data model section.
func (a *Artifact) Valid() bool {
	if a.StagesDone == 0 {
		return false
	}
	if a.ThumbnailsPresent && a.FaceCount != len(a.FaceBBoxes) {
		return false
	}
	if a.ThumbnailsPresent && len(a.Thumbnails) != a.FaceCount {
		return false
	}
	return true
}

// TaskStateKind is the finite set of states a submitted path can occupy.
type TaskStateKind int

const (
	TaskPending TaskStateKind = iota
	TaskRunning
	TaskCompleted
	TaskErrored
	TaskMissingFile
	TaskAlreadyProcessed
)

func (k TaskStateKind) String() string {
	switch k {
	case TaskPending:
		return "Pending"
	case TaskRunning:
		return "Running"
	case TaskCompleted:
		return "Completed"
	case TaskErrored:
		return "Errored"
	case TaskMissingFile:
		return "MissingFile"
	case TaskAlreadyProcessed:
		return "AlreadyProcessed"
	default:
		return fmt.Sprintf("TaskStateKind(%d)", int(k))
	}
}

// Terminal reports whether the kind is one of the four terminal states.
func (k TaskStateKind) Terminal() bool {
	switch k {
	case TaskCompleted, TaskErrored, TaskMissingFile, TaskAlreadyProcessed:
		return true
	default:
		return false
	}
}

// ErrorKind is the taxonomy from the error handling design section.
type ErrorKind string

const (
	ErrFileMissing         ErrorKind = "FileMissing"
	ErrIOFailure           ErrorKind = "IOFailure"
	ErrRawDecodeFailed     ErrorKind = "RawDecodeFailed"
	ErrFaceDetectionFailed ErrorKind = "FaceDetectionFailed"
	ErrThumbnailFailed     ErrorKind = "ThumbnailFailed"
	ErrStorageFull         ErrorKind = "StorageFull"
	ErrStoreCorrupted      ErrorKind = "StoreCorrupted"
	ErrCancelled           ErrorKind = "Cancelled"
	ErrInvariantViolation  ErrorKind = "InvariantViolation"
)

// TaskState is the single source of truth for one in-flight or terminal
// file-path task.
type TaskState struct {
	Kind     TaskStateKind
	Stage    PipelineStage // current stage (Running) or failed stage (Errored)
	Digest   Digest
	Artifact *Artifact
	ErrKind  ErrorKind
	Reason   string
}

func Pending() TaskState {
	return TaskState{Kind: TaskPending}
}

func Running(stage PipelineStage) TaskState {
	return TaskState{Kind: TaskRunning, Stage: stage}
}

func Completed(d Digest, a *Artifact) TaskState {
	return TaskState{Kind: TaskCompleted, Digest: d, Artifact: a}
}

func AlreadyProcessed(d Digest) TaskState {
	return TaskState{Kind: TaskAlreadyProcessed, Digest: d}
}

func MissingFile() TaskState {
	return TaskState{Kind: TaskMissingFile, ErrKind: ErrFileMissing}
}

func Errored(stage PipelineStage, kind ErrorKind, reason string) TaskState {
	return TaskState{Kind: TaskErrored, Stage: stage, ErrKind: kind, Reason: reason}
}
