// Package ports declares the collaborator interfaces the core consumes but
// does not own: the hasher, RAW decoder, face detector, thumbnail cropper,
// clock, and filesystem. All implementations are injected; this package is
// the contract, not the implementation (the real filesystem adapter lives
// in internal/ports/fsops).
package ports

import (
	"context"
	"io"
	"os"

	"github.com/lumenvale/shuttercore/internal/domain"
)

// Hasher computes a stable content digest for a file path.
type Hasher interface {
	Hash(ctx context.Context, path domain.FilePath) (domain.Digest, error)
}

// RawDecoder produces a decoded preview blob for RAW-format inputs.
type RawDecoder interface {
	Decode(ctx context.Context, path domain.FilePath) ([]byte, error)
}

// FaceDetector runs face detection against the best available input image
// and returns bounding boxes in detector-output order.
type FaceDetector interface {
	Detect(ctx context.Context, image []byte) ([]domain.BBox, error)
}

// ThumbnailCropper crops a single bounding box into a thumbnail blob.
type ThumbnailCropper interface {
	Crop(ctx context.Context, image []byte, bbox domain.BBox) ([]byte, error)
}

// Clock supplies a monotonic timestamp, stable within one process lifetime.
type Clock interface {
	Now() uint64
}

// File is the subset of *os.File behavior the cache store depends on.
type File interface {
	io.Reader
	io.Writer
	io.Closer
	Sync() error
}

// Fs is the filesystem collaborator: open, rename, fsync, unlink, mkdir,
// and a disk-usage probe for StorageFull detection (the spec's statvfs).
type Fs interface {
	Open(name string) (File, error)
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	RemoveAll(path string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.DirEntry, error)
	ReadFile(name string) ([]byte, error)
	// FreeBytes returns an estimate of bytes available on the filesystem
	// holding path, for disk-full detection ahead of a write.
	FreeBytes(path string) (uint64, error)
}

// ErrNotExist is returned by Fs implementations, wrapping os.ErrNotExist,
// so callers can use errors.Is against the standard sentinel.
var ErrNotExist = os.ErrNotExist
