// Package hashing implements C1, the ContentHasher: a stable SHA-1 content
// digest for a file path, streamed in bounded chunks so memory use is
// independent of file size.
package hashing

import (
	"context"
	"crypto/sha1" //nolint:gosec // content identity, not a security boundary
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/ports"
)

// chunkSize bounds the read buffer so hashing a multi-gigabyte RAW file
// never pulls the whole thing into memory at once.
const chunkSize = 64 * 1024

// ErrFileNotFound is returned when the path does not exist.
var ErrFileNotFound = errors.New("hashing: file not found")

// ErrIO wraps a read/permission failure encountered while hashing.
type ErrIO struct {
	Path domain.FilePath
	Err  error
}

func (e *ErrIO) Error() string {
	return fmt.Sprintf("hashing: io error reading %s: %v", e.Path, e.Err)
}

func (e *ErrIO) Unwrap() error { return e.Err }

// Hasher is the concrete, filesystem-backed ContentHasher.
type Hasher struct {
	fs ports.Fs
}

var _ ports.Hasher = (*Hasher)(nil)

func New(fs ports.Fs) *Hasher {
	return &Hasher{fs: fs}
}

// Hash computes SHA-1 over the full byte stream of path, in bounded chunks.
// It never returns a partial digest: any read failure after the file is
// opened surfaces as ErrIO, never a truncated hash.
func (h *Hasher) Hash(ctx context.Context, path domain.FilePath) (domain.Digest, error) {
	f, err := h.fs.Open(string(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrFileNotFound
		}
		return "", &ErrIO{Path: path, Err: err}
	}
	defer f.Close()

	sum := sha1.New() //nolint:gosec
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := sum.Write(buf[:n]); werr != nil {
				return "", &ErrIO{Path: path, Err: werr}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", &ErrIO{Path: path, Err: rerr}
		}
	}

	return domain.Digest(fmt.Sprintf("%x", sum.Sum(nil))), nil
}
