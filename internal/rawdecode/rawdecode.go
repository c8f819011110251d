// Package rawdecode implements the RawDecoder collaborator by shelling out
// to dcraw, the way internal/ports/fsops wraps syscalls directly rather than
// reimplementing them: the decode step is advisory (per the spec's
// DecodingRaw stage semantics), so a missing binary or decode failure is
// just another non-terminal error the pipeline already tolerates.
package rawdecode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/ports"
)

// ErrDecoderUnavailable wraps a failure to even launch the decoder binary
// (not found, not executable), distinct from the binary running and
// rejecting the input.
var ErrDecoderUnavailable = errors.New("rawdecode: decoder binary unavailable")

// Decoder is the concrete, dcraw-backed RawDecoder.
type Decoder struct {
	// Binary is the decoder executable name or path. Defaults to "dcraw".
	Binary string
}

var _ ports.RawDecoder = (*Decoder)(nil)

func New() *Decoder {
	return &Decoder{Binary: "dcraw"}
}

// Decode runs `dcraw -c -w <path>`, producing a full-size PPM preview on
// stdout. The caller (pipeline.Worker) treats any error here as advisory.
func (d *Decoder) Decode(ctx context.Context, path domain.FilePath) ([]byte, error) {
	binary := d.Binary
	if binary == "" {
		binary = "dcraw"
	}

	cmd := exec.CommandContext(ctx, binary, "-c", "-w", string(path))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("%w: %v", ErrDecoderUnavailable, execErr)
		}
		// A Binary given as a path skips the PATH lookup, so a missing or
		// non-executable file surfaces as a *os.PathError from the launch.
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("%w: %v", ErrDecoderUnavailable, pathErr)
		}
		return nil, fmt.Errorf("rawdecode: %s exited: %w: %s", binary, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
