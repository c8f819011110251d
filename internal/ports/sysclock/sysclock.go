// Package sysclock is the real-time implementation of ports.Clock, the only
// implementation the production binaries wire in. Tests use an in-memory
// fake clock instead (see internal/cachestore and internal/pipeline's test
// files).
package sysclock

import (
	"time"

	"github.com/lumenvale/shuttercore/internal/ports"
)

// Wall is a ports.Clock backed by time.Now(). Its values are monotonic
// within one process lifetime (the wall time at process start plus the
// elapsed time on Go's monotonic clock, which never runs backward) but are
// not meaningful across restarts, matching the eviction ordering's own
// tolerance for clock resets.
type Wall struct{}

var _ ports.Clock = Wall{}

var processStart = time.Now()

func (Wall) Now() uint64 {
	return uint64(processStart.UnixNano()) + uint64(time.Since(processStart))
}
