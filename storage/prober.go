package storage

import (
	"context"
	"os"
	"syscall"

	"github.com/duskvale/streamd/core"
)

// FSProber probes a local mount point with statfs, the same call a
// filesystem-backed recorder would use to decide whether a volume still has
// room. A mount root that cannot be stat'd is Unavailable; one that is
// statable but reports less than DegradedFreeBytes free is Degraded.
type FSProber struct {
	DegradedFreeBytes int64
}

// Probe implements Prober.
func (p FSProber) Probe(ctx context.Context, mountRoot string) (int64, core.VolumeHealth, error) {
	if _, err := os.Stat(mountRoot); err != nil {
		return 0, core.VolumeUnavailable, err
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(mountRoot, &stat); err != nil {
		return 0, core.VolumeUnavailable, err
	}

	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < p.DegradedFreeBytes {
		return free, core.VolumeDegraded, nil
	}
	return free, core.VolumeHealthy, nil
}
