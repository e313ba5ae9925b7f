//go:build !windows

package vault

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// CheckDiskSpace returns disk usage for the volume holding the vault file.
func (v *Vault) CheckDiskSpace() (*DiskSpaceInfo, error) {
	return diskSpace(filepath.Dir(v.path))
}

func diskSpace(dir string) (*DiskSpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		if err := unix.Statfs(filepath.Dir(dir), &stat); err != nil {
			return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
		}
	}

	bsize := uint64(stat.Bsize)
	total := stat.Blocks * bsize
	free := stat.Bfree * bsize

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}
	return &DiskSpaceInfo{
		Total:     total,
		Free:      free,
		Available: stat.Bavail * bsize,
		UsedPct:   usedPct,
	}, nil
}
