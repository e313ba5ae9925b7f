//go:build windows

package vault

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// CheckDiskSpace returns disk usage for the volume holding the vault file.
func (v *Vault) CheckDiskSpace() (*DiskSpaceInfo, error) {
	return diskSpace(filepath.Dir(v.path))
}

func diskSpace(dir string) (*DiskSpaceInfo, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		dir = filepath.Dir(dir)
	}

	ptr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to convert path: %w", err)
	}

	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(ptr, &available, &total, &free); err != nil {
		return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
	}

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}
	return &DiskSpaceInfo{Total: total, Free: free, Available: available, UsedPct: usedPct}, nil
}
