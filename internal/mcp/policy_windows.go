//go:build windows

package mcp

import (
	"errors"
	"fmt"
	"os"
)

// openPolicyFile opens the policy file on Windows.
// Windows doesn't have O_NOFOLLOW; creating symlinks there needs privileges.
func openPolicyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	return f, nil
}

// checkFileOwnership on Windows is a no-op; ownership is governed by ACLs.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
