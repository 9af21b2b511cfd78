//go:build windows

package download

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// FreeBytes returns the space available to the current user under dir.
func FreeBytes(dir string) (uint64, error) {
	pathPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, fmt.Errorf("convert path %s: %w", dir, err)
	}
	var free uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &free, nil, nil); err != nil {
		return 0, fmt.Errorf("disk free space %s: %w", dir, err)
	}
	return free, nil
}
