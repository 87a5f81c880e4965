//go:build windows

package overlay

import "golang.org/x/sys/windows"

// Free returns the bytes available to the caller and the total free bytes on
// the volume holding the overlay.
func (d *Disk) Free() (free, totalFree uint64, err error) {
	if d.rootPath == "" {
		return 0, 0, nil
	}
	root, err := windows.UTF16PtrFromString(d.rootPath)
	if err != nil {
		return 0, 0, err
	}
	var total uint64
	if err := windows.GetDiskFreeSpaceEx(root, &free, &total, &totalFree); err != nil {
		return 0, 0, err
	}
	return free, totalFree, nil
}
