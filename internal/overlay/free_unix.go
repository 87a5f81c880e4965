//go:build !windows

package overlay

import "golang.org/x/sys/unix"

// Free returns the bytes available to the caller and the total free bytes on
// the volume holding the overlay.
func (d *Disk) Free() (free, totalFree uint64, err error) {
	if d.rootPath == "" {
		return 0, 0, nil
	}
	var st unix.Statfs_t
	if err := unix.Statfs(d.rootPath, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return uint64(st.Bavail) * bsize, uint64(st.Bfree) * bsize, nil
}
