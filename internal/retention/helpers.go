package retention

import (
	"os"
	"path/filepath"
	"time"
)

// dirSize sums the apparent size of every regular file under root.
// Used only for the freed-bytes log line; errors are swallowed since
// this is advisory reporting, not correctness-critical.
func dirSize(root string) uint64 {
	var total uint64
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// lastModified returns the mtime of path, or the zero time if it does
// not exist.
func lastModified(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
