//go:build linux || darwin

package quota

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func filesystemUsage(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("quota: statfs %s: %w", path, err)
	}
	blockSize := uint64(stat.Bsize)
	total := uint64(stat.Blocks) * blockSize
	available := uint64(stat.Bavail) * blockSize
	if available > total {
		available = total
	}
	return total - available, total, nil
}
