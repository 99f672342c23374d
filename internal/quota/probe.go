package quota

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Prober reports storage usage for the local store.
type Prober interface {
	Usage(ctx context.Context) (used uint64, total uint64, err error)
}

var (
	errMissingRoot   = errors.New("quota: probe root is required")
	errMissingBudget = errors.New("quota: budget must be positive")
)

// BudgetProber measures the bytes stored under Root against a fixed BudgetBytes allowance,
// the way a browser reports a per-origin storage estimate.
type BudgetProber struct {
	Root        string
	BudgetBytes uint64
}

// Usage sums regular file sizes under Root. A missing root counts as empty.
func (p BudgetProber) Usage(ctx context.Context) (uint64, uint64, error) {
	if p.Root == "" {
		return 0, 0, errMissingRoot
	}
	if p.BudgetBytes == 0 {
		return 0, 0, errMissingBudget
	}
	var used uint64
	walkErr := filepath.WalkDir(p.Root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			return nil
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			if errors.Is(infoErr, fs.ErrNotExist) {
				return nil
			}
			return infoErr
		}
		if info.Mode().IsRegular() {
			used += uint64(info.Size())
		}
		return nil
	})
	if walkErr != nil {
		return 0, 0, walkErr
	}
	return used, p.BudgetBytes, nil
}

// DiskProber reports usage of the filesystem holding Path.
type DiskProber struct {
	Path string
}

// Usage implements Prober using the platform filesystem statistics.
func (p DiskProber) Usage(ctx context.Context) (uint64, uint64, error) {
	if p.Path == "" {
		return 0, 0, errMissingRoot
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	target := p.Path
	if _, err := os.Stat(target); err != nil {
		target = filepath.Dir(target)
	}
	return filesystemUsage(target)
}
