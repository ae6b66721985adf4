// Package janitor keeps the disk cache below its size limit.
package janitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/colinrgodsey/gorexec/pkg/config"
)

// tempMarker is part of the names of blobs the store is still writing.
const tempMarker = ".tmp-"

type entry struct {
	path  string
	size  int64
	atime time.Time
}

// walker lists the regular files below a root.
type walker interface {
	Files(root string) ([]entry, error)
	Remove(path string) error
}

type diskWalker struct{}

func (diskWalker) Files(root string) ([]entry, error) {
	var files []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Evicted or renamed while walking.
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		} else if err != nil {
			return err
		}
		files = append(files, entry{path: path, size: info.Size(), atime: accessTime(info)})
		return nil
	})
	return files, err
}

func (diskWalker) Remove(path string) error {
	return os.Remove(path)
}

func accessTime(info fs.FileInfo) time.Time {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	}
	return info.ModTime()
}

// Stats describes one cleanup pass.
type Stats struct {
	Files   int
	Size    int64
	Removed int
	Freed   int64
}

// Janitor evicts the least recently accessed blobs and action results of
// the disk cache.
type Janitor struct {
	rootDir  string
	maxSize  int64
	interval time.Duration
	debounce time.Duration
	minAge   time.Duration
	notifyCh chan struct{}
	mu       sync.Mutex
	walker   walker
	logger   *slog.Logger
}

func NewJanitor(cfg config.DiskCacheConfig) *Janitor {
	return &Janitor{
		rootDir:  cfg.Dir,
		maxSize:  int64(cfg.MaxSizeGB) << 30,
		interval: time.Minute,
		debounce: 5 * time.Second,
		minAge:   time.Minute,
		notifyCh: make(chan struct{}, 1),
		walker:   diskWalker{},
		logger:   slog.Default().With("component", "janitor"),
	}
}

// Notify requests a cleanup pass without blocking. Requests arriving
// while one is pending are merged.
func (j *Janitor) Notify() {
	select {
	case j.notifyCh <- struct{}{}:
	default:
	}
}

// OnPut returns the hook for storage.LocalStore.SetOnPut.
func (j *Janitor) OnPut() func() {
	return j.Notify
}

// Run cleans up on every interval and once a burst of notifications has
// settled, until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if j.interval > 0 {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var settled <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			j.cleanupAndLog()
		case <-j.notifyCh:
			if settled == nil {
				settled = time.After(j.debounce)
			}
		case <-settled:
			settled = nil
			j.cleanupAndLog()
		}
	}
}

func (j *Janitor) cleanupAndLog() {
	if _, err := j.Cleanup(); err != nil {
		j.log().Warn("disk cache cleanup failed", "dir", j.rootDir, "error", err)
	}
}

func (j *Janitor) log() *slog.Logger {
	if j.logger == nil {
		return slog.Default()
	}
	return j.logger
}

// Cleanup removes the least recently accessed files until the cache fits
// its maximum size. Files accessed within the minimum age and blobs still
// being written are kept. A cache directory that does not exist yet is
// empty.
func (j *Janitor) Cleanup() (Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var st Stats
	files, err := j.walker.Files(j.rootDir)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}

	candidates := files[:0]
	for _, f := range files {
		st.Files++
		st.Size += f.size
		if !strings.Contains(filepath.Base(f.path), tempMarker) {
			candidates = append(candidates, f)
		}
	}
	if st.Size <= j.maxSize {
		return st, nil
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].atime.Before(candidates[b].atime)
	})
	cutoff := time.Now().Add(-j.minAge)
	for _, f := range candidates {
		if st.Size <= j.maxSize || f.atime.After(cutoff) {
			break
		}
		if err := j.walker.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.log().Debug("failed to evict", "path", f.path, "error", err)
			continue
		}
		st.Size -= f.size
		st.Removed++
		st.Freed += f.size
	}
	j.log().Debug("disk cache cleanup", "files", st.Files, "removed", st.Removed, "size", st.Size, "max_size", j.maxSize)
	return st, nil
}
