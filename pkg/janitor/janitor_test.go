package janitor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/stretchr/testify/require"
)

type fakeWalker struct {
	mu      sync.Mutex
	files   map[string]entry
	removed []string
}

func newFakeWalker() *fakeWalker {
	return &fakeWalker{files: map[string]entry{}}
}

func (w *fakeWalker) add(path string, size int64, atime time.Time) {
	w.files[path] = entry{path: path, size: size, atime: atime}
}

func (w *fakeWalker) Files(string) ([]entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]entry, 0, len(w.files))
	for _, e := range w.files {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].path < out[b].path })
	return out, nil
}

func (w *fakeWalker) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return os.ErrNotExist
	}
	delete(w.files, path)
	w.removed = append(w.removed, path)
	return nil
}

func (w *fakeWalker) removedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.removed...)
}

func TestJanitor_Cleanup(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		maxSize     int64
		minAge      time.Duration
		files       map[string]time.Duration // path -> age; every file is 100 bytes
		wantRemoved []string
		wantSize    int64
	}{
		{
			name:     "under limit",
			maxSize:  1000,
			files:    map[string]time.Duration{"cas/a": 3 * time.Hour},
			wantSize: 100,
		},
		{
			name:        "oldest first",
			maxSize:     150,
			files:       map[string]time.Duration{"cas/old": 3 * time.Hour, "ac/mid": 2 * time.Hour, "cas/new": time.Hour},
			wantRemoved: []string{"cas/old", "ac/mid"},
			wantSize:    100,
		},
		{
			name:        "recently accessed files are kept",
			maxSize:     50,
			minAge:      time.Minute,
			files:       map[string]time.Duration{"cas/old": time.Hour, "cas/fresh": 0},
			wantRemoved: []string{"cas/old"},
			wantSize:    100,
		},
		{
			name:        "blobs being written are kept",
			maxSize:     100,
			files:       map[string]time.Duration{"cas/ab.tmp-123": 3 * time.Hour, "cas/ab": time.Hour},
			wantRemoved: []string{"cas/ab"},
			wantSize:    100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeWalker()
			for path, age := range tt.files {
				w.add(path, 100, now.Add(-age))
			}
			j := &Janitor{rootDir: "/cache", maxSize: tt.maxSize, minAge: tt.minAge, walker: w}

			st, err := j.Cleanup()
			require.NoError(t, err)
			require.Equal(t, tt.wantRemoved, w.removedPaths())
			require.Equal(t, len(tt.files), st.Files)
			require.Equal(t, len(tt.wantRemoved), st.Removed)
			require.Equal(t, int64(100*len(tt.wantRemoved)), st.Freed)
			require.Equal(t, tt.wantSize, st.Size)
		})
	}
}

func TestJanitor_Notify(t *testing.T) {
	j := NewJanitor(config.DiskCacheConfig{})

	j.OnPut()()
	j.Notify()
	require.Len(t, j.notifyCh, 1)
	<-j.notifyCh
	require.Empty(t, j.notifyCh)
}

func TestJanitor_RunCleansUpAfterNotifications(t *testing.T) {
	w := newFakeWalker()
	now := time.Now()
	w.add("cas/old", 100, now.Add(-time.Hour))
	w.add("cas/new", 200, now.Add(-30*time.Minute))
	j := &Janitor{
		rootDir:  "/cache",
		maxSize:  250,
		debounce: 10 * time.Millisecond,
		notifyCh: make(chan struct{}, 1),
		walker:   w,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	for i := 0; i < 3; i++ {
		j.Notify()
	}
	require.Eventually(t, func() bool {
		return len(w.removedPaths()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"cas/old"}, w.removedPaths())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestNewJanitor(t *testing.T) {
	j := NewJanitor(config.DiskCacheConfig{Dir: "/var/cache/gorexec", MaxSizeGB: 2})
	require.Equal(t, "/var/cache/gorexec", j.rootDir)
	require.Equal(t, int64(2)<<30, j.maxSize)
}

func TestJanitor_Disk(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string, size int, age time.Duration) string {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
		at := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, at, at))
		return path
	}
	old := write("cas/ab/cd/old", 10, 2*time.Hour)
	newer := write("ac/ab/cd/newer", 10, time.Hour)

	j := NewJanitor(config.DiskCacheConfig{Dir: dir})
	j.maxSize = 15
	j.minAge = 0
	st, err := j.Cleanup()
	require.NoError(t, err)
	require.Equal(t, Stats{Files: 2, Size: 10, Removed: 1, Freed: 10}, st)
	require.NoFileExists(t, old)
	require.FileExists(t, newer)
}

func TestJanitor_MissingDir(t *testing.T) {
	j := NewJanitor(config.DiskCacheConfig{Dir: filepath.Join(t.TempDir(), "not-yet")})
	st, err := j.Cleanup()
	require.NoError(t, err)
	require.Zero(t, st)
}
