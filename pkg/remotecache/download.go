package remotecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// tmpSuffix is appended to the final path of every output while it is
// being transferred.
const tmpSuffix = ".tmp"

type pendingFile struct {
	tmp        string
	final      string
	executable bool
}

// Download materializes every output of result below execRoot and writes
// stdout and stderr to outErr.
//
// All transfers are started before any is awaited, and all are awaited
// before deciding between cleanup and finalization. On failure every
// temporary file and the contents of every output directory are deleted.
// On success, locker is held while temporary files are renamed into place
// and symlinks are created.
func (e *Engine) Download(ctx context.Context, result *repb.ActionResult, execRoot string, outErr OutErr, locker sync.Locker) error {
	ctx, span := e.tracer.Start(ctx, "remotecache.Download")
	defer span.End()

	md, err := e.parseActionResultMetadata(ctx, result, execRoot)
	if err != nil {
		span.RecordError(err)
		return err
	}

	symlinks := md.AllSymlinks()
	for _, s := range symlinks {
		if filepath.IsAbs(s.Target) {
			return fmt.Errorf("failed creating symlink %s: absolute symlink target %q is not allowed", s.Path, s.Target)
		}
	}

	files := md.AllFiles()
	pending := make([]pendingFile, len(files))
	var g errgroup.Group
	for i, f := range files {
		pending[i] = pendingFile{tmp: f.Path + tmpSuffix, final: f.Path, executable: f.IsExecutable}
		g.Go(func() error {
			return e.downloadFile(ctx, f.Digest, pending[i].tmp)
		})
	}
	e.downloadOutErr(ctx, &g, result, outErr)
	span.SetAttributes(attribute.Int("files", len(files)))

	err = g.Wait()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		if cleanupErr := e.deletePartialOutputs(pending, md); cleanupErr != nil {
			e.logger.Error("failed to delete partial outputs", "error", cleanupErr, "cause", err)
			return &CleanupError{Cause: err, CleanupErr: cleanupErr}
		}
		return err
	}

	locker.Lock()
	defer locker.Unlock()

	if err := finalizeFiles(pending); err != nil {
		return err
	}
	if err := createDirectories(md); err != nil {
		return err
	}
	return createSymlinks(symlinks, span)
}

func (e *Engine) downloadFile(ctx context.Context, d digest.Digest, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if d.Size > 0 {
		if err := e.cache.DownloadBlob(ctx, d, f); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// downloadOutErr schedules the copy of stdout and stderr on g. Inlined
// bytes are written directly.
func (e *Engine) downloadOutErr(ctx context.Context, g *errgroup.Group, result *repb.ActionResult, outErr OutErr) {
	e.downloadStream(ctx, g, result.StdoutRaw, result.StdoutDigest, outErr.Stdout)
	e.downloadStream(ctx, g, result.StderrRaw, result.StderrDigest, outErr.Stderr)
}

func (e *Engine) downloadStream(ctx context.Context, g *errgroup.Group, raw []byte, pd *repb.Digest, w io.Writer) {
	if w == nil {
		return
	}
	if len(raw) > 0 {
		g.Go(func() error {
			_, err := w.Write(raw)
			return err
		})
		return
	}
	if pd == nil || pd.SizeBytes == 0 {
		return
	}
	g.Go(func() error {
		d, err := digest.NewFromProto(pd)
		if err != nil {
			return err
		}
		return e.cache.DownloadBlob(ctx, d, w)
	})
}

// deletePartialOutputs removes every temporary file that may have been
// created and empties every output directory, leaving the directory
// itself in place.
func (e *Engine) deletePartialOutputs(pending []pendingFile, md *ActionResultMetadata) error {
	var errs []error
	for _, p := range pending {
		if err := os.Remove(p.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for dir := range md.Directories {
		if err := deleteContents(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deleteContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// finalizeFiles renames every temporary file to its final name.
//
// Renames happen in order of the temporary path. With outputs "foo" and
// "foo.tmp", downloads go to "foo.tmp" and "foo.tmp.tmp"; "foo.tmp" must be
// moved to "foo" before "foo.tmp.tmp" is moved to "foo.tmp". Sorting by
// final path would overwrite the first download.
func finalizeFiles(pending []pendingFile) error {
	sorted := make([]pendingFile, len(pending))
	copy(sorted, pending)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].tmp < sorted[j].tmp
	})
	for _, p := range sorted {
		if err := os.Rename(p.tmp, p.final); err != nil {
			return fmt.Errorf("failed to move %s into place: %w", p.final, err)
		}
		mode := os.FileMode(0644)
		if p.executable {
			mode = 0755
		}
		if err := os.Chmod(p.final, mode); err != nil {
			return err
		}
	}
	return nil
}

func createDirectories(md *ActionResultMetadata) error {
	for _, dir := range md.Directories {
		for _, p := range dir.Directories {
			if err := os.MkdirAll(p, 0755); err != nil {
				return err
			}
		}
	}
	return nil
}

// createSymlinks runs after every transfer completed: a dangling symlink
// while its target is still being written is not portable.
func createSymlinks(symlinks []SymlinkMetadata, span trace.Span) error {
	for _, s := range symlinks {
		if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
			return err
		}
		if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := os.Symlink(s.Target, s.Path); err != nil {
			return fmt.Errorf("failed creating symlink %s: %w", s.Path, err)
		}
	}
	span.SetAttributes(attribute.Int("symlinks", len(symlinks)))
	return nil
}
