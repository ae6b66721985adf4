package remotecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ErrSymlinksUnsupported is returned by DownloadMinimal for results that
// contain symlinks.
var ErrSymlinksUnsupported = errors.New("symlinks in action outputs are not supported without downloading outputs")

// DownloadMinimal injects the metadata of outputs into injector instead of
// downloading them. Only stdout, stderr and the output at inMemoryOutput
// (exec root relative, may be empty) are transferred. The output lock is
// held while metadata is injected.
func (e *Engine) DownloadMinimal(
	ctx context.Context,
	result *repb.ActionResult,
	outputs []DeclaredOutput,
	inMemoryOutput string,
	outErr OutErr,
	execRoot string,
	injector MetadataInjector,
	locker sync.Locker,
) (*InMemoryOutput, error) {
	ctx, span := e.tracer.Start(ctx, "remotecache.DownloadMinimal")
	defer span.End()

	if result.ExitCode != 0 {
		return nil, fmt.Errorf("refusing to inject outputs of action with exit code %d", result.ExitCode)
	}
	if len(result.OutputFileSymlinks) > 0 || len(result.OutputDirectorySymlinks) > 0 {
		return nil, ErrSymlinksUnsupported
	}

	md, err := e.parseActionResultMetadata(ctx, result, execRoot)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, dir := range md.Directories {
		if len(dir.Symlinks) > 0 {
			return nil, ErrSymlinksUnsupported
		}
	}

	var (
		g        errgroup.Group
		inMemory *InMemoryOutput
		buf      bytes.Buffer
	)
	if inMemoryOutput != "" {
		if f, ok := md.File(filepath.Join(execRoot, inMemoryOutput)); ok {
			inMemory = &InMemoryOutput{Path: inMemoryOutput}
			g.Go(func() error {
				if f.Digest.Size == 0 {
					return nil
				}
				return e.cache.DownloadBlob(ctx, f.Digest, &buf)
			})
		}
	}
	e.downloadOutErr(ctx, &g, result, outErr)

	err = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if inMemory != nil {
		inMemory.Data = buf.Bytes()
	}

	locker.Lock()
	defer locker.Unlock()

	injected := 0
	for _, out := range outputs {
		p := filepath.Join(execRoot, out.Path)
		if out.Directory {
			dir, ok := md.Directory(p)
			if !ok {
				continue
			}
			files := make(map[string]digest.Digest, len(dir.Files))
			for _, f := range dir.Files {
				rel, err := filepath.Rel(p, f.Path)
				if err != nil {
					return nil, err
				}
				files[rel] = f.Digest
			}
			injector.InjectDirectory(p, files)
			injected += len(files)
			continue
		}
		f, ok := md.File(p)
		if !ok {
			continue
		}
		injector.InjectFile(p, f.Digest)
		injected++
	}
	span.SetAttributes(attribute.Int("injected", injected))
	return inMemory, nil
}
