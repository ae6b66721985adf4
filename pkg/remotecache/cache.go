// Package remotecache holds the protocol independent part of the remote
// cache client: reconstructing output metadata from action results,
// materializing outputs on disk (or injecting their metadata instead) and
// uploading the outputs of locally executed actions.
package remotecache

import (
	"context"
	"io"
	"log/slog"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/actionkey"
	"github.com/colinrgodsey/gorexec/pkg/manifest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Cache is implemented by every cache binding.
type Cache interface {
	// GetCachedResult returns the cached result for key, or nil if there
	// is none.
	GetCachedResult(ctx context.Context, key actionkey.Key) (*repb.ActionResult, error)
	// Upload makes every blob of m available and then stores m's result
	// under key.
	Upload(ctx context.Context, key actionkey.Key, m *manifest.Manifest) error
	// DownloadBlob writes the blob d to w. A blob absent from the cache
	// yields a *CacheNotFoundError.
	DownloadBlob(ctx context.Context, d digest.Digest, w io.Writer) error
	// Close releases the binding. It is safe to call more than once.
	Close() error
}

// MetadataInjector receives output metadata in place of output files when
// outputs are not downloaded.
type MetadataInjector interface {
	InjectFile(path string, d digest.Digest)
	InjectDirectory(path string, files map[string]digest.Digest)
}

// OutErr receives an action's stdout and stderr.
type OutErr struct {
	Stdout io.Writer
	Stderr io.Writer
}

// DeclaredOutput is an output path declared by an action, relative to the
// exec root.
type DeclaredOutput struct {
	Path      string
	Directory bool
}

// InMemoryOutput is an output returned as bytes instead of being written
// to disk.
type InMemoryOutput struct {
	Path string
	Data []byte
}

type Options struct {
	AllowSymlinkUpload bool
}

// Engine materializes and uploads outputs through a Cache.
type Engine struct {
	cache  Cache
	opts   Options
	tracer trace.Tracer
	logger *slog.Logger
}

func NewEngine(cache Cache, opts Options) *Engine {
	return &Engine{
		cache:  cache,
		opts:   opts,
		tracer: otel.Tracer("gorexec/pkg/remotecache"),
		logger: slog.Default().With("component", "remotecache"),
	}
}

// Cache returns the underlying binding.
func (e *Engine) Cache() Cache {
	return e.cache
}

// Close closes the underlying binding.
func (e *Engine) Close() error {
	return e.cache.Close()
}
