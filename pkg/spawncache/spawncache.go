// Package spawncache checks the remote cache before an action runs locally
// and stores the outputs of successful local runs afterwards.
package spawncache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
	"github.com/colinrgodsey/gorexec/pkg/report"
	"github.com/colinrgodsey/gorexec/pkg/spawn"
	"github.com/colinrgodsey/gorexec/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	AcceptCached                  bool
	UploadLocalResults            bool
	DownloadOutputs               config.DownloadOutputs
	GuardAgainstConcurrentChanges bool
}

// OptionsFromConfig picks the cache options out of the remote config.
func OptionsFromConfig(cfg config.RemoteConfig) Options {
	return Options{
		AcceptCached:                  cfg.AcceptCached,
		UploadLocalResults:            cfg.UploadLocalResults,
		DownloadOutputs:               cfg.DownloadOutputs,
		GuardAgainstConcurrentChanges: cfg.GuardAgainstConcurrentChanges,
	}
}

// Cache looks up and stores spawn results through a remotecache.Engine.
type Cache struct {
	engine   *remotecache.Engine
	opts     Options
	reporter report.Reporter
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New returns a Cache. reporter and metrics may be nil.
func New(engine *remotecache.Engine, opts Options, reporter report.Reporter, metrics *telemetry.Metrics) *Cache {
	if reporter == nil {
		reporter = report.Nop{}
	}
	return &Cache{
		engine:   engine,
		opts:     opts,
		reporter: reporter,
		metrics:  metrics,
		tracer:   otel.Tracer("gorexec/pkg/spawncache"),
		logger:   slog.Default().With("component", "spawncache"),
	}
}

func (c *Cache) Options() Options {
	return c.opts
}

func (c *Cache) Engine() *remotecache.Engine {
	return c.engine
}

// Entry is the outcome of a lookup. On a hit Result is set; otherwise
// Store must be called with the result of the local run.
type Entry struct {
	Result *spawn.Result
	// Store uploads the outputs of a local run. It only fails when ctx is
	// done.
	Store func(ctx context.Context, res *spawn.Result) error
}

func (e *Entry) Hit() bool {
	return e.Result != nil
}

func noStore(context.Context, *spawn.Result) error { return nil }

var noResultNoStore = &Entry{Store: noStore}

// Lookup checks the cache for s. Cache problems other than interruption
// and failed cleanups are reported and degrade to a miss.
func (c *Cache) Lookup(ctx context.Context, s *spawn.Spawn, p *spawn.Policy) (*Entry, error) {
	if !s.Cacheable() {
		return noResultNoStore, nil
	}
	ctx, span := c.tracer.Start(ctx, "spawncache.Lookup", trace.WithAttributes(
		attribute.String("spawn", s.String()),
	))
	defer span.End()

	var ts spawn.Timestamps
	if c.opts.GuardAgainstConcurrentChanges {
		var err error
		if ts, err = spawn.CaptureTimestamps(s.Paths()); err != nil {
			return nil, err
		}
	}
	action, err := spawn.NewAction(s)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("action", action.Key().String()))

	if c.opts.AcceptCached {
		res, err := c.check(ctx, action, p)
		if err != nil {
			return nil, err
		}
		if res != nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return &Entry{Result: res, Store: noStore}, nil
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	if !c.opts.UploadLocalResults {
		return noResultNoStore, nil
	}
	return &Entry{
		Store: func(ctx context.Context, res *spawn.Result) error {
			return c.Store(ctx, action, p, ts, res)
		},
	}, nil
}

// check returns the materialized cached result of action, or nil on a
// miss.
func (c *Cache) check(ctx context.Context, action *spawn.Action, p *spawn.Policy) (*spawn.Result, error) {
	result, err := c.engine.Cache().GetCachedResult(ctx, action.Key())
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		c.metrics.CacheLookup(telemetry.LookupError)
		c.reporter.Warn(report.CacheCheck, "remote cache check failed", err)
		return nil, nil
	}
	if result == nil || result.ExitCode != 0 {
		c.metrics.CacheLookup(telemetry.LookupMiss)
		return nil, nil
	}

	inMemory, err := c.Materialize(ctx, action.Spawn, p, result)
	if err == nil {
		c.metrics.CacheLookup(telemetry.LookupHit)
		return &spawn.Result{
			Status:         spawn.Success,
			CacheHit:       true,
			InMemoryOutput: inMemory,
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var cleanupErr *remotecache.CleanupError
	if errors.As(err, &cleanupErr) {
		return nil, err
	}
	var notFound *remotecache.CacheNotFoundError
	if errors.As(err, &notFound) {
		c.logger.Debug("cached result references missing blob", "action", action.Key(), "digest", notFound.Digest)
		c.metrics.CacheLookup(telemetry.LookupMiss)
		return nil, nil
	}
	c.metrics.CacheLookup(telemetry.LookupError)
	c.reporter.Warn(report.CacheCheck, "failed to download cached outputs", err)
	return nil, nil
}

// DownloadsAll reports whether the outputs of s are written to disk
// rather than injected.
func (c *Cache) DownloadsAll(s *spawn.Spawn, p *spawn.Policy) bool {
	return c.opts.DownloadOutputs == config.DownloadAll ||
		c.opts.DownloadOutputs == "" ||
		p.Injector == nil ||
		p.HasTopLevelOutput(s)
}

// Materialize makes the outputs of result available, either on disk or
// through the policy's injector. Results with a non-zero exit code are
// always downloaded.
func (c *Cache) Materialize(ctx context.Context, s *spawn.Spawn, p *spawn.Policy, result *repb.ActionResult) (*remotecache.InMemoryOutput, error) {
	if result.ExitCode == 0 && !c.DownloadsAll(s, p) {
		return c.engine.DownloadMinimal(ctx, result, s.DeclaredOutputs(), p.InMemoryOutput, p.OutErr, p.ExecRoot, p.Injector, p.OutputLocker())
	}
	if err := c.engine.Download(ctx, result, p.ExecRoot, p.OutErr, p.OutputLocker()); err != nil {
		return nil, err
	}
	return readInMemoryOutput(s, p)
}

func readInMemoryOutput(s *spawn.Spawn, p *spawn.Policy) (*remotecache.InMemoryOutput, error) {
	if p.InMemoryOutput == "" || !slices.Contains(s.OutputFiles, p.InMemoryOutput) {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(p.ExecRoot, p.InMemoryOutput))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &remotecache.InMemoryOutput{Path: p.InMemoryOutput, Data: data}, nil
}

// Store uploads the outputs of a successful local run of action. It skips
// the upload when an input changed since ts was captured, and reports
// upload failures instead of returning them.
func (c *Cache) Store(ctx context.Context, action *spawn.Action, p *spawn.Policy, ts spawn.Timestamps, res *spawn.Result) error {
	if !res.Succeeded() {
		c.metrics.Upload(telemetry.UploadSkipped)
		return nil
	}
	if ts != nil {
		path, changed, err := ts.Changed()
		if err != nil {
			c.metrics.Upload(telemetry.UploadSkipped)
			c.reporter.Warn(report.Upload, "failed to check inputs for concurrent changes", err)
			return nil
		}
		if changed {
			c.metrics.Upload(telemetry.UploadSkipped)
			c.logger.Info("input changed during execution, not uploading", "action", action.Key(), "path", path)
			return nil
		}
	}

	_, err := c.engine.Upload(ctx, action.Descriptor, p.ExecRoot, action.Spawn.Outputs(), res.ExitCode, res.Stdout, res.Stderr)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		c.metrics.Upload(telemetry.UploadFailed)
		c.reporter.Warn(report.Upload, fmt.Sprintf("failed to upload outputs of %s", action.Spawn), err)
		return nil
	}
	c.metrics.Upload(telemetry.UploadOK)
	return nil
}

// CachingExecutor runs spawns locally behind a cache lookup.
type CachingExecutor struct {
	cache   *Cache
	local   spawn.LocalExecutor
	metrics *telemetry.Metrics
}

var _ spawn.LocalExecutor = (*CachingExecutor)(nil)

func NewCachingExecutor(cache *Cache, local spawn.LocalExecutor, metrics *telemetry.Metrics) *CachingExecutor {
	return &CachingExecutor{cache: cache, local: local, metrics: metrics}
}

func (e *CachingExecutor) Exec(ctx context.Context, s *spawn.Spawn, p *spawn.Policy) (*spawn.Result, error) {
	entry, err := e.cache.Lookup(ctx, s, p)
	if err != nil {
		return nil, err
	}
	if entry.Hit() {
		return entry.Result, nil
	}

	res, err := e.local.Exec(ctx, s, p)
	if err != nil {
		return nil, err
	}
	e.metrics.Execution(telemetry.StrategyLocal)
	if err := entry.Store(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}
