// Package runner executes spawns: it checks the remote cache, runs the
// action on the remote executor when one is configured and falls back to
// local execution when allowed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/merkle"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
	"github.com/colinrgodsey/gorexec/pkg/remoteexec"
	"github.com/colinrgodsey/gorexec/pkg/report"
	"github.com/colinrgodsey/gorexec/pkg/spawn"
	"github.com/colinrgodsey/gorexec/pkg/spawncache"
	"github.com/colinrgodsey/gorexec/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RemoteExecutor submits actions to a remote execution service.
type RemoteExecutor interface {
	Execute(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error)
}

// InputUploader makes the inputs of an action available to the remote
// executor.
type InputUploader interface {
	EnsureInputsPresent(ctx context.Context, tree *merkle.Tree, extra map[digest.Digest][]byte) error
}

type Options struct {
	InstanceName  string
	LocalFallback bool
	// ServerLogsDir receives the human readable server logs of failed remote
	// actions. Empty disables saving them.
	ServerLogsDir string
	// MaxAttempts bounds the executions of one action whose result
	// references blobs missing from the CAS.
	MaxAttempts int
	Reporter    report.Reporter
	Metrics     *telemetry.Metrics
}

// Runner executes spawns.
type Runner struct {
	cache    *spawncache.Cache
	caching  *spawncache.CachingExecutor
	uploader InputUploader
	executor RemoteExecutor
	local    spawn.LocalExecutor
	opts     Options
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a runner. A nil executor runs every spawn locally behind
// the cache.
func New(cache *spawncache.Cache, uploader InputUploader, executor RemoteExecutor, local spawn.LocalExecutor, opts Options) *Runner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Reporter == nil {
		opts.Reporter = report.Nop{}
	}
	return &Runner{
		cache:    cache,
		caching:  spawncache.NewCachingExecutor(cache, local, opts.Metrics),
		uploader: uploader,
		executor: executor,
		local:    local,
		opts:     opts,
		tracer:   otel.Tracer("gorexec/pkg/runner"),
		logger:   slog.Default().With("component", "runner"),
	}
}

// Exec runs s and returns its result. Failures of the action, the cache
// or the executor are reported through the result; the only errors
// returned are the interruption of ctx and a *remotecache.CleanupError.
func (r *Runner) Exec(ctx context.Context, s *spawn.Spawn, p *spawn.Policy) (*spawn.Result, error) {
	ctx, span := r.tracer.Start(ctx, "runner.Exec", trace.WithAttributes(
		attribute.String("spawn", s.String()),
	))
	defer span.End()

	if r.executor == nil || !s.RemotelyExecutable() {
		res, err := r.caching.Exec(ctx, s, p)
		if err != nil {
			if fatal := terminal(ctx, err); fatal != nil {
				return nil, fatal
			}
			return failure(s, err), nil
		}
		return res, nil
	}

	cacheOpts := r.cache.Options()
	var ts spawn.Timestamps
	if cacheOpts.GuardAgainstConcurrentChanges {
		var err error
		if ts, err = spawn.CaptureTimestamps(s.Paths()); err != nil {
			return failure(s, err), nil
		}
	}
	action, err := spawn.NewAction(s)
	if err != nil {
		return failure(s, err), nil
	}
	span.SetAttributes(attribute.String("action", action.Key().String()))

	// Scoped to this action: set once a cached result turned out unusable.
	skipCacheLookup := !cacheOpts.AcceptCached || !s.Cacheable()
	if !skipCacheLookup {
		res, skip, err := r.checkCache(ctx, action, p)
		if err != nil {
			if fatal := terminal(ctx, err); fatal != nil {
				return nil, fatal
			}
			return r.fallbackOrFail(ctx, action, p, ts, err)
		}
		if res != nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return res, nil
		}
		skipCacheLookup = skip
	}

	res, err := r.executeRemotely(ctx, action, p, skipCacheLookup)
	if err != nil {
		if fatal := terminal(ctx, err); fatal != nil {
			return nil, fatal
		}
		span.RecordError(err)
		return r.fallbackOrFail(ctx, action, p, ts, err)
	}
	r.opts.Metrics.Execution(telemetry.StrategyRemote)
	return res, nil
}

// checkCache returns the materialized cached result of action. skip is
// set when a cached result exists but must not be served again.
func (r *Runner) checkCache(ctx context.Context, action *spawn.Action, p *spawn.Policy) (res *spawn.Result, skip bool, err error) {
	result, err := r.cache.Engine().Cache().GetCachedResult(ctx, action.Key())
	if err != nil {
		r.opts.Metrics.CacheLookup(telemetry.LookupError)
		return nil, false, err
	}
	if result == nil {
		r.opts.Metrics.CacheLookup(telemetry.LookupMiss)
		return nil, false, nil
	}
	if result.ExitCode != 0 {
		r.opts.Metrics.CacheLookup(telemetry.LookupMiss)
		return nil, true, nil
	}

	inMemory, err := r.cache.Materialize(ctx, action.Spawn, p, result)
	if err != nil {
		if terminal(ctx, err) == nil && isNotFound(err) {
			r.logger.Debug("cached result references missing blob", "action", action.Key(), "error", err)
			r.opts.Metrics.CacheLookup(telemetry.LookupMiss)
			return nil, true, nil
		}
		r.opts.Metrics.CacheLookup(telemetry.LookupError)
		return nil, false, err
	}
	r.opts.Metrics.CacheLookup(telemetry.LookupHit)
	return &spawn.Result{Status: spawn.Success, CacheHit: true, InMemoryOutput: inMemory}, false, nil
}

// executeRemotely runs action on the executor. An execution whose result
// references missing blobs is resubmitted with the cache lookup skipped.
func (r *Runner) executeRemotely(ctx context.Context, action *spawn.Action, p *spawn.Policy, skipCacheLookup bool) (*spawn.Result, error) {
	var err error
	for attempt := 0; attempt < r.opts.MaxAttempts; attempt++ {
		var res *spawn.Result
		res, err = r.executeOnce(ctx, action, p, skipCacheLookup)
		if err == nil || terminal(ctx, err) != nil || !isNotFound(err) {
			return res, err
		}
		r.logger.Debug("remote result references missing blob, executing again", "action", action.Key(), "attempt", attempt, "error", err)
		skipCacheLookup = true
	}
	return nil, err
}

func (r *Runner) executeOnce(ctx context.Context, action *spawn.Action, p *spawn.Policy, skipCacheLookup bool) (*spawn.Result, error) {
	if err := r.uploader.EnsureInputsPresent(ctx, action.Tree, action.Descriptor.Blobs()); err != nil {
		return nil, err
	}

	resp, err := r.executor.Execute(ctx, action.ExecuteRequest(r.opts.InstanceName, skipCacheLookup))
	if err != nil {
		var execErr *remoteexec.ExecutionError
		if errors.As(err, &execErr) && ctx.Err() == nil {
			if salvageErr := r.salvage(ctx, action, p, execErr.Response); salvageErr != nil {
				return nil, salvageErr
			}
		}
		return nil, err
	}
	result := resp.GetResult()
	if result == nil {
		return nil, status.Errorf(codes.Internal, "execute response for %s carries no result", action.Key())
	}
	if result.ExitCode != 0 {
		r.saveServerLogs(ctx, action, resp)
	}

	inMemory, err := r.cache.Materialize(ctx, action.Spawn, p, result)
	if err != nil {
		return nil, err
	}
	res := spawn.ResultFromExitCode(int(result.ExitCode))
	res.Remote = true
	res.CacheHit = resp.CachedResult
	res.InMemoryOutput = inMemory
	return res, nil
}

// salvage downloads what a failed remote execution left behind. Only a
// failed cleanup is returned; everything else is reported.
func (r *Runner) salvage(ctx context.Context, action *spawn.Action, p *spawn.Policy, resp *repb.ExecuteResponse) error {
	r.saveServerLogs(ctx, action, resp)
	if resp.GetResult() == nil {
		return nil
	}
	err := r.cache.Engine().Download(ctx, resp.Result, p.ExecRoot, p.OutErr, p.OutputLocker())
	if err == nil {
		return nil
	}
	var cleanupErr *remotecache.CleanupError
	if errors.As(err, &cleanupErr) {
		return err
	}
	r.opts.Reporter.Warn(report.PartialDown, "failed to download partial results of failed remote action", err)
	return nil
}

// saveServerLogs stores the human readable server logs of resp below
// ServerLogsDir/<action hash>/.
func (r *Runner) saveServerLogs(ctx context.Context, action *spawn.Action, resp *repb.ExecuteResponse) {
	if r.opts.ServerLogsDir == "" || len(resp.GetServerLogs()) == 0 {
		return
	}
	names := make([]string, 0, len(resp.ServerLogs))
	for name, log := range resp.ServerLogs {
		if log.GetHumanReadable() && log.GetDigest() != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	dir := filepath.Join(r.opts.ServerLogsDir, action.Key().Digest.Hash)
	var saved []string
	for _, name := range names {
		path := filepath.Join(dir, filepath.Base(name))
		if err := r.saveServerLog(ctx, resp.ServerLogs[name].Digest, path); err != nil {
			r.opts.Reporter.Warn(report.ServerLogs, fmt.Sprintf("failed to save server log %q", name), err)
			continue
		}
		saved = append(saved, path)
	}
	if len(saved) > 0 {
		r.logger.Info("saved server logs of failed action", "action", action.Key(), "paths", saved)
	}
}

func (r *Runner) saveServerLog(ctx context.Context, pd *repb.Digest, path string) error {
	d, err := digest.NewFromProto(pd)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.cache.Engine().Cache().DownloadBlob(ctx, d, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// fallbackOrFail runs action locally when fallback is enabled and the
// remote action did not time out, and otherwise turns cause into a
// failed result.
func (r *Runner) fallbackOrFail(ctx context.Context, action *spawn.Action, p *spawn.Policy, ts spawn.Timestamps, cause error) (*spawn.Result, error) {
	if !r.opts.LocalFallback || isActionTimeout(cause) {
		return failure(action.Spawn, cause), nil
	}
	r.opts.Reporter.Warn(report.Fallback, "remote execution failed, falling back to local execution", cause)

	res, err := r.local.Exec(ctx, action.Spawn, p)
	if err != nil {
		if fatal := terminal(ctx, err); fatal != nil {
			return nil, fatal
		}
		return failure(action.Spawn, err), nil
	}
	r.opts.Metrics.Execution(telemetry.StrategyFallback)
	if r.cache.Options().UploadLocalResults && action.Spawn.Cacheable() {
		if err := r.cache.Store(ctx, action, p, ts, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// failure classifies cause into a failed result.
func failure(s *spawn.Spawn, cause error) *spawn.Result {
	res := &spawn.Result{ExitCode: -1}
	switch {
	case isNotFound(cause):
		res.Status = spawn.RemoteCacheFailed
		res.FailureMessage = fmt.Sprintf("%s: remote cache is missing outputs: %v", s, cause)
	case isActionTimeout(cause):
		res.Status = spawn.Timeout
		res.ExitCode = spawn.POSIXTimeoutExitCode
		res.FailureMessage = fmt.Sprintf("%s: remote action timed out: %v", s, cause)
	case status.Code(cause) == codes.Unavailable:
		res.Status = spawn.ExecutionFailedCatastrophically
		res.FailureMessage = fmt.Sprintf("%s: remote executor unavailable: %v", s, cause)
	default:
		res.Status = spawn.ExecutionFailed
		res.FailureMessage = fmt.Sprintf("%s: execution failed: %v", s, cause)
	}
	return res
}

func isNotFound(err error) bool {
	var notFound *remotecache.CacheNotFoundError
	return errors.As(err, &notFound)
}

// isActionTimeout reports whether the executor ran the action past its
// timeout. A deadline hit by an RPC is an IO failure, not a timeout.
func isActionTimeout(err error) bool {
	var execErr *remoteexec.ExecutionError
	return errors.As(err, &execErr) && execErr.Status.Code() == codes.DeadlineExceeded
}

// terminal returns the error that must end the action instead of being
// turned into a result: the interruption of ctx or a failed cleanup.
func terminal(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var cleanupErr *remotecache.CleanupError
	if errors.As(err, &cleanupErr) {
		return err
	}
	return nil
}
