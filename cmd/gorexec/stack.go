package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/colinrgodsey/gorexec/pkg/grpccache"
	"github.com/colinrgodsey/gorexec/pkg/janitor"
	"github.com/colinrgodsey/gorexec/pkg/local"
	"github.com/colinrgodsey/gorexec/pkg/proxy"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
	"github.com/colinrgodsey/gorexec/pkg/remoteexec"
	"github.com/colinrgodsey/gorexec/pkg/report"
	"github.com/colinrgodsey/gorexec/pkg/runner"
	"github.com/colinrgodsey/gorexec/pkg/spawncache"
	"github.com/colinrgodsey/gorexec/pkg/storage"
	"github.com/colinrgodsey/gorexec/pkg/telemetry"
)

// stack is the wired client: cache tiers, executors and the runner.
type stack struct {
	runner  *runner.Runner
	closers []func() error
}

// newStack connects everything cfg configures. The janitor of the disk
// cache runs until ctx is done.
func newStack(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	reporter := report.NewLogReporter(slog.Default())
	retrier := grpccache.NewRetrier(cfg.Remote.MaxRetries, cfg.Remote.RetryInitialInterval, cfg.Remote.RetryMaxInterval)

	var (
		ch     *grpccache.Channel
		client *grpccache.Client
		cache  remotecache.Cache
	)
	if cfg.Remote.Cache != "" {
		ch, err = grpccache.Dial(cfg.Remote.Cache, cfg.Remote.MaxOutboundMessageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to dial remote cache: %w", err)
		}
		// The clients hold their own references.
		defer ch.Release()
		client = grpccache.New(ch, retrier, grpccache.Options{
			InstanceName:           cfg.Remote.InstanceName,
			Compression:            cfg.Remote.Compression,
			Timeout:                cfg.Remote.Timeout,
			MaxOutboundMessageSize: cfg.Remote.MaxOutboundMessageSize,
			MaxConcurrentUploads:   cfg.Remote.MaxConcurrentUploads,
			VerifyDownloads:        cfg.Remote.VerifyDownloads,
			Metrics:                metrics,
		})
		st.closers = append(st.closers, client.Close)
		cache = client
	}
	if cfg.DiskCache.Dir != "" {
		store, err := storage.NewLocalStore(cfg.DiskCache.Dir, cfg.DiskCache.ForceUpdateATime)
		if err != nil {
			return nil, fmt.Errorf("failed to open disk cache: %w", err)
		}
		j := janitor.NewJanitor(cfg.DiskCache)
		store.SetOnPut(j.OnPut())
		go func() {
			if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("janitor stopped", "error", err)
			}
		}()
		cache = proxy.New(store, cache)
	}
	if cache == nil {
		return nil, errors.New("neither remote.cache nor disk_cache.dir is configured")
	}
	engine := remotecache.NewEngine(cache, remotecache.Options{AllowSymlinkUpload: cfg.Remote.AllowSymlinkUpload})
	st.closers = append(st.closers, engine.Close)

	sandbox, err := local.NewSandbox(cfg.Local.Sandbox)
	if err != nil {
		return nil, err
	}

	var (
		executor runner.RemoteExecutor
		uploader runner.InputUploader
	)
	if cfg.Remote.Executor != "" {
		if client == nil {
			return nil, errors.New("remote.executor requires remote.cache")
		}
		execCh := ch
		if cfg.Remote.Executor != cfg.Remote.Cache {
			execCh, err = grpccache.Dial(cfg.Remote.Executor, cfg.Remote.MaxOutboundMessageSize)
			if err != nil {
				return nil, fmt.Errorf("failed to dial remote executor: %w", err)
			}
			defer execCh.Release()
		}
		e := remoteexec.New(execCh, retrier, client.InvocationID())
		st.closers = append(st.closers, e.Close)
		executor = e
		uploader = client
	}

	st.runner = runner.New(
		spawncache.New(engine, spawncache.OptionsFromConfig(cfg.Remote), reporter, metrics),
		uploader,
		executor,
		local.New(sandbox),
		runner.Options{
			InstanceName:  cfg.Remote.InstanceName,
			LocalFallback: cfg.Remote.LocalFallback,
			ServerLogsDir: cfg.Remote.ServerLogsDir,
			MaxAttempts:   cfg.Remote.MaxRetries + 1,
			Reporter:      reporter,
			Metrics:       metrics,
		},
	)
	return st, nil
}

// Close closes the clients in reverse order of creation.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
