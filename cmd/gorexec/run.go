package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
	"github.com/colinrgodsey/gorexec/pkg/spawn"
	"github.com/colinrgodsey/gorexec/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var runFlags struct {
	mnemonic       string
	inputs         []string
	outputs        []string
	outputDirs     []string
	env            []string
	platform       []string
	timeout        time.Duration
	inMemoryOutput string
	noCache        bool
	noRemote       bool
	noRemoteExec   bool
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run one action through the cache and executor",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildSpawn(args)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runSpawn(ctx, cfg, s, os.Stdout, os.Stderr)
		if err != nil {
			return err
		}
		if res.FailureMessage != "" {
			fmt.Fprintln(os.Stderr, res.FailureMessage)
		}
		slog.Debug("action finished", "spawn", s, "status", res.Status, "exit_code", res.ExitCode,
			"cache_hit", res.CacheHit, "remote", res.Remote)
		exitCode = res.ExitCode
		if exitCode < 0 {
			exitCode = 1
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.mnemonic, "mnemonic", "", "name of the action in logs")
	f.StringArrayVar(&runFlags.inputs, "input", nil, "input as exec-root-relative=local path; an empty local path declares an empty directory")
	f.StringArrayVar(&runFlags.outputs, "output", nil, "declared output file, relative to the exec root")
	f.StringArrayVar(&runFlags.outputDirs, "output-dir", nil, "declared output directory, relative to the exec root")
	f.StringArrayVar(&runFlags.env, "env", nil, "environment variable as NAME=value")
	f.StringArrayVar(&runFlags.platform, "platform", nil, "platform property as name=value")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "action timeout, 0 for none")
	f.StringVar(&runFlags.inMemoryOutput, "in-memory-output", "", "output to print to stdout instead of writing it")
	f.BoolVar(&runFlags.noCache, "no-cache", false, "neither look up nor store the result")
	f.BoolVar(&runFlags.noRemote, "no-remote", false, "run locally without the remote cache")
	f.BoolVar(&runFlags.noRemoteExec, "no-remote-exec", false, "run locally, using the remote cache")
}

// parseAssignments splits every NAME=value of kvs. allowEmpty permits an
// empty value.
func parseAssignments(kvs []string, allowEmpty bool) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" || (value == "" && !allowEmpty) {
			return nil, fmt.Errorf("invalid assignment %q, want name=value", kv)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%q is assigned more than once", name)
		}
		out[name] = value
	}
	return out, nil
}

func buildSpawn(args []string) (*spawn.Spawn, error) {
	inputs, err := parseAssignments(runFlags.inputs, true)
	if err != nil {
		return nil, fmt.Errorf("--input: %w", err)
	}
	for rel, local := range inputs {
		if local == "" {
			continue
		}
		abs, err := filepath.Abs(local)
		if err != nil {
			return nil, err
		}
		inputs[rel] = abs
	}
	env, err := parseAssignments(runFlags.env, true)
	if err != nil {
		return nil, fmt.Errorf("--env: %w", err)
	}
	platform, err := parseAssignments(runFlags.platform, false)
	if err != nil {
		return nil, fmt.Errorf("--platform: %w", err)
	}
	return &spawn.Spawn{
		Mnemonic:          runFlags.mnemonic,
		Arguments:         args,
		Environment:       env,
		Inputs:            inputs,
		OutputFiles:       runFlags.outputs,
		OutputDirectories: runFlags.outputDirs,
		Platform:          platform,
		Timeout:           runFlags.timeout,
		NoCache:           runFlags.noCache,
		NoRemote:          runFlags.noRemote,
		NoRemoteExec:      runFlags.noRemoteExec,
	}, nil
}

// logInjector records the outputs that stay in the remote cache.
type logInjector struct {
	logger *slog.Logger
}

func (l logInjector) InjectFile(path string, d digest.Digest) {
	l.logger.Info("output left in remote cache", "path", path, "digest", d)
}

func (l logInjector) InjectDirectory(path string, files map[string]digest.Digest) {
	l.logger.Info("output directory left in remote cache", "path", path, "files", len(files))
}

func runSpawn(ctx context.Context, cfg *config.Config, s *spawn.Spawn, stdout, stderr io.Writer) (*spawn.Result, error) {
	// Stops the janitor.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("failed to shut down telemetry", "error", err)
		}
	}()
	if cfg.Telemetry.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.Telemetry.MetricsAddr, tel.Registry)
		defer stopMetrics()
	}

	st, err := newStack(ctx, cfg, tel.Metrics)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	execRoot, err := filepath.Abs(cfg.ExecRoot)
	if err != nil {
		return nil, err
	}
	p := &spawn.Policy{
		ExecRoot:       execRoot,
		OutErr:         remotecache.OutErr{Stdout: stdout, Stderr: stderr},
		Locker:         &sync.Mutex{},
		Injector:       logInjector{logger: slog.Default().With("component", "gorexec")},
		InMemoryOutput: runFlags.inMemoryOutput,
	}
	if cfg.Remote.DownloadOutputs == config.DownloadTopLevel {
		p.TopLevelOutputs = s.Outputs()
	}

	res, err := st.runner.Exec(ctx, s, p)
	if err != nil {
		return nil, err
	}
	if res.InMemoryOutput != nil {
		if _, err := stdout.Write(res.InMemoryOutput.Data); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
