// Package local runs spawns as subprocesses of this process.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/colinrgodsey/gorexec/pkg/spawn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Executor implements spawn.LocalExecutor.
type Executor struct {
	sandbox *Sandbox
	tracer  trace.Tracer
	logger  *slog.Logger
}

var _ spawn.LocalExecutor = (*Executor)(nil)

// New returns an executor. A nil sandbox runs commands directly in the
// exec root.
func New(sandbox *Sandbox) *Executor {
	return &Executor{
		sandbox: sandbox,
		tracer:  otel.Tracer("gorexec/pkg/local"),
		logger:  slog.Default().With("component", "local"),
	}
}

func failed(format string, args ...any) *spawn.Result {
	return &spawn.Result{
		ExitCode:       -1,
		Status:         spawn.ExecutionFailed,
		FailureMessage: fmt.Sprintf(format, args...),
	}
}

// Exec runs s in the exec root of p. Only cancellation of ctx is returned
// as an error; every other failure is described by the result.
func (e *Executor) Exec(ctx context.Context, s *spawn.Spawn, p *spawn.Policy) (*spawn.Result, error) {
	ctx, span := e.tracer.Start(ctx, "local.Exec", trace.WithAttributes(
		attribute.String("spawn", s.String()),
	))
	defer span.End()

	if len(s.Arguments) == 0 {
		return failed("spawn has no arguments"), nil
	}
	execRoot, err := filepath.Abs(p.ExecRoot)
	if err != nil {
		return failed("invalid exec root: %v", err), nil
	}

	if err := createOutputDirs(execRoot, s); err != nil {
		return failed("%v", err), nil
	}

	args := s.Arguments
	if e.sandbox.Enabled() {
		var writable []string
		for _, o := range s.Outputs() {
			writable = append(writable, filepath.Join(execRoot, o))
		}
		args, err = e.sandbox.WrapCommand(WrapSpec{
			ExecRoot:      execRoot,
			InputMounts:   inputMounts(execRoot, s),
			WritablePaths: writable,
			Timeout:       s.Timeout,
			Command:       s.Arguments,
		})
		if err != nil {
			return failed("%v", err), nil
		}
		for _, dir := range emptyInputDirs(execRoot, s) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return failed("failed to create input directory: %v", err), nil
			}
		}
	} else if err := stageInputs(execRoot, s); err != nil {
		return failed("failed to stage inputs: %v", err), nil
	}

	return e.run(ctx, span, execRoot, args, s, p)
}

func (e *Executor) run(ctx context.Context, span trace.Span, execRoot string, args []string, s *spawn.Spawn, p *spawn.Policy) (*spawn.Result, error) {
	runCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = execRoot
	cmd.Env = environ(s.Environment)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, p.OutErr.Stdout)
	cmd.Stderr = tee(&stderr, p.OutErr.Stderr)

	e.logger.Debug("Executing command", "dir", cmd.Dir, "args", cmd.Args)
	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var result *spawn.Result
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result = &spawn.Result{
			ExitCode:       spawn.POSIXTimeoutExitCode,
			Status:         spawn.Timeout,
			FailureMessage: fmt.Sprintf("action timed out after %s", s.Timeout),
		}
	case err == nil:
		result = spawn.ResultFromExitCode(0)
	case errors.As(err, &exitErr):
		result = spawn.ResultFromExitCode(exitErr.ExitCode())
	default:
		result = failed("command failed: %v", err)
	}
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)
	return result, nil
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

func environ(env map[string]string) []string {
	out := os.Environ()
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, name+"="+env[name])
	}
	return out
}

func createOutputDirs(execRoot string, s *spawn.Spawn) error {
	for _, f := range s.OutputFiles {
		dir := filepath.Dir(filepath.Join(execRoot, f))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output parent dir %s: %w", dir, err)
		}
	}
	for _, d := range s.OutputDirectories {
		path := filepath.Join(execRoot, d)
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create output dir %s: %w", path, err)
		}
	}
	return nil
}

// localPath resolves an input's local file against the exec root.
func localPath(execRoot, local string) string {
	if filepath.IsAbs(local) {
		return filepath.Clean(local)
	}
	return filepath.Join(execRoot, local)
}

func inputMounts(execRoot string, s *spawn.Spawn) map[string]string {
	mounts := map[string]string{}
	for rel, local := range s.Inputs {
		if local == "" {
			continue
		}
		src, dst := localPath(execRoot, local), filepath.Join(execRoot, rel)
		if src != dst {
			mounts[src] = dst
		}
	}
	return mounts
}

func emptyInputDirs(execRoot string, s *spawn.Spawn) []string {
	var dirs []string
	for rel, local := range s.Inputs {
		if local == "" {
			dirs = append(dirs, filepath.Join(execRoot, rel))
		}
	}
	sort.Strings(dirs)
	return dirs
}

// stageInputs makes every input available at its exec root path,
// hardlinking files that live elsewhere and copying them across
// filesystems.
func stageInputs(execRoot string, s *spawn.Spawn) error {
	for _, dir := range emptyInputDirs(execRoot, s) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	for rel, local := range s.Inputs {
		if local == "" {
			continue
		}
		src, dst := localPath(execRoot, local), filepath.Join(execRoot, rel)
		if src == dst {
			continue
		}
		if err := stageFile(src, dst); err != nil {
			return fmt.Errorf("failed to stage %s: %w", rel, err)
		}
	}
	return nil
}

func stageFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if dstInfo, err := os.Stat(dst); err == nil && os.SameFile(srcInfo, dstInfo) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
