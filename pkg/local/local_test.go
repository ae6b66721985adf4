package local

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
	"github.com/colinrgodsey/gorexec/pkg/spawn"
	"github.com/stretchr/testify/require"
)

func shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func TestExecutor_Exec(t *testing.T) {
	ctx := context.Background()
	execRoot := t.TempDir()
	var stdout, stderr bytes.Buffer
	policy := &spawn.Policy{
		ExecRoot: execRoot,
		OutErr:   remotecache.OutErr{Stdout: &stdout, Stderr: &stderr},
	}

	res, err := New(nil).Exec(ctx, &spawn.Spawn{
		Arguments:   shell(`echo "out $GREETING"; echo err >&2; echo data > sub/dir/out.txt; exit 3`),
		Environment: map[string]string{"GREETING": "hello"},
		OutputFiles: []string{"sub/dir/out.txt"},
	}, policy)
	require.NoError(t, err)
	require.Equal(t, spawn.NonZeroExit, res.Status)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "out hello\n", string(res.Stdout))
	require.Equal(t, "err\n", string(res.Stderr))
	require.Equal(t, "out hello\n", stdout.String())
	require.Equal(t, "err\n", stderr.String())

	data, err := os.ReadFile(filepath.Join(execRoot, "sub/dir/out.txt"))
	require.NoError(t, err)
	require.Equal(t, "data\n", string(data))
}

func TestExecutor_Exec_OutputDirectoriesExist(t *testing.T) {
	execRoot := t.TempDir()
	res, err := New(nil).Exec(context.Background(), &spawn.Spawn{
		Arguments:         shell(`test -d gen/headers`),
		OutputDirectories: []string{"gen/headers"},
	}, &spawn.Policy{ExecRoot: execRoot})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
}

func TestExecutor_Exec_Timeout(t *testing.T) {
	res, err := New(nil).Exec(context.Background(), &spawn.Spawn{
		Arguments: []string{"sleep", "10"},
		Timeout:   100 * time.Millisecond,
	}, &spawn.Policy{ExecRoot: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, spawn.Timeout, res.Status)
	require.Equal(t, spawn.POSIXTimeoutExitCode, res.ExitCode)
}

func TestExecutor_Exec_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res, err := New(nil).Exec(ctx, &spawn.Spawn{
		Arguments: []string{"sleep", "10"},
	}, &spawn.Policy{ExecRoot: t.TempDir()})
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, res)
}

func TestExecutor_Exec_Failures(t *testing.T) {
	ctx := context.Background()
	for name, s := range map[string]*spawn.Spawn{
		"no arguments":       {},
		"missing binary":     {Arguments: []string{"/nonexistent/tool"}},
		"missing input file": {Arguments: []string{"true"}, Inputs: map[string]string{"in.txt": "/nonexistent/in.txt"}},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := New(nil).Exec(ctx, s, &spawn.Policy{ExecRoot: t.TempDir()})
			require.NoError(t, err)
			require.Equal(t, spawn.ExecutionFailed, res.Status)
			require.NotEmpty(t, res.FailureMessage)
		})
	}
}

func TestExecutor_Exec_StagesInputs(t *testing.T) {
	execRoot := t.TempDir()
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "input.txt")
	require.NoError(t, os.WriteFile(src, []byte("input file content"), 0644))
	inRoot := filepath.Join(execRoot, "already.txt")
	require.NoError(t, os.WriteFile(inRoot, []byte("in place"), 0644))

	res, err := New(nil).Exec(context.Background(), &spawn.Spawn{
		Arguments: shell(`[ ! -L pkg/input.txt ] && [ -f pkg/input.txt ] && [ -d empty ] && cat pkg/input.txt already.txt`),
		Inputs: map[string]string{
			"pkg/input.txt": src,
			"already.txt":   "already.txt",
			"empty":         "",
		},
	}, &spawn.Policy{ExecRoot: execRoot})
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "stderr: %s", res.Stderr)
	require.Equal(t, "input file contentin place", string(res.Stdout))

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	dstInfo, err := os.Stat(filepath.Join(execRoot, "pkg/input.txt"))
	require.NoError(t, err)
	require.True(t, os.SameFile(srcInfo, dstInfo), "input was copied instead of hardlinked")
}

// fakeSandbox writes a linux-sandbox stand-in that records its arguments
// and runs the command after "--".
func fakeSandbox(t *testing.T) (binary, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	binary = filepath.Join(dir, "linux-sandbox")
	argsFile = filepath.Join(dir, "args")
	script := "#!/bin/sh\n" +
		"echo \"$@\" > " + argsFile + "\n" +
		"while [ \"$#\" -gt 0 ] && [ \"$1\" != \"--\" ]; do shift; done\n" +
		"shift\n" +
		"exec \"$@\"\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))
	return binary, argsFile
}

func TestExecutor_Exec_Sandboxed(t *testing.T) {
	binary, argsFile := fakeSandbox(t)
	sb, err := NewSandbox(config.SandboxConfig{Enabled: true, BinaryPath: binary, NetworkIsolation: true})
	require.NoError(t, err)

	execRoot := t.TempDir()
	src := filepath.Join(t.TempDir(), "dep.h")
	require.NoError(t, os.WriteFile(src, []byte("#pragma once"), 0644))

	res, err := New(sb).Exec(context.Background(), &spawn.Spawn{
		Arguments:   shell(`echo sandboxed > out/result.txt`),
		Inputs:      map[string]string{"inc/dep.h": src},
		OutputFiles: []string{"out/result.txt"},
	}, &spawn.Policy{ExecRoot: execRoot})
	require.NoError(t, err)
	require.True(t, res.Succeeded(), "stderr: %s", res.Stderr)

	out, err := os.ReadFile(filepath.Join(execRoot, "out/result.txt"))
	require.NoError(t, err)
	require.Equal(t, "sandboxed\n", string(out))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	root, err := filepath.Abs(execRoot)
	require.NoError(t, err)
	require.Contains(t, string(args), "-W "+root)
	require.Contains(t, string(args), "-M "+src+" -m "+filepath.Join(root, "inc/dep.h"))
	require.Contains(t, string(args), "-w "+filepath.Join(root, "out/result.txt"))
	require.Contains(t, string(args), "-N")
	require.True(t, strings.HasSuffix(strings.TrimSpace(string(args)), "-- /bin/sh -c echo sandboxed > out/result.txt"))

	// Inputs are mounted, never staged into the exec root.
	_, err = os.Stat(filepath.Join(execRoot, "inc/dep.h"))
	require.True(t, os.IsNotExist(err))
}
