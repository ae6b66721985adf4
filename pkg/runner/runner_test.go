package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/internal/testserver"
	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/colinrgodsey/gorexec/pkg/grpccache"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
	"github.com/colinrgodsey/gorexec/pkg/remoteexec"
	"github.com/colinrgodsey/gorexec/pkg/spawn"
	"github.com/colinrgodsey/gorexec/pkg/spawncache"
	"github.com/stretchr/testify/require"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recordingReporter struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingReporter) Warn(kind, msg string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recordingReporter) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

type localExecutor struct {
	calls atomic.Int32
}

func (e *localExecutor) Exec(ctx context.Context, s *spawn.Spawn, p *spawn.Policy) (*spawn.Result, error) {
	e.calls.Add(1)
	for _, out := range s.OutputFiles {
		path := filepath.Join(p.ExecRoot, out)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte("local"), 0644); err != nil {
			return nil, err
		}
	}
	return spawn.ResultFromExitCode(0), nil
}

type fixture struct {
	srv      *testserver.Server
	client   *grpccache.Client
	local    *localExecutor
	reporter *recordingReporter
	execRoot string
	input    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := testserver.Start(t)
	ch, err := grpccache.Dial("grpc://"+srv.Addr(), 4*1024*1024)
	require.NoError(t, err)
	client := grpccache.New(ch, grpccache.NewRetrier(1, time.Millisecond, 5*time.Millisecond), grpccache.Options{
		MaxOutboundMessageSize: 4 * 1024 * 1024,
	})
	require.NoError(t, ch.Release())
	t.Cleanup(func() { client.Close() })

	input := filepath.Join(t.TempDir(), "main.c")
	require.NoError(t, os.WriteFile(input, []byte("int main() {}"), 0644))
	return &fixture{
		srv:      srv,
		client:   client,
		local:    &localExecutor{},
		reporter: &recordingReporter{},
		execRoot: t.TempDir(),
		input:    input,
	}
}

func (f *fixture) cacheOptions() spawncache.Options {
	return spawncache.Options{
		AcceptCached:       true,
		UploadLocalResults: true,
		DownloadOutputs:    config.DownloadAll,
	}
}

func (f *fixture) runner(t *testing.T, opts Options, remote bool) *Runner {
	t.Helper()
	opts.Reporter = f.reporter
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	cache := spawncache.New(remotecache.NewEngine(f.client, remotecache.Options{}), f.cacheOptions(), f.reporter, nil)
	if !remote {
		return New(cache, f.client, nil, f.local, opts)
	}
	ch, err := grpccache.Dial("grpc://"+f.srv.Addr(), 4*1024*1024)
	require.NoError(t, err)
	executor := remoteexec.New(ch, grpccache.NewRetrier(1, time.Millisecond, 5*time.Millisecond), f.client.InvocationID())
	require.NoError(t, ch.Release())
	t.Cleanup(func() { executor.Close() })
	return New(cache, f.client, executor, f.local, opts)
}

func (f *fixture) spawn() *spawn.Spawn {
	return &spawn.Spawn{
		Mnemonic:    "CppCompile",
		Arguments:   []string{"cc", "-c", "main.c", "-o", "out/main.o"},
		Inputs:      map[string]string{"main.c": f.input},
		OutputFiles: []string{"out/main.o"},
	}
}

func (f *fixture) policy() *spawn.Policy {
	return &spawn.Policy{ExecRoot: f.execRoot}
}

func (f *fixture) key(t *testing.T) digest.Digest {
	t.Helper()
	action, err := spawn.NewAction(f.spawn())
	require.NoError(t, err)
	return action.Key().Digest
}

func (f *fixture) readOutput(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(f.execRoot, "out/main.o"))
	require.NoError(t, err)
	return string(b)
}

// putBlob stores data from inside an execute function.
func (f *fixture) putBlob(data []byte) (digest.Digest, error) {
	d := digest.NewFromBlob(data)
	return d, f.srv.Store.Put(context.Background(), d, bytes.NewReader(data))
}

func (f *fixture) compile(content string) testserver.ExecuteFunc {
	return func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
		d, err := f.putBlob([]byte(content))
		if err != nil {
			return nil, err
		}
		return &repb.ExecuteResponse{Result: &repb.ActionResult{
			OutputFiles: []*repb.OutputFile{{Path: "out/main.o", Digest: d.ToProto()}},
			StdoutRaw:   []byte("compiled\n"),
		}}, nil
	}
}

func missingOutput(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
	gone := digest.NewFromBlob([]byte("evicted"))
	return &repb.ExecuteResponse{Result: &repb.ActionResult{
		OutputFiles: []*repb.OutputFile{{Path: "out/main.o", Digest: gone.ToProto()}},
	}}, nil
}

func skipFlags(reqs []*repb.ExecuteRequest) []bool {
	out := make([]bool, len(reqs))
	for i, req := range reqs {
		out[i] = req.SkipCacheLookup
	}
	return out
}

func TestRunner_RemoteExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.srv.Execution.SetExecute(f.compile("object code"))
	r := f.runner(t, Options{}, true)

	var stdout bytes.Buffer
	p := f.policy()
	p.OutErr.Stdout = &stdout
	res, err := r.Exec(ctx, f.spawn(), p)
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.True(t, res.Remote)
	require.False(t, res.CacheHit)
	require.Equal(t, "object code", f.readOutput(t))
	require.Equal(t, "compiled\n", stdout.String())
	require.Zero(t, f.local.calls.Load())

	// Inputs and the action were uploaded before execution.
	require.True(t, f.srv.HasBlob(f.key(t)))
	require.True(t, f.srv.HasBlob(digest.NewFromBlob([]byte("int main() {}"))))

	// The server cached the result; the second run is served by the
	// runner's own cache check.
	require.NoError(t, os.RemoveAll(filepath.Join(f.execRoot, "out")))
	res, err = r.Exec(ctx, f.spawn(), f.policy())
	require.NoError(t, err)
	require.True(t, res.CacheHit)
	require.Equal(t, "object code", f.readOutput(t))
	require.Len(t, f.srv.Execution.Requests(), 1)
}

func TestRunner_UnusableCachedResultSkipsLookup(t *testing.T) {
	for name, cached := range map[string]*repb.ActionResult{
		"non-zero exit": {ExitCode: 1},
		"missing blob": {OutputFiles: []*repb.OutputFile{{
			Path:   "out/main.o",
			Digest: digest.NewFromBlob([]byte("evicted")).ToProto(),
		}}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.Execution.SetExecute(f.compile("fresh"))
			f.srv.PutResult(t, f.key(t), cached)
			r := f.runner(t, Options{}, true)

			res, err := r.Exec(context.Background(), f.spawn(), f.policy())
			require.NoError(t, err)
			require.True(t, res.Succeeded())
			require.False(t, res.CacheHit)
			require.Equal(t, []bool{true}, skipFlags(f.srv.Execution.Requests()))
			require.Equal(t, "fresh", f.readOutput(t))
		})
	}
}

func TestRunner_MissingRemoteOutputRetriesWithoutCache(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	good := f.compile("second try")
	f.srv.Execution.SetExecute(func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
		if calls.Add(1) == 1 {
			return missingOutput(ctx, req)
		}
		return good(ctx, req)
	})
	r := f.runner(t, Options{}, true)

	res, err := r.Exec(context.Background(), f.spawn(), f.policy())
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Equal(t, []bool{false, true}, skipFlags(f.srv.Execution.Requests()))
	require.Equal(t, "second try", f.readOutput(t))
}

func TestRunner_FailureClassification(t *testing.T) {
	tests := []struct {
		name     string
		execute  testserver.ExecuteFunc
		status   spawn.Status
		exitCode int
	}{
		{
			name: "timeout",
			execute: func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
				return &repb.ExecuteResponse{Status: &rpcstatus.Status{Code: int32(codes.DeadlineExceeded), Message: "too slow"}}, nil
			},
			status:   spawn.Timeout,
			exitCode: spawn.POSIXTimeoutExitCode,
		},
		{
			name: "unavailable",
			execute: func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
				return nil, status.Error(codes.Unavailable, "no workers")
			},
			status:   spawn.ExecutionFailedCatastrophically,
			exitCode: -1,
		},
		{
			name:     "cache not found",
			execute:  missingOutput,
			status:   spawn.RemoteCacheFailed,
			exitCode: -1,
		},
		{
			name: "other",
			execute: func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
				return nil, status.Error(codes.FailedPrecondition, "missing inputs")
			},
			status:   spawn.ExecutionFailed,
			exitCode: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.Execution.SetExecute(tt.execute)
			r := f.runner(t, Options{MaxAttempts: 2}, true)

			res, err := r.Exec(context.Background(), f.spawn(), f.policy())
			require.NoError(t, err)
			require.Equal(t, tt.status, res.Status)
			require.Equal(t, tt.exitCode, res.ExitCode)
			require.NotEmpty(t, res.FailureMessage)
			require.Zero(t, f.local.calls.Load())
		})
	}
}

func TestRunner_LocalFallback(t *testing.T) {
	f := newFixture(t)
	f.srv.Execution.SetExecute(func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
		return nil, status.Error(codes.FailedPrecondition, "missing inputs")
	})
	r := f.runner(t, Options{LocalFallback: true}, true)

	res, err := r.Exec(context.Background(), f.spawn(), f.policy())
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.False(t, res.Remote)
	require.EqualValues(t, 1, f.local.calls.Load())
	require.Equal(t, "local", f.readOutput(t))
	require.Equal(t, []string{"remote-fallback"}, f.reporter.Kinds())

	// The local result was uploaded.
	_, err = f.srv.Store.GetActionResult(context.Background(), f.key(t))
	require.NoError(t, err)
}

func TestRunner_TimeoutDoesNotFallBack(t *testing.T) {
	f := newFixture(t)
	f.srv.Execution.SetExecute(func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
		return &repb.ExecuteResponse{Status: &rpcstatus.Status{Code: int32(codes.DeadlineExceeded)}}, nil
	})
	r := f.runner(t, Options{LocalFallback: true}, true)

	res, err := r.Exec(context.Background(), f.spawn(), f.policy())
	require.NoError(t, err)
	require.Equal(t, spawn.Timeout, res.Status)
	require.Zero(t, f.local.calls.Load())
}

func TestRunner_RPCDeadlineFallsBack(t *testing.T) {
	f := newFixture(t)
	f.srv.Execution.SetExecute(f.compile("remote"))
	f.srv.Faults.FailNext("GetActionResult", codes.DeadlineExceeded, codes.DeadlineExceeded)
	r := f.runner(t, Options{LocalFallback: true}, true)

	res, err := r.Exec(context.Background(), f.spawn(), f.policy())
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.NotEqual(t, spawn.Timeout, res.Status)
	require.EqualValues(t, 1, f.local.calls.Load())
	require.Equal(t, "local", f.readOutput(t))
	require.Empty(t, f.srv.Execution.Requests())
}

func TestRunner_RPCDeadlineIsNotTimeout(t *testing.T) {
	f := newFixture(t)
	f.srv.Execution.SetExecute(f.compile("remote"))
	f.srv.Faults.FailNext("GetActionResult", codes.DeadlineExceeded, codes.DeadlineExceeded)
	r := f.runner(t, Options{}, true)

	res, err := r.Exec(context.Background(), f.spawn(), f.policy())
	require.NoError(t, err)
	require.Equal(t, spawn.ExecutionFailed, res.Status)
	require.Equal(t, -1, res.ExitCode)
	require.Zero(t, f.local.calls.Load())
}

func TestRunner_CacheCheckFailure(t *testing.T) {
	for _, fallback := range []bool{true, false} {
		f := newFixture(t)
		f.srv.Execution.SetExecute(f.compile("remote"))
		f.srv.Faults.FailNext("GetActionResult", codes.PermissionDenied)
		r := f.runner(t, Options{LocalFallback: fallback}, true)

		res, err := r.Exec(context.Background(), f.spawn(), f.policy())
		require.NoError(t, err)
		require.Empty(t, f.srv.Execution.Requests())
		if fallback {
			require.True(t, res.Succeeded())
			require.EqualValues(t, 1, f.local.calls.Load())
		} else {
			require.Equal(t, spawn.ExecutionFailed, res.Status)
			require.Zero(t, f.local.calls.Load())
		}
	}
}

func TestRunner_FailedActionSavesLogsAndPartialOutputs(t *testing.T) {
	f := newFixture(t)
	logsDir := t.TempDir()
	f.srv.Execution.SetExecute(func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
		logDigest, err := f.putBlob([]byte("worker log"))
		if err != nil {
			return nil, err
		}
		partial, err := f.putBlob([]byte("partial"))
		if err != nil {
			return nil, err
		}
		return &repb.ExecuteResponse{
			Status: &rpcstatus.Status{Code: int32(codes.Internal), Message: "worker crashed"},
			Result: &repb.ActionResult{
				ExitCode:    1,
				OutputFiles: []*repb.OutputFile{{Path: "out/main.o", Digest: partial.ToProto()}},
			},
			ServerLogs: map[string]*repb.LogFile{
				"worker":  {Digest: logDigest.ToProto(), HumanReadable: true},
				"ignored": {Digest: logDigest.ToProto()},
			},
		}, nil
	})
	r := f.runner(t, Options{ServerLogsDir: logsDir}, true)

	res, err := r.Exec(context.Background(), f.spawn(), f.policy())
	require.NoError(t, err)
	require.Equal(t, spawn.ExecutionFailed, res.Status)
	require.Equal(t, "partial", f.readOutput(t))

	dir := filepath.Join(logsDir, f.key(t).Hash)
	log, err := os.ReadFile(filepath.Join(dir, "worker"))
	require.NoError(t, err)
	require.Equal(t, "worker log", string(log))
	require.NoFileExists(t, filepath.Join(dir, "ignored"))
}

func TestRunner_NotRemotelyExecutable(t *testing.T) {
	f := newFixture(t)
	f.srv.Execution.SetExecute(f.compile("remote"))
	r := f.runner(t, Options{}, true)

	s := f.spawn()
	s.NoRemoteExec = true
	res, err := r.Exec(context.Background(), s, f.policy())
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.False(t, res.Remote)
	require.Empty(t, f.srv.Execution.Requests())
	require.EqualValues(t, 1, f.local.calls.Load())

	// Remote caching still applies.
	_, err = f.srv.Store.GetActionResult(context.Background(), f.key(t))
	require.NoError(t, err)

	s = f.spawn()
	s.NoRemote = true
	_, err = r.Exec(context.Background(), s, f.policy())
	require.NoError(t, err)
	require.EqualValues(t, 2, f.local.calls.Load())
}

func TestRunner_WithoutExecutor(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, Options{}, false)

	for i := 0; i < 2; i++ {
		res, err := r.Exec(context.Background(), f.spawn(), f.policy())
		require.NoError(t, err)
		require.True(t, res.Succeeded())
		require.Equal(t, i == 1, res.CacheHit)
	}
	require.EqualValues(t, 1, f.local.calls.Load())
	require.Empty(t, f.srv.Execution.Requests())
}

func TestRunner_InvalidInputs(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, Options{}, true)

	s := f.spawn()
	s.Inputs = map[string]string{"../escape": f.input}
	res, err := r.Exec(context.Background(), s, f.policy())
	require.NoError(t, err)
	require.Equal(t, spawn.ExecutionFailed, res.Status)
}

func TestRunner_Cancelled(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.srv.Execution.SetExecute(func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
		<-release
		return nil, status.Error(codes.Aborted, "released")
	})
	r := f.runner(t, Options{LocalFallback: true}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Exec(ctx, f.spawn(), f.policy())
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	require.Zero(t, f.local.calls.Load())
}
