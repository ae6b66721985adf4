package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/internal/testserver"
	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/colinrgodsey/gorexec/pkg/spawn"
	"github.com/colinrgodsey/gorexec/pkg/storage"
	"github.com/stretchr/testify/require"
)

func TestParseAssignments(t *testing.T) {
	tests := []struct {
		name       string
		in         []string
		allowEmpty bool
		want       map[string]string
		wantErr    bool
	}{
		{name: "empty", want: map[string]string{}},
		{name: "pairs", in: []string{"a=1", "b=x=y"}, want: map[string]string{"a": "1", "b": "x=y"}},
		{name: "empty value allowed", in: []string{"dir="}, allowEmpty: true, want: map[string]string{"dir": ""}},
		{name: "empty value rejected", in: []string{"os="}, wantErr: true},
		{name: "no separator", in: []string{"a"}, wantErr: true},
		{name: "no name", in: []string{"=a"}, wantErr: true},
		{name: "duplicate", in: []string{"a=1", "a=2"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAssignments(tt.in, tt.allowEmpty)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSetupLogging(t *testing.T) {
	defer setupLogging("warn")
	for _, level := range []string{"debug", "info", "warn", "error", "DEBUG"} {
		require.NoError(t, setupLogging(level), level)
	}
	require.Error(t, setupLogging("loud"))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ExecRoot = t.TempDir()
	cfg.Remote.MaxRetries = 1
	cfg.Remote.RetryInitialInterval = time.Millisecond
	cfg.Remote.RetryMaxInterval = 5 * time.Millisecond
	return cfg
}

func TestRunSpawn_CacheOnly(t *testing.T) {
	srv := testserver.Start(t)
	cfg := testConfig(t)
	cfg.Remote.Cache = "grpc://" + srv.Addr()

	s := &spawn.Spawn{
		Arguments:   []string{"sh", "-c", "echo built > out.txt; echo done"},
		OutputFiles: []string{"out.txt"},
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, os.RemoveAll(filepath.Join(cfg.ExecRoot, "out.txt")))
		var stdout, stderr bytes.Buffer
		res, err := runSpawn(context.Background(), cfg, s, &stdout, &stderr)
		require.NoError(t, err)
		require.True(t, res.Succeeded())
		require.Equal(t, i == 1, res.CacheHit)
		require.Equal(t, "done\n", stdout.String())

		out, err := os.ReadFile(filepath.Join(cfg.ExecRoot, "out.txt"))
		require.NoError(t, err)
		require.Equal(t, "built\n", string(out))
	}
	require.Empty(t, srv.Execution.Requests())
}

func TestRunSpawn_RemoteExecutionWithDiskCache(t *testing.T) {
	srv := testserver.Start(t)
	content := []byte("remote output")
	srv.Execution.SetExecute(func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
		d := digest.NewFromBlob(content)
		if err := srv.Store.Put(ctx, d, bytes.NewReader(content)); err != nil {
			return nil, err
		}
		return &repb.ExecuteResponse{Result: &repb.ActionResult{
			OutputFiles: []*repb.OutputFile{{Path: "gen/out.bin", Digest: d.ToProto()}},
		}}, nil
	})

	cfg := testConfig(t)
	cfg.Remote.Cache = srv.Addr()
	cfg.Remote.Executor = srv.Addr()
	cfg.DiskCache.Dir = t.TempDir()

	input := filepath.Join(t.TempDir(), "src.txt")
	require.NoError(t, os.WriteFile(input, []byte("source"), 0644))
	s := &spawn.Spawn{
		Arguments:   []string{"generate", "src.txt"},
		Inputs:      map[string]string{"src.txt": input},
		OutputFiles: []string{"gen/out.bin"},
	}
	var stdout bytes.Buffer
	res, err := runSpawn(context.Background(), cfg, s, &stdout, &stdout)
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.True(t, res.Remote)

	out, err := os.ReadFile(filepath.Join(cfg.ExecRoot, "gen/out.bin"))
	require.NoError(t, err)
	require.Equal(t, content, out)
	require.True(t, srv.HasBlob(digest.NewFromBlob([]byte("source"))))

	disk, err := storage.NewLocalStore(cfg.DiskCache.Dir, false)
	require.NoError(t, err)
	ok, err := disk.Has(context.Background(), digest.NewFromBlob(content))
	require.NoError(t, err)
	require.True(t, ok, "output was not cached on disk")
}

func TestRunSpawn_Misconfigured(t *testing.T) {
	s := &spawn.Spawn{Arguments: []string{"true"}}

	_, err := runSpawn(context.Background(), testConfig(t), s, &bytes.Buffer{}, &bytes.Buffer{})
	require.ErrorContains(t, err, "neither remote.cache nor disk_cache.dir")

	cfg := testConfig(t)
	cfg.DiskCache.Dir = t.TempDir()
	cfg.Remote.Executor = "localhost:1"
	_, err = runSpawn(context.Background(), cfg, s, &bytes.Buffer{}, &bytes.Buffer{})
	require.ErrorContains(t, err, "remote.executor requires remote.cache")
}
