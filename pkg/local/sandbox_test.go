package local

import (
	"strings"
	"testing"
	"time"

	"github.com/colinrgodsey/gorexec/pkg/config"
)

func TestNewSandbox(t *testing.T) {
	s, err := NewSandbox(config.SandboxConfig{Enabled: false})
	if err != nil || s != nil {
		t.Errorf("disabled sandbox: got %v, %v", s, err)
	}
	if s.Enabled() {
		t.Error("nil sandbox reports enabled")
	}

	s, err = NewSandbox(config.SandboxConfig{Enabled: true, BinaryPath: "/nonexistent/linux-sandbox"})
	if err == nil || s != nil {
		t.Fatalf("missing binary: got %v, %v", s, err)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' in error message, got: %v", err)
	}

	s, err = NewSandbox(config.SandboxConfig{Enabled: true, BinaryPath: "sh"})
	if err != nil {
		t.Fatalf("NewSandbox(sh) failed: %v", err)
	}
	if !s.Enabled() || !strings.HasPrefix(s.cfg.BinaryPath, "/") {
		t.Errorf("expected resolved binary path, got %q", s.cfg.BinaryPath)
	}
}

func TestWrapCommand(t *testing.T) {
	base := config.SandboxConfig{Enabled: true, BinaryPath: "/usr/bin/linux-sandbox"}
	tests := []struct {
		name    string
		cfg     func(c *config.SandboxConfig)
		spec    WrapSpec
		want    string
		wantErr bool
	}{
		{
			name: "network isolation and timeout",
			cfg: func(c *config.SandboxConfig) {
				c.NetworkIsolation = true
				c.KillDelay = 5
			},
			spec: WrapSpec{ExecRoot: "/x", Timeout: 10 * time.Minute, Command: []string{"echo", "test"}},
			want: "/usr/bin/linux-sandbox -W /x -N -H -T 600 -t 5 -- echo test",
		},
		{
			name: "sub-second timeout rounds up",
			spec: WrapSpec{ExecRoot: "/x", Timeout: 200 * time.Millisecond, Command: []string{"true"}},
			want: "/usr/bin/linux-sandbox -W /x -H -T 1 -t 0 -- true",
		},
		{
			name: "input mounts sorted by source",
			spec: WrapSpec{
				ExecRoot: "/x",
				InputMounts: map[string]string{
					"/src/foo.txt": "/x/foo.txt",
					"/src/bar.txt": "/x/bar.txt",
				},
				Command: []string{"cat", "foo.txt"},
			},
			want: "/usr/bin/linux-sandbox -W /x -M /src/bar.txt -m /x/bar.txt -M /src/foo.txt -m /x/foo.txt -H -- cat foo.txt",
		},
		{
			name: "writable paths merged and deduplicated",
			cfg: func(c *config.SandboxConfig) {
				c.WritablePaths = []string{"/tmp", "/x/bin"}
			},
			spec: WrapSpec{
				ExecRoot:      "/x",
				WritablePaths: []string{"/x/out", "/x/bin"},
				Command:       []string{"cc"},
			},
			want: "/usr/bin/linux-sandbox -W /x -w /tmp -w /x/bin -w /x/out -H -- cc",
		},
		{
			name: "debug",
			cfg:  func(c *config.SandboxConfig) { c.Debug = true },
			spec: WrapSpec{ExecRoot: "/x", Command: []string{"true"}},
			want: "/usr/bin/linux-sandbox -W /x -H -D -- true",
		},
		{
			name:    "empty command",
			spec:    WrapSpec{ExecRoot: "/x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			args, err := (&Sandbox{cfg: cfg}).WrapCommand(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("WrapCommand failed: %v", err)
			}
			if got := strings.Join(args, " "); got != tt.want {
				t.Errorf("WrapCommand() =\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}
