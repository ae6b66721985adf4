package local

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/colinrgodsey/gorexec/pkg/config"
)

// Sandbox runs local spawns under linux-sandbox.
type Sandbox struct {
	cfg    config.SandboxConfig
	logger *slog.Logger
}

// NewSandbox returns nil when sandboxing is disabled, and an error when
// it is enabled but the binary cannot be found.
func NewSandbox(cfg config.SandboxConfig) (*Sandbox, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	path, err := exec.LookPath(cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("linux-sandbox binary not found at %s: %w", cfg.BinaryPath, err)
	}
	cfg.BinaryPath = path
	return &Sandbox{
		cfg:    cfg,
		logger: slog.Default().With("component", "sandbox"),
	}, nil
}

// WrapSpec describes one sandboxed run.
type WrapSpec struct {
	// ExecRoot is the writable working directory.
	ExecRoot string
	// InputMounts maps local files to their paths inside the exec root.
	// They are mounted read-only.
	InputMounts map[string]string
	// WritablePaths are the output locations.
	WritablePaths []string
	Timeout       time.Duration
	Command       []string
}

// WrapCommand returns the linux-sandbox invocation running spec.Command.
func (s *Sandbox) WrapCommand(spec WrapSpec) ([]string, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("command cannot be empty")
	}

	args := []string{s.cfg.BinaryPath, "-W", spec.ExecRoot}

	sources := make([]string, 0, len(spec.InputMounts))
	for source := range spec.InputMounts {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		args = append(args, "-M", source, "-m", spec.InputMounts[source])
	}

	writable := append(append([]string(nil), s.cfg.WritablePaths...), spec.WritablePaths...)
	sort.Strings(writable)
	for i, p := range writable {
		if i > 0 && writable[i-1] == p {
			continue
		}
		args = append(args, "-w", p)
	}

	if s.cfg.NetworkIsolation {
		args = append(args, "-N")
	}
	args = append(args, "-H")

	if spec.Timeout > 0 {
		secs := int(spec.Timeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		args = append(args, "-T", strconv.Itoa(secs), "-t", strconv.Itoa(s.cfg.KillDelay))
	}
	if s.cfg.Debug {
		args = append(args, "-D")
	}

	args = append(args, "--")
	return append(args, spec.Command...), nil
}

// Enabled reports whether s wraps commands.
func (s *Sandbox) Enabled() bool {
	return s != nil && s.cfg.Enabled
}
