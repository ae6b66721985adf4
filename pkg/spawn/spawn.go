// Package spawn describes a single build action as the runner sees it,
// the policy it is executed under and the result it produces.
package spawn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/actionkey"
	"github.com/colinrgodsey/gorexec/pkg/merkle"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
)

// POSIXTimeoutExitCode is reported for actions killed by their timeout
// (128 + SIGALRM).
const POSIXTimeoutExitCode = 128 + 14

// Spawn is an action to execute.
type Spawn struct {
	Mnemonic    string
	Arguments   []string
	Environment map[string]string
	// Inputs maps exec root relative paths to the local files providing
	// them. An empty local path declares an empty directory.
	Inputs            map[string]string
	OutputFiles       []string
	OutputDirectories []string
	Platform          map[string]string
	Timeout           time.Duration

	NoCache      bool // never look up or store the result
	NoRemote     bool // neither remote caching nor remote execution
	NoRemoteExec bool // remote caching only
}

// Cacheable reports whether results of s may be looked up and stored.
func (s *Spawn) Cacheable() bool {
	return !s.NoCache && !s.NoRemote
}

// RemotelyExecutable reports whether s may run on a remote executor.
func (s *Spawn) RemotelyExecutable() bool {
	return !s.NoRemote && !s.NoRemoteExec
}

// Outputs returns the declared output files and directories.
func (s *Spawn) Outputs() []string {
	out := make([]string, 0, len(s.OutputFiles)+len(s.OutputDirectories))
	out = append(out, s.OutputFiles...)
	return append(out, s.OutputDirectories...)
}

// DeclaredOutputs returns the outputs in the form the cache engine
// expects.
func (s *Spawn) DeclaredOutputs() []remotecache.DeclaredOutput {
	out := make([]remotecache.DeclaredOutput, 0, len(s.OutputFiles)+len(s.OutputDirectories))
	for _, p := range s.OutputFiles {
		out = append(out, remotecache.DeclaredOutput{Path: p})
	}
	for _, p := range s.OutputDirectories {
		out = append(out, remotecache.DeclaredOutput{Path: p, Directory: true})
	}
	return out
}

func (s *Spawn) String() string {
	if s.Mnemonic != "" {
		return s.Mnemonic
	}
	return fmt.Sprint(s.Arguments)
}

// Action is a spawn with its input tree and action key computed.
type Action struct {
	Spawn      *Spawn
	Tree       *merkle.Tree
	Descriptor *actionkey.Descriptor
}

// Key is the action cache key.
func (a *Action) Key() actionkey.Key {
	return a.Descriptor.Key
}

// NewAction builds the input tree and the canonical Action of s.
func NewAction(s *Spawn) (*Action, error) {
	tree, err := merkle.Build(s.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to build input tree: %w", err)
	}
	cmd := actionkey.NewCommand(s.Arguments, s.Environment, s.OutputFiles, s.OutputDirectories, s.Platform)
	desc, err := actionkey.New(cmd, tree.Root(), s.Timeout, s.Cacheable())
	if err != nil {
		return nil, err
	}
	return &Action{Spawn: s, Tree: tree, Descriptor: desc}, nil
}

// ExecuteRequest returns the request submitting a to a remote executor.
func (a *Action) ExecuteRequest(instanceName string, skipCacheLookup bool) *repb.ExecuteRequest {
	return &repb.ExecuteRequest{
		InstanceName:    instanceName,
		ActionDigest:    a.Descriptor.Key.Digest.ToProto(),
		SkipCacheLookup: skipCacheLookup,
	}
}

// Policy carries the context an action is executed in.
type Policy struct {
	ExecRoot string
	OutErr   remotecache.OutErr
	// Locker guards the output files against concurrent writers.
	Locker sync.Locker
	// Injector receives output metadata when outputs are not downloaded.
	Injector remotecache.MetadataInjector
	// InMemoryOutput names an output returned as bytes with the result.
	InMemoryOutput string
	// TopLevelOutputs are outputs that are always downloaded.
	TopLevelOutputs []string
}

// HasTopLevelOutput reports whether s produces any of the policy's
// top-level outputs.
func (p *Policy) HasTopLevelOutput(s *Spawn) bool {
	if len(p.TopLevelOutputs) == 0 {
		return false
	}
	top := make(map[string]bool, len(p.TopLevelOutputs))
	for _, o := range p.TopLevelOutputs {
		top[o] = true
	}
	for _, o := range s.Outputs() {
		if top[o] {
			return true
		}
	}
	return false
}

// OutputLocker returns the policy's locker, or a private mutex when none
// is set.
func (p *Policy) OutputLocker() sync.Locker {
	if p.Locker != nil {
		return p.Locker
	}
	return &sync.Mutex{}
}

// Status classifies a result.
type Status int

const (
	Success Status = iota
	NonZeroExit
	Timeout
	ExecutionFailed
	ExecutionFailedCatastrophically
	RemoteCacheFailed
)

var statusNames = map[Status]string{
	Success:                         "SUCCESS",
	NonZeroExit:                     "NON_ZERO_EXIT",
	Timeout:                         "TIMEOUT",
	ExecutionFailed:                 "EXECUTION_FAILED",
	ExecutionFailedCatastrophically: "EXECUTION_FAILED_CATASTROPHICALLY",
	RemoteCacheFailed:               "REMOTE_CACHE_FAILED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result is the outcome of an action, however it was obtained.
type Result struct {
	ExitCode       int
	Status         Status
	FailureMessage string
	InMemoryOutput *remotecache.InMemoryOutput

	CacheHit bool
	Remote   bool

	// Stdout and Stderr hold the output of local runs.
	Stdout []byte
	Stderr []byte
}

// Succeeded reports whether the action ran and exited with 0.
func (r *Result) Succeeded() bool {
	return r.Status == Success && r.ExitCode == 0
}

// ResultFromExitCode returns a Success or NonZeroExit result.
func ResultFromExitCode(code int) *Result {
	if code == 0 {
		return &Result{Status: Success}
	}
	return &Result{ExitCode: code, Status: NonZeroExit}
}

// LocalExecutor runs spawns on this machine.
type LocalExecutor interface {
	Exec(ctx context.Context, s *Spawn, p *Policy) (*Result, error)
}

// Paths returns the local input files of s, sorted.
func (s *Spawn) Paths() []string {
	out := make([]string, 0, len(s.Inputs))
	for _, local := range s.Inputs {
		if local != "" {
			out = append(out, local)
		}
	}
	sort.Strings(out)
	return out
}
