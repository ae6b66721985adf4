// Package actionkey builds the canonical Command and Action messages of a
// build action and derives the action key used to address the action
// cache.
//
// Two logically identical actions must produce byte-identical Action
// messages, so everything whose order carries no meaning (environment
// variables, output paths, platform properties) is sorted before hashing.
package actionkey

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Key is the digest of a canonicalized Action message.
type Key struct {
	Digest digest.Digest
}

func (k Key) String() string {
	return k.Digest.String()
}

// Descriptor carries an action, its command and their serialized forms.
// The blobs are exactly the bytes that were hashed; they are uploaded
// as-is whenever the action is executed remotely or its result is
// stored.
type Descriptor struct {
	Command       *repb.Command
	CommandBlob   []byte
	CommandDigest digest.Digest

	Action     *repb.Action
	ActionBlob []byte

	Key Key
}

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Marshal serializes m deterministically.
func Marshal(m proto.Message) ([]byte, error) {
	return marshalOptions.Marshal(m)
}

// DigestOf returns the digest of the deterministic serialization of m
// along with the serialized bytes.
func DigestOf(m proto.Message) (digest.Digest, []byte, error) {
	blob, err := Marshal(m)
	if err != nil {
		return digest.Digest{}, nil, err
	}
	return digest.NewFromBlob(blob), blob, nil
}

// NewCommand builds a Command with all unordered collections sorted.
// Argument order is preserved.
func NewCommand(args []string, env map[string]string, outputFiles, outputDirs []string, platform map[string]string) *repb.Command {
	cmd := &repb.Command{
		Arguments:         slices.Clone(args),
		OutputFiles:       sortedUnique(outputFiles),
		OutputDirectories: sortedUnique(outputDirs),
	}
	cmd.OutputPaths = sortedUnique(append(slices.Clone(outputFiles), outputDirs...))

	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables, &repb.Command_EnvironmentVariable{
			Name:  name,
			Value: env[name],
		})
	}

	if len(platform) > 0 {
		props := make([]string, 0, len(platform))
		for name := range platform {
			props = append(props, name)
		}
		sort.Strings(props)
		cmd.Platform = &repb.Platform{}
		for _, name := range props {
			cmd.Platform.Properties = append(cmd.Platform.Properties, &repb.Platform_Property{
				Name:  name,
				Value: platform[name],
			})
		}
	}
	return cmd
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	sort.Strings(out)
	return slices.Compact(out)
}

// New serializes cmd, builds the Action referencing it and the input
// root, and computes the action key. A zero timeout leaves the field
// unset.
func New(cmd *repb.Command, inputRoot digest.Digest, timeout time.Duration, cacheable bool) (*Descriptor, error) {
	cmdDigest, cmdBlob, err := DigestOf(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	action := &repb.Action{
		CommandDigest:   cmdDigest.ToProto(),
		InputRootDigest: inputRoot.ToProto(),
		DoNotCache:      !cacheable,
	}
	if timeout > 0 {
		action.Timeout = durationpb.New(timeout)
	}
	if cmd.Platform != nil {
		action.Platform = cmd.Platform
	}

	actionDigest, actionBlob, err := DigestOf(action)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action: %w", err)
	}

	return &Descriptor{
		Command:       cmd,
		CommandBlob:   cmdBlob,
		CommandDigest: cmdDigest,
		Action:        action,
		ActionBlob:    actionBlob,
		Key:           Key{Digest: actionDigest},
	}, nil
}

// Blobs returns the action and command blobs keyed by digest.
func (d *Descriptor) Blobs() map[digest.Digest][]byte {
	return map[digest.Digest][]byte{
		d.Key.Digest:    d.ActionBlob,
		d.CommandDigest: d.CommandBlob,
	}
}
