// Package manifest turns the outputs of a finished action into an
// ActionResult plus the set of blobs that must be present in the CAS for
// that result to be usable.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/uploadinfo"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/actionkey"
)

// IllegalOutputError reports an output that cannot be stored in the
// cache, such as a FIFO, a socket or a device node.
type IllegalOutputError struct {
	Path   string
	Reason string
}

func (e *IllegalOutputError) Error() string {
	return fmt.Sprintf("illegal output %s: %s", e.Path, e.Reason)
}

type Options struct {
	// AllowSymlinks records relative symlinks as symlinks. Otherwise, and
	// for absolute targets, symlinks are followed.
	AllowSymlinks bool
}

// Manifest is the immutable result of a Builder.
type Manifest struct {
	result  *repb.ActionResult
	entries map[digest.Digest]*uploadinfo.Entry
}

// Result returns the ActionResult describing the outputs.
func (m *Manifest) Result() *repb.ActionResult {
	return m.result
}

// Digests returns every digest the manifest can provide, sorted.
func (m *Manifest) Digests() []digest.Digest {
	out := make([]digest.Digest, 0, len(m.entries))
	for d := range m.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// Entry returns the local file or in-memory blob realizing d.
func (m *Manifest) Entry(d digest.Digest) (*uploadinfo.Entry, bool) {
	ue, ok := m.entries[d]
	return ue, ok
}

// Open returns the content of d, reading it from disk for file entries.
func (m *Manifest) Open(d digest.Digest) (io.ReadCloser, error) {
	ue, ok := m.entries[d]
	if !ok {
		return nil, fmt.Errorf("digest %s is not part of the manifest", d)
	}
	if ue.IsBlob() {
		return io.NopCloser(bytes.NewReader(ue.Contents)), nil
	}
	return os.Open(ue.Path)
}

// Size returns the number of distinct blobs.
func (m *Manifest) Size() int {
	return len(m.entries)
}

// Builder accumulates outputs. It is not safe for concurrent use and
// must not be reused after Build.
type Builder struct {
	execRoot string
	opts     Options
	result   *repb.ActionResult
	entries  map[digest.Digest]*uploadinfo.Entry
}

func NewBuilder(execRoot string, opts Options) *Builder {
	return &Builder{
		execRoot: execRoot,
		opts:     opts,
		result:   &repb.ActionResult{},
		entries:  map[digest.Digest]*uploadinfo.Entry{},
	}
}

func (b *Builder) SetExitCode(code int) {
	b.result.ExitCode = int32(code)
}

// SetOutErr records stdout and stderr. Empty streams are left unset.
func (b *Builder) SetOutErr(stdout, stderr []byte) {
	if len(stdout) > 0 {
		b.result.StdoutDigest = b.addBlob(stdout).ToProto()
	}
	if len(stderr) > 0 {
		b.result.StderrDigest = b.addBlob(stderr).ToProto()
	}
}

// AddDescriptor adds the serialized action and command. They are stored
// whole, never split.
func (b *Builder) AddDescriptor(d *actionkey.Descriptor) {
	b.entries[d.Key.Digest] = uploadinfo.EntryFromBlob(d.ActionBlob)
	b.entries[d.CommandDigest] = uploadinfo.EntryFromBlob(d.CommandBlob)
}

func (b *Builder) addBlob(blob []byte) digest.Digest {
	ue := uploadinfo.EntryFromBlob(blob)
	b.entries[ue.Digest] = ue
	return ue.Digest
}

func (b *Builder) addFile(path string) (digest.Digest, error) {
	d, err := digest.NewFromFile(path)
	if err != nil {
		return digest.Digest{}, err
	}
	b.entries[d] = uploadinfo.EntryFromFile(d, path)
	return d, nil
}

// AddOutputs classifies and records each declared output, relative to the
// exec root. Outputs that do not exist are skipped.
func (b *Builder) AddOutputs(paths []string) error {
	for _, rel := range paths {
		if err := b.addOutput(rel); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) addOutput(rel string) error {
	abs := filepath.Join(b.execRoot, rel)
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat output %s: %w", rel, err)
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(abs)
		if err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", rel, err)
		}
		if b.opts.AllowSymlinks && !filepath.IsAbs(target) {
			symlink := &repb.OutputSymlink{Path: rel, Target: target}
			if resolved, err := os.Stat(abs); err == nil && resolved.IsDir() {
				b.result.OutputDirectorySymlinks = append(b.result.OutputDirectorySymlinks, symlink)
			} else {
				b.result.OutputFileSymlinks = append(b.result.OutputFileSymlinks, symlink)
			}
			return nil
		}
		info, err = os.Stat(abs)
		if err != nil {
			return fmt.Errorf("failed to resolve symlink %s: %w", rel, err)
		}
	}

	switch {
	case info.Mode().IsRegular():
		d, err := b.addFile(abs)
		if err != nil {
			return fmt.Errorf("failed to digest output %s: %w", rel, err)
		}
		b.result.OutputFiles = append(b.result.OutputFiles, &repb.OutputFile{
			Path:         rel,
			Digest:       d.ToProto(),
			IsExecutable: info.Mode()&0111 != 0,
		})
	case info.IsDir():
		tree := &repb.Tree{}
		root, err := b.addDirectory(abs, tree)
		if err != nil {
			return err
		}
		tree.Root = root
		treeBlob, err := actionkey.Marshal(tree)
		if err != nil {
			return err
		}
		treeDigest := b.addBlob(treeBlob)
		b.result.OutputDirectories = append(b.result.OutputDirectories, &repb.OutputDirectory{
			Path:       rel,
			TreeDigest: treeDigest.ToProto(),
		})
	default:
		return &IllegalOutputError{Path: rel, Reason: "only regular files, directories and symlinks may be outputs"}
	}
	return nil
}

// addDirectory builds the Directory for dir and appends every descendant
// Directory to tree.Children. os.ReadDir returns entries sorted by name.
func (b *Builder) addDirectory(dir string, tree *repb.Tree) (*repb.Directory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := &repb.Directory{}
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		info, err := os.Lstat(p)
		if err != nil {
			return nil, err
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return nil, err
			}
			if b.opts.AllowSymlinks && !filepath.IsAbs(target) {
				out.Symlinks = append(out.Symlinks, &repb.SymlinkNode{
					Name:   entry.Name(),
					Target: target,
				})
				continue
			}
			info, err = os.Stat(p)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve symlink %s: %w", p, err)
			}
		}

		switch {
		case info.Mode().IsRegular():
			d, err := b.addFile(p)
			if err != nil {
				return nil, err
			}
			out.Files = append(out.Files, &repb.FileNode{
				Name:         entry.Name(),
				Digest:       d.ToProto(),
				IsExecutable: info.Mode()&0111 != 0,
			})
		case info.IsDir():
			child, err := b.addDirectory(p, tree)
			if err != nil {
				return nil, err
			}
			d, _, err := actionkey.DigestOf(child)
			if err != nil {
				return nil, err
			}
			out.Directories = append(out.Directories, &repb.DirectoryNode{
				Name:   entry.Name(),
				Digest: d.ToProto(),
			})
			tree.Children = append(tree.Children, child)
		default:
			rel, _ := filepath.Rel(b.execRoot, p)
			return nil, &IllegalOutputError{Path: rel, Reason: "only regular files, directories and symlinks may be outputs"}
		}
	}
	return out, nil
}

// Build returns the manifest. The builder must not be used afterwards.
func (b *Builder) Build() *Manifest {
	m := &Manifest{result: b.result, entries: b.entries}
	b.result = nil
	b.entries = nil
	return m
}
