package remotecache

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/actionkey"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
)

// FileMetadata is a file of an action result, resolved to its final
// location.
type FileMetadata struct {
	Path         string
	Digest       digest.Digest
	IsExecutable bool
}

// SymlinkMetadata is a symlink of an action result. Target is as stored
// in the result and may still be absolute; it is validated before any
// symlink is created.
type SymlinkMetadata struct {
	Path   string
	Target string
}

// DirectoryMetadata is the flattened content of an output directory.
// Directories lists every directory of the tree, including empty ones.
type DirectoryMetadata struct {
	Files       []FileMetadata
	Symlinks    []SymlinkMetadata
	Directories []string
}

// ActionResultMetadata is every output of an action result with absolute
// paths computed once.
type ActionResultMetadata struct {
	Files       map[string]FileMetadata
	Symlinks    map[string]SymlinkMetadata
	Directories map[string]DirectoryMetadata
}

// File returns the metadata of the output file at path.
func (m *ActionResultMetadata) File(path string) (FileMetadata, bool) {
	f, ok := m.Files[path]
	return f, ok
}

// Directory returns the metadata of the output directory at path.
func (m *ActionResultMetadata) Directory(path string) (DirectoryMetadata, bool) {
	d, ok := m.Directories[path]
	return d, ok
}

// AllFiles returns top-level files and files nested in output directories.
func (m *ActionResultMetadata) AllFiles() []FileMetadata {
	var out []FileMetadata
	for _, f := range m.Files {
		out = append(out, f)
	}
	for _, d := range m.Directories {
		out = append(out, d.Files...)
	}
	return out
}

// AllSymlinks returns top-level symlinks and symlinks nested in output
// directories.
func (m *ActionResultMetadata) AllSymlinks() []SymlinkMetadata {
	var out []SymlinkMetadata
	for _, s := range m.Symlinks {
		out = append(out, s)
	}
	for _, d := range m.Directories {
		out = append(out, d.Symlinks...)
	}
	return out
}

func (e *Engine) parseActionResultMetadata(ctx context.Context, result *repb.ActionResult, execRoot string) (*ActionResultMetadata, error) {
	ctx, span := e.tracer.Start(ctx, "remotecache.parseActionResultMetadata")
	defer span.End()

	dirs := make([]DirectoryMetadata, len(result.OutputDirectories))
	g, gctx := errgroup.WithContext(ctx)
	for i, dir := range result.OutputDirectories {
		g.Go(func() error {
			tree, err := e.fetchTree(gctx, dir)
			if err != nil {
				return err
			}
			md, err := parseDirectory(filepath.Join(execRoot, dir.Path), tree)
			if err != nil {
				return fmt.Errorf("invalid tree for %s: %w", dir.Path, err)
			}
			dirs[i] = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	md := &ActionResultMetadata{
		Files:       map[string]FileMetadata{},
		Symlinks:    map[string]SymlinkMetadata{},
		Directories: map[string]DirectoryMetadata{},
	}
	for i, dir := range result.OutputDirectories {
		md.Directories[filepath.Join(execRoot, dir.Path)] = dirs[i]
	}
	for _, f := range result.OutputFiles {
		d, err := digest.NewFromProto(f.Digest)
		if err != nil {
			return nil, fmt.Errorf("invalid digest for %s: %w", f.Path, err)
		}
		p := filepath.Join(execRoot, f.Path)
		md.Files[p] = FileMetadata{Path: p, Digest: d, IsExecutable: f.IsExecutable}
	}
	for _, links := range [][]*repb.OutputSymlink{result.OutputFileSymlinks, result.OutputDirectorySymlinks} {
		for _, s := range links {
			p := filepath.Join(execRoot, s.Path)
			md.Symlinks[p] = SymlinkMetadata{Path: p, Target: s.Target}
		}
	}
	return md, nil
}

func (e *Engine) fetchTree(ctx context.Context, dir *repb.OutputDirectory) (*repb.Tree, error) {
	d, err := digest.NewFromProto(dir.TreeDigest)
	if err != nil {
		return nil, fmt.Errorf("invalid tree digest for %s: %w", dir.Path, err)
	}
	var buf bytes.Buffer
	if err := e.cache.DownloadBlob(ctx, d, &buf); err != nil {
		return nil, err
	}
	tree := &repb.Tree{}
	if err := proto.Unmarshal(buf.Bytes(), tree); err != nil {
		return nil, fmt.Errorf("failed to parse tree %s: %w", d, err)
	}
	return tree, nil
}

// parseDirectory flattens tree into metadata rooted at path. Children are
// indexed by the digest of their serialized form.
func parseDirectory(path string, tree *repb.Tree) (DirectoryMetadata, error) {
	children := make(map[digest.Digest]*repb.Directory, len(tree.Children))
	for _, child := range tree.Children {
		d, _, err := actionkey.DigestOf(child)
		if err != nil {
			return DirectoryMetadata{}, err
		}
		children[d] = child
	}

	var md DirectoryMetadata
	if tree.Root == nil {
		md.Directories = append(md.Directories, path)
		return md, nil
	}
	err := flatten(path, tree.Root, children, &md)
	return md, err
}

func flatten(path string, dir *repb.Directory, children map[digest.Digest]*repb.Directory, md *DirectoryMetadata) error {
	md.Directories = append(md.Directories, path)
	for _, f := range dir.Files {
		d, err := digest.NewFromProto(f.Digest)
		if err != nil {
			return err
		}
		md.Files = append(md.Files, FileMetadata{
			Path:         filepath.Join(path, f.Name),
			Digest:       d,
			IsExecutable: f.IsExecutable,
		})
	}
	for _, s := range dir.Symlinks {
		md.Symlinks = append(md.Symlinks, SymlinkMetadata{
			Path:   filepath.Join(path, s.Name),
			Target: s.Target,
		})
	}
	for _, sub := range dir.Directories {
		d, err := digest.NewFromProto(sub.Digest)
		if err != nil {
			return err
		}
		child, ok := children[d]
		if !ok {
			return fmt.Errorf("directory %s references missing child %s", sub.Name, d)
		}
		if err := flatten(filepath.Join(path, sub.Name), child, children, md); err != nil {
			return err
		}
	}
	return nil
}
