// Package merkle maps the declared inputs of an action onto a tree of
// Directory messages whose root digest becomes the action's input root.
package merkle

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/actionkey"
	"google.golang.org/protobuf/proto"
)

// Tree is the result of Build. It is immutable.
type Tree struct {
	root  digest.Digest
	dirs  map[digest.Digest][]byte
	files map[digest.Digest]string
	paths []string
}

type node struct {
	files map[string]*repb.FileNode
	dirs  map[string]*node
}

func newNode() *node {
	return &node{files: map[string]*repb.FileNode{}, dirs: map[string]*node{}}
}

// Build computes the input tree for inputs, which maps exec-root relative
// paths to the local files that provide them. An empty local path
// declares an empty directory. A path may name a file or a directory,
// never both.
func Build(inputs map[string]string) (*Tree, error) {
	t := &Tree{
		dirs:  map[digest.Digest][]byte{},
		files: map[digest.Digest]string{},
	}

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	root := newNode()
	for _, name := range names {
		clean := path.Clean(name)
		if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, fmt.Errorf("invalid input path %q", name)
		}
		parts := strings.Split(clean, "/")
		n := root
		for i, part := range parts[:len(parts)-1] {
			if _, ok := n.files[part]; ok {
				return nil, fmt.Errorf("input %s is below file input %s", name, strings.Join(parts[:i+1], "/"))
			}
			child, ok := n.dirs[part]
			if !ok {
				child = newNode()
				n.dirs[part] = child
			}
			n = child
		}
		base := parts[len(parts)-1]

		local := inputs[name]
		if _, ok := n.files[base]; ok {
			return nil, fmt.Errorf("input %s collides with a file input", name)
		}
		if local == "" {
			if _, ok := n.dirs[base]; !ok {
				n.dirs[base] = newNode()
			}
			continue
		}

		if _, ok := n.dirs[base]; ok {
			return nil, fmt.Errorf("file input %s is also a directory", name)
		}

		info, err := os.Stat(local)
		if err != nil {
			return nil, fmt.Errorf("failed to stat input %s: %w", name, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("input %s is not a regular file", name)
		}
		d, err := digest.NewFromFile(local)
		if err != nil {
			return nil, fmt.Errorf("failed to digest input %s: %w", name, err)
		}
		n.files[base] = &repb.FileNode{
			Name:         base,
			Digest:       d.ToProto(),
			IsExecutable: info.Mode()&0111 != 0,
		}
		t.files[d] = local
		t.paths = append(t.paths, local)
	}

	rootDigest, err := t.addNode(root)
	if err != nil {
		return nil, err
	}
	t.root = rootDigest
	return t, nil
}

func (t *Tree) addNode(n *node) (digest.Digest, error) {
	dir := &repb.Directory{}

	fileNames := make([]string, 0, len(n.files))
	for name := range n.files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	for _, name := range fileNames {
		dir.Files = append(dir.Files, n.files[name])
	}

	dirNames := make([]string, 0, len(n.dirs))
	for name := range n.dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		d, err := t.addNode(n.dirs[name])
		if err != nil {
			return digest.Digest{}, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{
			Name:   name,
			Digest: d.ToProto(),
		})
	}

	d, blob, err := actionkey.DigestOf(dir)
	if err != nil {
		return digest.Digest{}, err
	}
	t.dirs[d] = blob
	return d, nil
}

// Root returns the digest of the root Directory.
func (t *Tree) Root() digest.Digest {
	return t.root
}

// Digests returns every digest referenced by the tree: directory blobs
// and input files.
func (t *Tree) Digests() []digest.Digest {
	out := make([]digest.Digest, 0, len(t.dirs)+len(t.files))
	for d := range t.dirs {
		out = append(out, d)
	}
	for d := range t.files {
		out = append(out, d)
	}
	return out
}

// DirectoryBlob returns the serialized Directory addressed by d.
func (t *Tree) DirectoryBlob(d digest.Digest) ([]byte, bool) {
	blob, ok := t.dirs[d]
	return blob, ok
}

// Directory returns the Directory addressed by d.
func (t *Tree) Directory(d digest.Digest) (*repb.Directory, bool) {
	blob, ok := t.dirs[d]
	if !ok {
		return nil, false
	}
	dir := &repb.Directory{}
	if err := proto.Unmarshal(blob, dir); err != nil {
		return nil, false
	}
	return dir, true
}

// InputFile returns a local file whose content has digest d.
func (t *Tree) InputFile(d digest.Digest) (string, bool) {
	p, ok := t.files[d]
	return p, ok
}

// Paths returns the local paths of every input file, sorted by their
// exec-root relative name.
func (t *Tree) Paths() []string {
	return t.paths
}
