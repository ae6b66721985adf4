package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// LocalStore is the on-disk cache: blobs under cas/ and action results
// under ac/, both sharded by the first two bytes of the hash.
type LocalStore struct {
	rootDir          string
	forceUpdateATime bool
	onPut            func()
	logger           *slog.Logger
}

func NewLocalStore(rootDir string, forceUpdateATime bool) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, "cas"), 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(rootDir, "ac"), 0755); err != nil {
		return nil, err
	}
	return &LocalStore{
		rootDir:          rootDir,
		forceUpdateATime: forceUpdateATime,
		logger:           slog.Default().With("component", "localstore"),
	}, nil
}

// SetOnPut registers fn to be called after every stored blob.
func (s *LocalStore) SetOnPut(fn func()) {
	s.onPut = fn
}

func (s *LocalStore) RootDir() string {
	return s.rootDir
}

func shardedPath(root, kind, hash string) (string, error) {
	if len(hash) < 4 {
		return "", fmt.Errorf("invalid hash %q", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", fmt.Errorf("invalid hash %q: %w", hash, err)
	}
	// {root}/{kind}/{ab}/{cd}/{hash}
	return filepath.Join(root, kind, hash[0:2], hash[2:4], hash), nil
}

// BlobPath returns the file holding the blob d.
func (s *LocalStore) BlobPath(digest Digest) (string, error) {
	return shardedPath(s.rootDir, "cas", digest.Hash)
}

func (s *LocalStore) touch(path string) {
	if s.forceUpdateATime {
		now := time.Now()
		_ = os.Chtimes(path, now, now)
	}
}

func (s *LocalStore) Has(ctx context.Context, digest Digest) (bool, error) {
	path, err := s.BlobPath(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.touch(path)
	return true, nil
}

// Get opens the blob d. A missing blob yields an error matching
// os.ErrNotExist.
func (s *LocalStore) Get(ctx context.Context, digest Digest) (io.ReadCloser, error) {
	path, err := s.BlobPath(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s.touch(path)
	return f, nil
}

// Put stores data under digest after checking its size and hash.
func (s *LocalStore) Put(ctx context.Context, digest Digest, data io.Reader) error {
	path, err := s.BlobPath(digest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.logger.Error("failed to create directory", "path", filepath.Dir(path), "error", err)
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), digest.Hash+".tmp-*")
	if err != nil {
		s.logger.Error("failed to create temp file", "path", path, "error", err)
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()
	defer func() {
		f.Close()
		os.Remove(tmpPath) // no-op once renamed
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), data)
	if err != nil {
		s.logger.Error("failed to write data", "hash", digest.Hash, "size", digest.Size, "written", n, "error", err)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if n != digest.Size {
		return fmt.Errorf("digest size mismatch: expected %d, got %d", digest.Size, n)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != digest.Hash {
		return fmt.Errorf("digest hash mismatch: expected %s, got %s", digest.Hash, got)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		s.logger.Error("failed to rename temp file", "from", tmpPath, "to", path, "error", err)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	s.stored()
	return nil
}

// PutFile stores the local file src under digest, hardlinking it when
// src is on the same filesystem. The caller vouches for the digest.
func (s *LocalStore) PutFile(ctx context.Context, digest Digest, src string) error {
	path, err := s.BlobPath(digest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Link(src, path); err == nil || errors.Is(err, os.ErrExist) {
		s.stored()
		return nil
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Put(ctx, digest, f)
}

func (s *LocalStore) stored() {
	if s.onPut != nil {
		s.onPut()
	}
}

func (s *LocalStore) actionPath(digest Digest) (string, error) {
	return shardedPath(s.rootDir, "ac", digest.Hash)
}

// GetActionResult returns the stored result of the action digest. A miss
// yields an error matching os.ErrNotExist.
func (s *LocalStore) GetActionResult(ctx context.Context, digest Digest) (*repb.ActionResult, error) {
	path, err := s.actionPath(digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s.touch(path)

	var result repb.ActionResult
	if err := proto.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("corrupt action result %s: %w", digest, err)
	}
	return &result, nil
}

func (s *LocalStore) UpdateActionResult(ctx context.Context, digest Digest, result *repb.ActionResult) error {
	data, err := proto.Marshal(result)
	if err != nil {
		return err
	}
	path, err := s.actionPath(digest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), digest.Hash+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
