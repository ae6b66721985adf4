// Package storage holds the blob and action result store interfaces and
// the on-disk store backing the local cache tier and the test server.
package storage

import (
	"context"
	"io"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

type Digest = digest.Digest

// FromProto validates d and converts it.
func FromProto(d *repb.Digest) (Digest, error) {
	return digest.NewFromProto(d)
}

// BlobStore holds CAS blobs. Get of a missing blob fails with an error
// matching os.ErrNotExist.
type BlobStore interface {
	Has(ctx context.Context, d Digest) (bool, error)
	Get(ctx context.Context, d Digest) (io.ReadCloser, error)
	Put(ctx context.Context, d Digest, data io.Reader) error
}

// ActionCache maps action digests to their results.
type ActionCache interface {
	GetActionResult(ctx context.Context, action Digest) (*repb.ActionResult, error)
	UpdateActionResult(ctx context.Context, action Digest, result *repb.ActionResult) error
}

var (
	_ BlobStore   = (*LocalStore)(nil)
	_ ActionCache = (*LocalStore)(nil)
)
