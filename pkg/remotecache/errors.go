package remotecache

import (
	"fmt"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
)

// CacheNotFoundError reports that a blob referenced by an action result
// is no longer present in the CAS. Callers treat it as a cache miss, never
// as a transport failure.
type CacheNotFoundError struct {
	Digest digest.Digest
}

func (e *CacheNotFoundError) Error() string {
	return fmt.Sprintf("missing digest %s", e.Digest)
}

// DigestMismatchError reports downloaded content whose hash differs from
// the digest it was requested by.
type DigestMismatchError struct {
	Want digest.Digest
	Got  string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("content of %s hashed to %s", e.Want, e.Got)
}

// CleanupError is returned when removing partially downloaded outputs
// failed. The state of the output tree is unknown afterwards.
type CleanupError struct {
	Cause      error
	CleanupErr error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed to delete outputs after download failure (%v): %v", e.Cause, e.CleanupErr)
}

func (e *CleanupError) Unwrap() []error {
	return []error{e.CleanupErr, e.Cause}
}
