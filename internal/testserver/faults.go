package testserver

import (
	"context"
	"path"
	"sync"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const requestMetadataKey = "build.bazel.remote.execution.v2.requestmetadata-bin"

type readFault struct {
	remaining int
	after     int64
}

// Faults records the calls a server received and injects failures into
// them. The zero value injects nothing.
type Faults struct {
	mu          sync.Mutex
	calls       map[string]int
	failures    map[string][]codes.Code
	reads       map[string]*readFault
	corrupt     map[digest.Digest][]byte
	metadata    []*repb.RequestMetadata
	findMissing [][]*repb.Digest
}

// FailNext makes the next calls to method (for example "FindMissingBlobs"
// or "Write") fail with the given codes, one per call.
func (f *Faults) FailNext(method string, cs ...codes.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = map[string][]codes.Code{}
	}
	f.failures[method] = append(f.failures[method], cs...)
}

// BreakReads makes the next n reads of d fail with UNAVAILABLE after
// after bytes were sent.
func (f *Faults) BreakReads(d digest.Digest, n int, after int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reads == nil {
		f.reads = map[string]*readFault{}
	}
	f.reads[d.Hash] = &readFault{remaining: n, after: after}
}

// Corrupt serves data instead of the stored content of d.
func (f *Faults) Corrupt(d digest.Digest, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.corrupt == nil {
		f.corrupt = map[digest.Digest][]byte{}
	}
	f.corrupt[d] = data
}

// Calls returns how many times method was called.
func (f *Faults) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// RequestMetadata returns the RequestMetadata of every call, in order.
func (f *Faults) RequestMetadata() []*repb.RequestMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*repb.RequestMetadata(nil), f.metadata...)
}

// FindMissingBatches returns the digests of every FindMissingBlobs call.
func (f *Faults) FindMissingBatches() [][]*repb.Digest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*repb.Digest(nil), f.findMissing...)
}

func (f *Faults) recordFindMissing(digests []*repb.Digest) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findMissing = append(f.findMissing, digests)
}

func (f *Faults) readFault(d digest.Digest) (int64, bool) {
	if f == nil {
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rf, ok := f.reads[d.Hash]
	if !ok || rf.remaining == 0 {
		return 0, false
	}
	rf.remaining--
	return rf.after, true
}

func (f *Faults) corrupted(d digest.Digest) ([]byte, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.corrupt[d]
	return data, ok
}

// enter records a call to fullMethod and returns the injected failure,
// if any.
func (f *Faults) enter(ctx context.Context, fullMethod string) error {
	method := path.Base(fullMethod)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[method]++
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(requestMetadataKey); len(values) > 0 {
			rm := &repb.RequestMetadata{}
			if proto.Unmarshal([]byte(values[0]), rm) == nil {
				f.metadata = append(f.metadata, rm)
			}
		}
	}
	if queued := f.failures[method]; len(queued) > 0 {
		f.failures[method] = queued[1:]
		return status.Errorf(queued[0], "injected failure of %s", method)
	}
	return nil
}

func (f *Faults) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := f.enter(ctx, info.FullMethod); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (f *Faults) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := f.enter(ss.Context(), info.FullMethod); err != nil {
		return err
	}
	return handler(srv, ss)
}
