package testserver

import (
	"bytes"
	"context"
	"errors"
	"io/fs"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/colinrgodsey/gorexec/pkg/storage"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func parseDigest(d *repb.Digest) (storage.Digest, error) {
	dg, err := storage.FromProto(d)
	if err != nil {
		return dg, status.Errorf(codes.InvalidArgument, "invalid digest %v: %v", d, err)
	}
	return dg, nil
}

// CASServer answers missing-blob queries and batch uploads from a store.
type CASServer struct {
	repb.UnimplementedContentAddressableStorageServer
	Store  storage.BlobStore
	Faults *Faults
}

func (s *CASServer) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	s.Faults.recordFindMissing(req.BlobDigests)
	var missing []*repb.Digest
	for _, d := range req.BlobDigests {
		dg, err := parseDigest(d)
		if err != nil {
			return nil, err
		}
		ok, err := s.Store.Has(ctx, dg)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to look up %s: %v", dg, err)
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	return &repb.FindMissingBlobsResponse{MissingBlobDigests: missing}, nil
}

func (s *CASServer) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		st := &rpcstatus.Status{}
		if dg, err := parseDigest(r.Digest); err != nil {
			st = status.Convert(err).Proto()
		} else if err := s.Store.Put(ctx, dg, bytes.NewReader(r.Data)); err != nil {
			st = &rpcstatus.Status{Code: int32(codes.Internal), Message: err.Error()}
		}
		resp.Responses = append(resp.Responses, &repb.BatchUpdateBlobsResponse_Response{Digest: r.Digest, Status: st})
	}
	return resp, nil
}

// ACServer serves action results from a store.
type ACServer struct {
	repb.UnimplementedActionCacheServer
	Store storage.ActionCache
}

func (s *ACServer) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	dg, err := parseDigest(req.ActionDigest)
	if err != nil {
		return nil, err
	}
	res, err := s.Store.GetActionResult(ctx, dg)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, status.Errorf(codes.NotFound, "no result for action %s", dg)
	case err != nil:
		return nil, status.Errorf(codes.Internal, "failed to read result of %s: %v", dg, err)
	}
	return res, nil
}

func (s *ACServer) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	dg, err := parseDigest(req.ActionDigest)
	if err != nil {
		return nil, err
	}
	if req.ActionResult == nil {
		return nil, status.Error(codes.InvalidArgument, "action_result is required")
	}
	if err := s.Store.UpdateActionResult(ctx, dg, req.ActionResult); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to store result of %s: %v", dg, err)
	}
	return req.ActionResult, nil
}

// CapabilitiesServer advertises SHA-256, zstd and, optionally, execution.
type CapabilitiesServer struct {
	repb.UnimplementedCapabilitiesServer
	ExecEnabled bool
}

func (s *CapabilitiesServer) GetCapabilities(context.Context, *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	return &repb.ServerCapabilities{
		CacheCapabilities: &repb.CacheCapabilities{
			DigestFunctions:               []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &repb.ActionCacheUpdateCapabilities{UpdateEnabled: true},
			MaxBatchTotalSizeBytes:        4 << 20,
			SupportedCompressors:          []repb.Compressor_Value{repb.Compressor_ZSTD},
		},
		ExecutionCapabilities: &repb.ExecutionCapabilities{
			DigestFunction: repb.DigestFunction_SHA256,
			ExecEnabled:    s.ExecEnabled,
		},
		LowApiVersion:  &semver.SemVer{Major: 2},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 3},
	}, nil
}
