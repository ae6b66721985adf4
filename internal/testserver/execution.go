package testserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	longrunning "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/storage"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// ExecuteFunc computes the outcome of an execution. A returned error
// becomes the operation's error.
type ExecuteFunc func(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error)

type operation struct {
	name   string
	action *repb.Digest
	done   chan struct{}
	resp   *repb.ExecuteResponse
	err    error
}

func (op *operation) toProto() (*longrunning.Operation, error) {
	stage := repb.ExecutionStage_EXECUTING
	select {
	case <-op.done:
		stage = repb.ExecutionStage_COMPLETED
	default:
	}
	md, err := anypb.New(&repb.ExecuteOperationMetadata{Stage: stage, ActionDigest: op.action})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	out := &longrunning.Operation{Name: op.name, Metadata: md}
	if stage != repb.ExecutionStage_COMPLETED {
		return out, nil
	}

	out.Done = true
	if op.err != nil {
		out.Result = &longrunning.Operation_Error{Error: status.Convert(op.err).Proto()}
		return out, nil
	}
	resp, err := anypb.New(op.resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	out.Result = &longrunning.Operation_Response{Response: resp}
	return out, nil
}

// ExecutionServer runs actions through an ExecuteFunc and stores
// successful results in the action cache.
type ExecutionServer struct {
	repb.UnimplementedExecutionServer
	ActionCache storage.ActionCache

	mu           sync.Mutex
	execute      ExecuteFunc
	breakStreams int
	operations   map[string]*operation
	requests     []*repb.ExecuteRequest
	logger       *slog.Logger
}

func NewExecutionServer(ac storage.ActionCache) *ExecutionServer {
	return &ExecutionServer{
		ActionCache: ac,
		operations:  map[string]*operation{},
		logger:      slog.Default().With("component", "testserver.execution"),
	}
}

func (s *ExecutionServer) SetExecute(fn ExecuteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execute = fn
}

// BreakStreams makes the next n Execute streams fail with UNAVAILABLE
// right after the operation name was sent. The execution continues and
// can be awaited with WaitExecution.
func (s *ExecutionServer) BreakStreams(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakStreams = n
}

// Requests returns every ExecuteRequest received.
func (s *ExecutionServer) Requests() []*repb.ExecuteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*repb.ExecuteRequest(nil), s.requests...)
}

func (s *ExecutionServer) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	ctx := stream.Context()
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.execute
	broken := s.breakStreams > 0
	if broken {
		s.breakStreams--
	}
	s.mu.Unlock()

	if !req.SkipCacheLookup {
		if dg, err := storage.FromProto(req.ActionDigest); err == nil {
			if result, err := s.ActionCache.GetActionResult(ctx, dg); err == nil {
				op := &operation{
					name:   "operations/" + uuid.NewString(),
					action: req.ActionDigest,
					done:   make(chan struct{}),
					resp:   &repb.ExecuteResponse{Result: result, CachedResult: true},
				}
				close(op.done)
				return s.send(stream, op)
			}
		}
	}

	if fn == nil {
		return status.Error(codes.Unimplemented, "execution is not enabled")
	}

	op := &operation{
		name:   "operations/" + uuid.NewString(),
		action: req.ActionDigest,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.operations[op.name] = op
	s.mu.Unlock()

	// The first message always precedes completion.
	if err := s.send(stream, op); err != nil {
		return err
	}
	go s.run(context.WithoutCancel(ctx), fn, req, op)

	if broken {
		return status.Error(codes.Unavailable, "injected execute stream break")
	}
	return s.wait(ctx, stream, op)
}

func (s *ExecutionServer) run(ctx context.Context, fn ExecuteFunc, req *repb.ExecuteRequest, op *operation) {
	defer close(op.done)
	resp, err := fn(ctx, req)
	if err != nil {
		op.err = err
		return
	}
	op.resp = resp
	if resp.Result != nil && resp.Result.ExitCode == 0 && resp.Status.GetCode() == int32(codes.OK) {
		dg, err := storage.FromProto(req.ActionDigest)
		if err == nil {
			if err := s.ActionCache.UpdateActionResult(ctx, dg, resp.Result); err != nil {
				s.logger.Warn("failed to cache result", "action", dg, "error", err)
			}
		}
	}
}

func (s *ExecutionServer) send(stream repb.Execution_ExecuteServer, op *operation) error {
	p, err := op.toProto()
	if err != nil {
		return status.Errorf(codes.Internal, "%v", err)
	}
	return stream.Send(p)
}

func (s *ExecutionServer) wait(ctx context.Context, stream repb.Execution_ExecuteServer, op *operation) error {
	select {
	case <-op.done:
		return s.send(stream, op)
	case <-ctx.Done():
		return status.Error(codes.Canceled, "client cancelled")
	}
}

func (s *ExecutionServer) WaitExecution(req *repb.WaitExecutionRequest, stream repb.Execution_WaitExecutionServer) error {
	s.mu.Lock()
	op, ok := s.operations[req.Name]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "operation %s not found", req.Name)
	}
	return s.wait(stream.Context(), stream, op)
}
