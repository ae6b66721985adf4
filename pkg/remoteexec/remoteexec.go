// Package remoteexec submits actions to a REAPI Execution service and
// follows the resulting long-running operations.
package remoteexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	longrunning "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/grpccache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ExecutionError is a completed execution whose response carries a
// non-OK status. Response may hold a partial result and server logs.
type ExecutionError struct {
	Status   *status.Status
	Response *repb.ExecuteResponse
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("remote execution failed: %s: %s", e.Status.Code(), e.Status.Message())
}

// GRPCStatus lets status.Code classify the failure.
func (e *ExecutionError) GRPCStatus() *status.Status {
	return e.Status
}

// Executor is an Execution service client.
type Executor struct {
	ch           *grpccache.Channel
	client       repb.ExecutionClient
	retrier      *grpccache.Retrier
	invocationID string
	closed       atomic.Bool
	tracer       trace.Tracer
	logger       *slog.Logger
}

// New creates an executor on ch, taking its own reference. Calls carry
// invocationID in their request metadata.
func New(ch *grpccache.Channel, retrier *grpccache.Retrier, invocationID string) *Executor {
	return &Executor{
		ch:           ch.Retain(),
		client:       repb.NewExecutionClient(ch.Conn()),
		retrier:      retrier,
		invocationID: invocationID,
		tracer:       otel.Tracer("gorexec/pkg/remoteexec"),
		logger:       slog.Default().With("component", "remoteexec"),
	}
}

// Close releases the channel. Further calls are no-ops.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.ch.Release()
}

type operationStream interface {
	Recv() (*longrunning.Operation, error)
}

// Execute runs req and waits for its response. A stream that breaks
// after the operation was named is resumed with WaitExecution; transient
// failures before that resubmit the request. Updates of a resumed
// operation restore the retry budget; fresh submissions and completed
// operations that failed always consume it.
func (e *Executor) Execute(ctx context.Context, req *repb.ExecuteRequest) (*repb.ExecuteResponse, error) {
	ctx, span := e.tracer.Start(ctx, "remoteexec.Execute", trace.WithAttributes(
		attribute.String("action", req.GetActionDigest().GetHash()),
		attribute.Bool("skip_cache_lookup", req.SkipCacheLookup),
	))
	defer span.End()

	var (
		opName string
		resp   *repb.ExecuteResponse
	)
	b := e.retrier.NewBackoff()
	err := e.retrier.ExecuteWithBackoff(ctx, b, func() error {
		cctx, cancel := context.WithCancel(grpccache.OutgoingContext(ctx, e.invocationID))
		defer cancel()

		var (
			stream operationStream
			err    error
		)
		resumed := opName != ""
		if !resumed {
			stream, err = e.client.Execute(cctx, req)
		} else {
			e.logger.Debug("resuming execution", "operation", opName)
			stream, err = e.client.WaitExecution(cctx, &repb.WaitExecutionRequest{Name: opName})
		}
		if err != nil {
			return err
		}

		for {
			op, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return status.Error(codes.Unavailable, "operation stream ended before completion")
			}
			if err != nil {
				if status.Code(err) == codes.NotFound && opName != "" {
					// The server forgot the operation, start over.
					opName = ""
					return status.Error(codes.Unavailable, err.Error())
				}
				return err
			}
			opName = op.GetName()
			if !op.GetDone() {
				if resumed {
					b.Reset()
				}
				continue
			}
			resp, err = unpack(op)
			if err != nil {
				opName = ""
			}
			return err
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("cached_result", resp.CachedResult))
	if resp.Status != nil && codes.Code(resp.Status.Code) != codes.OK {
		err := &ExecutionError{Status: status.FromProto(resp.Status), Response: resp}
		span.RecordError(err)
		return resp, err
	}
	return resp, nil
}

func unpack(op *longrunning.Operation) (*repb.ExecuteResponse, error) {
	if opErr := op.GetError(); opErr != nil {
		return nil, status.ErrorProto(opErr)
	}
	anyResp := op.GetResponse()
	if anyResp == nil {
		return nil, status.Errorf(codes.Internal, "operation %s completed without a response", op.GetName())
	}
	resp := &repb.ExecuteResponse{}
	if err := anyResp.UnmarshalTo(resp); err != nil {
		return nil, status.Errorf(codes.Internal, "operation %s has an invalid response: %v", op.GetName(), err)
	}
	return resp, nil
}
