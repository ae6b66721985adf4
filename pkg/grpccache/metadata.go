package grpccache

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// RequestMetadataKey is the header carrying a serialized RequestMetadata.
const RequestMetadataKey = "build.bazel.remote.execution.v2.requestmetadata-bin"

const (
	toolName    = "gorexec"
	toolVersion = "0.1.0"
)

type actionIDKey struct{}

// WithActionID attaches the action being worked on to ctx. It is sent
// with every call made under ctx.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey{}, id)
}

// ActionID returns the action attached by WithActionID.
func ActionID(ctx context.Context) string {
	id, _ := ctx.Value(actionIDKey{}).(string)
	return id
}

// OutgoingContext adds the RequestMetadata header for invocationID and
// the action attached to ctx.
func OutgoingContext(ctx context.Context, invocationID string) context.Context {
	md := &repb.RequestMetadata{
		ToolDetails: &repb.ToolDetails{
			ToolName:    toolName,
			ToolVersion: toolVersion,
		},
		ActionId:         ActionID(ctx),
		ToolInvocationId: invocationID,
	}
	b, err := proto.Marshal(md)
	if err != nil {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, RequestMetadataKey, string(b))
}
