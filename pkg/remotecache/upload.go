package remotecache

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/actionkey"
	"github.com/colinrgodsey/gorexec/pkg/manifest"
	"go.opentelemetry.io/otel/attribute"
)

// Upload stores the outputs of a locally executed action under its key.
// outputs are exec root relative; missing outputs are skipped. The
// returned result is the one written to the action cache.
func (e *Engine) Upload(
	ctx context.Context,
	desc *actionkey.Descriptor,
	execRoot string,
	outputs []string,
	exitCode int,
	stdout, stderr []byte,
) (*repb.ActionResult, error) {
	ctx, span := e.tracer.Start(ctx, "remotecache.Upload")
	defer span.End()

	b := manifest.NewBuilder(execRoot, manifest.Options{AllowSymlinks: e.opts.AllowSymlinkUpload})
	b.SetExitCode(exitCode)
	b.SetOutErr(stdout, stderr)
	b.AddDescriptor(desc)
	if err := b.AddOutputs(outputs); err != nil {
		span.RecordError(err)
		return nil, err
	}
	m := b.Build()
	span.SetAttributes(
		attribute.String("action", desc.Key.String()),
		attribute.Int("blobs", m.Size()),
	)

	if err := e.cache.Upload(ctx, desc.Key, m); err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.logger.Debug("uploaded action result", "action", desc.Key, "blobs", m.Size())
	return m.Result(), nil
}
