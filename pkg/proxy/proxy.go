// Package proxy layers the disk cache in front of a remote cache binding.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/actionkey"
	"github.com/colinrgodsey/gorexec/pkg/manifest"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
	"github.com/colinrgodsey/gorexec/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Cache is a remotecache.Cache backed by a disk store and, optionally, a
// remote binding. Reads go through the disk store; writes go to both.
type Cache struct {
	local  *storage.LocalStore
	remote remotecache.Cache // nil for a disk-only cache
	group  singleflight.Group
	tracer trace.Tracer
	logger *slog.Logger
}

var _ remotecache.Cache = (*Cache)(nil)

func New(local *storage.LocalStore, remote remotecache.Cache) *Cache {
	return &Cache{
		local:  local,
		remote: remote,
		tracer: otel.Tracer("gorexec/pkg/proxy"),
		logger: slog.Default().With("component", "proxy"),
	}
}

func (p *Cache) GetCachedResult(ctx context.Context, key actionkey.Key) (*repb.ActionResult, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.GetCachedResult", trace.WithAttributes(
		attribute.String("action", key.String()),
	))
	defer span.End()

	res, err := p.local.GetActionResult(ctx, key.Digest)
	if err == nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return res, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("failed to read local action result", "action", key, "error", err)
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))
	if p.remote == nil {
		return nil, nil
	}

	res, err = p.remote.GetCachedResult(ctx, key)
	if err != nil || res == nil {
		if err != nil {
			span.RecordError(err)
		}
		return nil, err
	}
	if err := p.local.UpdateActionResult(ctx, key.Digest, res); err != nil {
		p.logger.Warn("failed to cache action result locally", "action", key, "error", err)
	}
	return res, nil
}

func (p *Cache) DownloadBlob(ctx context.Context, d digest.Digest, w io.Writer) error {
	ctx, span := p.tracer.Start(ctx, "proxy.DownloadBlob", trace.WithAttributes(
		attribute.String("digest.hash", d.Hash),
		attribute.Int64("digest.size", d.Size),
	))
	defer span.End()

	if ok, _ := p.local.Has(ctx, d); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return p.copyLocal(ctx, d, w)
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))
	if p.remote == nil {
		return &remotecache.CacheNotFoundError{Digest: d}
	}

	// The fetch is shared by every caller of d, so it must outlive the
	// caller that started it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(d.String(), func() (interface{}, error) {
		ctx, span := p.tracer.Start(fetchCtx, "proxy.DownloadBlob.RemoteFetch")
		defer span.End()

		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(p.remote.DownloadBlob(ctx, d, pw))
		}()
		err := p.local.Put(ctx, d, pr)
		pr.CloseWithError(err)
		if err != nil {
			span.RecordError(err)
			// Prefer the remote's error, it carries not-found.
			var notFound *remotecache.CacheNotFoundError
			if errors.As(err, &notFound) {
				return nil, notFound
			}
			return nil, err
		}
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			span.RecordError(r.Err)
			return r.Err
		}
	}
	return p.copyLocal(ctx, d, w)
}

func (p *Cache) copyLocal(ctx context.Context, d digest.Digest, w io.Writer) error {
	rc, err := p.local.Get(ctx, d)
	if errors.Is(err, os.ErrNotExist) {
		return &remotecache.CacheNotFoundError{Digest: d}
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// Upload stores every blob of m on disk, forwards m to the remote binding
// and finally records the action result locally.
func (p *Cache) Upload(ctx context.Context, key actionkey.Key, m *manifest.Manifest) error {
	ctx, span := p.tracer.Start(ctx, "proxy.Upload", trace.WithAttributes(
		attribute.String("action", key.String()),
		attribute.Int("blobs", m.Size()),
	))
	defer span.End()

	for _, d := range m.Digests() {
		if err := p.putLocal(ctx, d, m); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to store %s locally: %w", d, err)
		}
	}
	if p.remote != nil {
		if err := p.remote.Upload(ctx, key, m); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return p.local.UpdateActionResult(ctx, key.Digest, m.Result())
}

func (p *Cache) putLocal(ctx context.Context, d digest.Digest, m *manifest.Manifest) error {
	if ok, _ := p.local.Has(ctx, d); ok {
		return nil
	}
	ue, _ := m.Entry(d)
	if ue.IsFile() {
		return p.local.PutFile(ctx, d, ue.Path)
	}
	rc, err := m.Open(d)
	if err != nil {
		return err
	}
	defer rc.Close()
	return p.local.Put(ctx, d, rc)
}

func (p *Cache) Close() error {
	if p.remote == nil {
		return nil
	}
	return p.remote.Close()
}
