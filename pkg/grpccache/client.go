// Package grpccache binds the remote cache engine to a REAPI v2 server:
// ContentAddressableStorage, ActionCache and ByteStream over gRPC.
package grpccache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/actionkey"
	"github.com/colinrgodsey/gorexec/pkg/manifest"
	"github.com/colinrgodsey/gorexec/pkg/merkle"
	"github.com/colinrgodsey/gorexec/pkg/remotecache"
	"github.com/colinrgodsey/gorexec/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

const (
	// CompressionZstd selects the compressed-blobs/zstd ByteStream
	// resources.
	CompressionZstd = "zstd"

	writeChunkSize = 64 * 1024
)

// MissingDigestError reports a digest the server claimed was missing but
// that was never offered for upload.
type MissingDigestError struct {
	Digest digest.Digest
}

func (e *MissingDigestError) Error() string {
	return fmt.Sprintf("server reported missing digest %s that was not part of the upload", e.Digest)
}

type Options struct {
	InstanceName           string
	Compression            string
	Timeout                time.Duration
	MaxOutboundMessageSize int
	MaxConcurrentUploads   int
	VerifyDownloads        bool
	Metrics                *telemetry.Metrics
}

// Client implements remotecache.Cache against a REAPI server.
type Client struct {
	ch           *Channel
	opts         Options
	retrier      *Retrier
	cas          repb.ContentAddressableStorageClient
	ac           repb.ActionCacheClient
	bs           bytestream.ByteStreamClient
	invocationID string

	maxDigestsPerMessage int

	closed atomic.Bool
	tracer trace.Tracer
	logger *slog.Logger
}

var _ remotecache.Cache = (*Client)(nil)

// New creates a client on ch. The client takes its own reference to ch,
// released by Close.
func New(ch *Channel, retrier *Retrier, opts Options) *Client {
	if opts.MaxConcurrentUploads <= 0 {
		opts.MaxConcurrentUploads = 1
	}
	conn := ch.Retain().Conn()
	return &Client{
		ch:                   ch,
		opts:                 opts,
		retrier:              retrier,
		cas:                  repb.NewContentAddressableStorageClient(conn),
		ac:                   repb.NewActionCacheClient(conn),
		bs:                   bytestream.NewByteStreamClient(conn),
		invocationID:         uuid.NewString(),
		maxDigestsPerMessage: maxDigestsPerMessage(opts.InstanceName, opts.MaxOutboundMessageSize),
		tracer:               otel.Tracer("gorexec/pkg/grpccache"),
		logger:               slog.Default().With("component", "grpccache"),
	}
}

// maxDigestsPerMessage is the number of digests that fit in one
// FindMissingBlobsRequest of at most maxMessageSize bytes.
func maxDigestsPerMessage(instanceName string, maxMessageSize int) int {
	overhead := proto.Size(&repb.FindMissingBlobsRequest{InstanceName: instanceName})
	largest := proto.Size(&repb.Digest{
		Hash:      hex.EncodeToString(make([]byte, sha256.Size)),
		SizeBytes: math.MaxInt64,
	})
	perDigest := protowire.SizeTag(2) + protowire.SizeVarint(uint64(largest)) + largest
	n := (maxMessageSize - overhead) / perDigest
	if n < 1 {
		n = 1
	}
	return n
}

// InvocationID identifies this client in the RequestMetadata of every call.
func (c *Client) InvocationID() string {
	return c.invocationID
}

// callContext derives the context of a single RPC attempt.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = OutgoingContext(ctx, c.invocationID)
	if c.opts.Timeout > 0 {
		return context.WithTimeout(ctx, c.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// Close releases the channel. Further calls are no-ops.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ch.Release()
}

// FindMissingBlobs returns the subset of digests absent from the CAS.
// Requests are split so that none exceeds the outbound message size and
// are issued concurrently.
func (c *Client) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	seen := make(map[digest.Digest]bool, len(digests))
	var unique []*repb.Digest
	for _, d := range digests {
		if d.Size == 0 || seen[d] {
			continue
		}
		seen[d] = true
		unique = append(unique, d.ToProto())
	}
	if len(unique) == 0 {
		return nil, nil
	}

	ctx, span := c.tracer.Start(ctx, "grpccache.FindMissingBlobs", trace.WithAttributes(
		attribute.Int("digests", len(unique)),
	))
	defer span.End()

	var (
		mu      sync.Mutex
		missing []digest.Digest
	)
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(unique); start += c.maxDigestsPerMessage {
		batch := unique[start:min(start+c.maxDigestsPerMessage, len(unique))]
		g.Go(func() error {
			req := &repb.FindMissingBlobsRequest{
				InstanceName: c.opts.InstanceName,
				BlobDigests:  batch,
			}
			var resp *repb.FindMissingBlobsResponse
			err := c.retrier.Execute(gctx, func() error {
				cctx, cancel := c.callContext(gctx)
				defer cancel()
				var err error
				resp, err = c.cas.FindMissingBlobs(cctx, req)
				return err
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, pd := range resp.MissingBlobDigests {
				d, err := digest.NewFromProto(pd)
				if err != nil {
					return err
				}
				missing = append(missing, d)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("missing", len(missing)))
	return missing, nil
}

func (c *Client) readResourceName(d digest.Digest) string {
	size := strconv.FormatInt(d.Size, 10)
	if c.opts.Compression == CompressionZstd {
		return path.Join(c.opts.InstanceName, "compressed-blobs/zstd", d.Hash, size)
	}
	return path.Join(c.opts.InstanceName, "blobs", d.Hash, size)
}

func (c *Client) writeResourceName(d digest.Digest) string {
	size := strconv.FormatInt(d.Size, 10)
	prefix := path.Join(c.opts.InstanceName, "uploads", uuid.NewString())
	if c.opts.Compression == CompressionZstd {
		return path.Join(prefix, "compressed-blobs/zstd", d.Hash, size)
	}
	return path.Join(prefix, "blobs", d.Hash, size)
}

// DownloadBlob implements remotecache.Cache.
func (c *Client) DownloadBlob(ctx context.Context, d digest.Digest, w io.Writer) error {
	return c.ReadBlob(ctx, d, w)
}

// ReadBlob streams the blob d into w. An interrupted stream is resumed at
// the last received offset; retries are only consumed while no data
// arrives. A NOT_FOUND status yields *remotecache.CacheNotFoundError.
func (c *Client) ReadBlob(ctx context.Context, d digest.Digest, w io.Writer) error {
	if d.Size == 0 {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "grpccache.ReadBlob", trace.WithAttributes(
		attribute.String("digest.hash", d.Hash),
		attribute.Int64("digest.size", d.Size),
	))
	defer span.End()

	var h hash.Hash
	out := w
	if c.opts.VerifyDownloads {
		h = sha256.New()
		out = io.MultiWriter(w, h)
	}

	var offset int64
	b := c.retrier.NewBackoff()
	err := c.retrier.ExecuteWithBackoff(ctx, b, func() error {
		return c.readOnce(ctx, d, offset, out, func(n int) {
			offset += int64(n)
			b.Reset()
		})
	})
	c.opts.Metrics.DownloadedBytes(offset)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &remotecache.CacheNotFoundError{Digest: d}
		}
		span.RecordError(err)
		return err
	}

	if h != nil {
		if got := hex.EncodeToString(h.Sum(nil)); got != d.Hash || offset != d.Size {
			err := &remotecache.DigestMismatchError{Want: d, Got: fmt.Sprintf("%s/%d", got, offset)}
			span.RecordError(err)
			return err
		}
	} else if offset != d.Size {
		return fmt.Errorf("read %d bytes of %s", offset, d)
	}
	return nil
}

// writeFailure marks errors from the destination writer. They are not
// transport errors and are never retried.
type writeFailure struct{ err error }

func (e *writeFailure) Error() string { return e.err.Error() }
func (e *writeFailure) Unwrap() error { return e.err }

func (c *Client) readOnce(ctx context.Context, d digest.Digest, offset int64, w io.Writer, progress func(int)) error {
	cctx, cancel := c.callContext(ctx)
	defer cancel()

	stream, err := c.bs.Read(cctx, &bytestream.ReadRequest{
		ResourceName: c.readResourceName(d),
		ReadOffset:   offset,
	})
	if err != nil {
		return err
	}

	if c.opts.Compression != CompressionZstd {
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			n, err := w.Write(resp.Data)
			if n > 0 {
				progress(n)
			}
			if err != nil {
				return &writeFailure{err}
			}
		}
	}

	// Each attempt receives a fresh zstd stream of the data after offset.
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(resp.Data); err != nil {
				return
			}
		}
	}()
	defer func() {
		pr.Close()
		cancel()
		<-done
	}()

	dec, err := zstd.NewReader(pr)
	if err != nil {
		return err
	}
	defer dec.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := dec.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return &writeFailure{err}
			}
			progress(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// WriteBlob uploads the content returned by open under d. open is called
// again for every attempt. Empty blobs are never transferred.
func (c *Client) WriteBlob(ctx context.Context, d digest.Digest, open func() (io.ReadCloser, error)) error {
	if d.Size == 0 {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "grpccache.WriteBlob", trace.WithAttributes(
		attribute.String("digest.hash", d.Hash),
		attribute.Int64("digest.size", d.Size),
	))
	defer span.End()

	err := c.retrier.Execute(ctx, func() error {
		rc, err := open()
		if err != nil {
			return &writeFailure{err}
		}
		defer rc.Close()
		return c.writeOnce(ctx, d, rc)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (c *Client) writeOnce(ctx context.Context, d digest.Digest, r io.Reader) error {
	cctx, cancel := c.callContext(ctx)
	defer cancel()

	stream, err := c.bs.Write(cctx)
	if err != nil {
		return err
	}

	src := r
	if c.opts.Compression == CompressionZstd {
		pr, pw := io.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			enc, err := zstd.NewWriter(pw)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(enc, r); err != nil {
				enc.Close()
				pw.CloseWithError(err)
				return
			}
			pw.CloseWithError(enc.Close())
		}()
		defer func() {
			pr.Close()
			<-done
		}()
		src = pr
	}

	name := c.writeResourceName(d)
	buf := make([]byte, writeChunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(src, buf)
		finish := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if readErr != nil && !finish {
			return &writeFailure{readErr}
		}
		req := &bytestream.WriteRequest{
			WriteOffset: offset,
			Data:        buf[:n],
			FinishWrite: finish,
		}
		if offset == 0 {
			req.ResourceName = name
		}
		if err := stream.Send(req); err != nil {
			if err == io.EOF {
				// The server ended the stream early, its status is
				// returned by CloseAndRecv.
				break
			}
			return err
		}
		offset += int64(n)
		if finish {
			break
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}
	if c.opts.Compression != CompressionZstd && resp.CommittedSize != d.Size && resp.CommittedSize != -1 {
		return fmt.Errorf("server committed %d bytes of %s", resp.CommittedSize, d)
	}
	return nil
}

// EnsureInputsPresent uploads every blob of tree and extra that the CAS
// is missing.
func (c *Client) EnsureInputsPresent(ctx context.Context, tree *merkle.Tree, extra map[digest.Digest][]byte) error {
	ctx, span := c.tracer.Start(ctx, "grpccache.EnsureInputsPresent", trace.WithAttributes(
		attribute.String("input_root", tree.Root().String()),
	))
	defer span.End()

	all := tree.Digests()
	for d := range extra {
		all = append(all, d)
	}
	missing, err := c.FindMissingBlobs(ctx, all)
	if err != nil {
		return err
	}

	openers := make(map[digest.Digest]func() (io.ReadCloser, error), len(missing))
	for _, d := range missing {
		if blob, ok := tree.DirectoryBlob(d); ok {
			openers[d] = blobOpener(blob)
		} else if p, ok := tree.InputFile(d); ok {
			openers[d] = func() (io.ReadCloser, error) { return os.Open(p) }
		} else if blob, ok := extra[d]; ok {
			openers[d] = blobOpener(blob)
		} else {
			err := &MissingDigestError{Digest: d}
			span.RecordError(err)
			return err
		}
	}
	span.SetAttributes(attribute.Int("uploads", len(openers)))
	return c.writeAll(ctx, openers)
}

func blobOpener(blob []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(blob)), nil
	}
}

func (c *Client) writeAll(ctx context.Context, openers map[digest.Digest]func() (io.ReadCloser, error)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxConcurrentUploads)
	for d, open := range openers {
		g.Go(func() error {
			return c.WriteBlob(gctx, d, open)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Upload implements remotecache.Cache: blobs of m missing from the CAS
// are written before the action result is stored.
func (c *Client) Upload(ctx context.Context, key actionkey.Key, m *manifest.Manifest) error {
	ctx, span := c.tracer.Start(ctx, "grpccache.Upload", trace.WithAttributes(
		attribute.String("action", key.String()),
	))
	defer span.End()

	missing, err := c.FindMissingBlobs(ctx, m.Digests())
	if err != nil {
		return err
	}
	openers := make(map[digest.Digest]func() (io.ReadCloser, error), len(missing))
	for _, d := range missing {
		if _, ok := m.Entry(d); !ok {
			return &MissingDigestError{Digest: d}
		}
		openers[d] = func() (io.ReadCloser, error) { return m.Open(d) }
	}
	if err := c.writeAll(ctx, openers); err != nil {
		span.RecordError(err)
		return err
	}
	return c.UpdateActionResult(ctx, key, m.Result())
}

// GetCachedResult implements remotecache.Cache.
func (c *Client) GetCachedResult(ctx context.Context, key actionkey.Key) (*repb.ActionResult, error) {
	return c.GetActionResult(ctx, key)
}

// GetActionResult returns the cached result of key, or nil on a miss.
func (c *Client) GetActionResult(ctx context.Context, key actionkey.Key) (*repb.ActionResult, error) {
	ctx, span := c.tracer.Start(ctx, "grpccache.GetActionResult", trace.WithAttributes(
		attribute.String("action", key.String()),
	))
	defer span.End()

	var result *repb.ActionResult
	err := c.retrier.Execute(ctx, func() error {
		cctx, cancel := c.callContext(ctx)
		defer cancel()
		var err error
		result, err = c.ac.GetActionResult(cctx, &repb.GetActionResultRequest{
			InstanceName: c.opts.InstanceName,
			ActionDigest: key.Digest.ToProto(),
			InlineStdout: true,
			InlineStderr: true,
		})
		return err
	})
	if status.Code(err) == codes.NotFound {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return result, nil
}

// UpdateActionResult stores result under key and returns once the server
// acknowledged it.
func (c *Client) UpdateActionResult(ctx context.Context, key actionkey.Key, result *repb.ActionResult) error {
	ctx, span := c.tracer.Start(ctx, "grpccache.UpdateActionResult", trace.WithAttributes(
		attribute.String("action", key.String()),
	))
	defer span.End()

	err := c.retrier.Execute(ctx, func() error {
		cctx, cancel := c.callContext(ctx)
		defer cancel()
		_, err := c.ac.UpdateActionResult(cctx, &repb.UpdateActionResultRequest{
			InstanceName: c.opts.InstanceName,
			ActionDigest: key.Digest.ToProto(),
			ActionResult: result,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}
