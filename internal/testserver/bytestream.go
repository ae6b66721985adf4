package testserver

import (
	"bytes"
	"context"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/colinrgodsey/gorexec/pkg/storage"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ByteStreamServer struct {
	bytestream.UnimplementedByteStreamServer
	Store  storage.BlobStore
	Faults *Faults
}

func NewByteStreamServer(store storage.BlobStore) *ByteStreamServer {
	return &ByteStreamServer{Store: store}
}

var (
	readResourceRegex  = regexp.MustCompile(`(?:^|.*/)(blobs|compressed-blobs/zstd)/([a-fA-F0-9]+)/(\d+)$`)
	writeResourceRegex = regexp.MustCompile(`(?:^|.*/)uploads/[^/]+/(blobs|compressed-blobs/zstd)/([a-fA-F0-9]+)/(\d+)$`)
)

// parseResourceName extracts the digest of a ByteStream resource and
// whether it addresses zstd compressed content.
func parseResourceName(name string, isWrite bool) (storage.Digest, bool, error) {
	re := readResourceRegex
	if isWrite {
		re = writeResourceRegex
	}

	matches := re.FindStringSubmatch(name)
	if len(matches) != 4 {
		return storage.Digest{}, false, status.Errorf(codes.InvalidArgument, "invalid resource name: %s", name)
	}

	size, err := strconv.ParseInt(matches[3], 10, 64)
	if err != nil {
		return storage.Digest{}, false, status.Errorf(codes.InvalidArgument, "invalid size in resource name: %v", err)
	}

	return storage.Digest{Hash: matches[2], Size: size}, matches[1] != "blobs", nil
}

func (s *ByteStreamServer) open(ctx context.Context, dg storage.Digest) (io.ReadCloser, error) {
	if data, ok := s.Faults.corrupted(dg); ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	rc, err := s.Store.Get(ctx, dg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "blob not found: %v", dg)
		}
		return nil, status.Errorf(codes.Internal, "failed to get blob: %v", err)
	}
	return rc, nil
}

func (s *ByteStreamServer) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	dg, compressed, err := parseResourceName(req.ResourceName, false)
	if err != nil {
		return err
	}
	if req.ReadOffset < 0 || req.ReadOffset > dg.Size {
		return status.Errorf(codes.OutOfRange, "read offset %d out of range for %v", req.ReadOffset, dg)
	}

	rc, err := s.open(stream.Context(), dg)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := io.CopyN(io.Discard, rc, req.ReadOffset); err != nil {
		return status.Errorf(codes.Internal, "failed to skip offset: %v", err)
	}

	limit := dg.Size - req.ReadOffset
	if req.ReadLimit > 0 && req.ReadLimit < limit {
		limit = req.ReadLimit
	}
	var src io.Reader = io.LimitReader(rc, limit)

	breakAfter, broken := s.Faults.readFault(dg)
	if broken {
		src = io.LimitReader(src, breakAfter)
	}

	if compressed {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return status.Errorf(codes.Internal, "zstd: %v", err)
		}
		if _, err := io.Copy(enc, src); err != nil {
			return status.Errorf(codes.Internal, "read error: %v", err)
		}
		if err := enc.Close(); err != nil {
			return status.Errorf(codes.Internal, "zstd: %v", err)
		}
		src = &buf
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if err := stream.Send(&bytestream.ReadResponse{Data: buf[:n]}); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return status.Errorf(codes.Internal, "read error: %v", err)
		}
	}

	if broken {
		return status.Error(codes.Unavailable, "injected stream break")
	}
	return nil
}

func (s *ByteStreamServer) Write(stream bytestream.ByteStream_WriteServer) error {
	var dg storage.Digest
	var initialized bool
	var totalWritten int64

	pr, pw := io.Pipe()
	errChan := make(chan error, 1)

	defer func() {
		pr.Close()
		pw.Close()
	}()

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if !initialized {
			if req.ResourceName == "" {
				return status.Error(codes.InvalidArgument, "missing resource name in first message")
			}
			if req.WriteOffset != 0 {
				return status.Errorf(codes.InvalidArgument, "resumed writes are not supported, offset %d", req.WriteOffset)
			}
			var compressed bool
			dg, compressed, err = parseResourceName(req.ResourceName, true)
			if err != nil {
				return err
			}
			initialized = true

			go func() {
				var src io.Reader = pr
				if compressed {
					dec, err := zstd.NewReader(pr)
					if err != nil {
						pr.CloseWithError(err)
						errChan <- err
						return
					}
					defer dec.Close()
					src = dec
				}
				err := s.Store.Put(stream.Context(), dg, src)
				pr.CloseWithError(err)
				errChan <- err
			}()
		} else if req.WriteOffset != totalWritten {
			return status.Errorf(codes.InvalidArgument, "write offset %d, expected %d", req.WriteOffset, totalWritten)
		}

		if len(req.Data) > 0 {
			n, err := pw.Write(req.Data)
			if err != nil {
				return status.Errorf(codes.Internal, "pipe write failed: %v", err)
			}
			totalWritten += int64(n)
		}

		if req.FinishWrite {
			break
		}
	}

	pw.Close()

	if !initialized {
		return status.Error(codes.InvalidArgument, "never received resource name")
	}

	select {
	case err := <-errChan:
		if err != nil {
			return status.Errorf(codes.Internal, "store put failed: %v", err)
		}
	case <-stream.Context().Done():
		return stream.Context().Err()
	}

	return stream.SendAndClose(&bytestream.WriteResponse{
		CommittedSize: dg.Size,
	})
}

func (s *ByteStreamServer) QueryWriteStatus(ctx context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "QueryWriteStatus not implemented")
}
