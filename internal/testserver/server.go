// Package testserver runs an in-process remote execution API server on a
// local disk store, with hooks for injecting faults into its calls.
package testserver

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/colinrgodsey/gorexec/pkg/storage"
	"github.com/colinrgodsey/gorexec/pkg/telemetry"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
)

type Server struct {
	Store     *storage.LocalStore
	Faults    *Faults
	Execution *ExecutionServer

	grpcServer *grpc.Server
	lis        net.Listener
}

// Start serves the CAS, ByteStream, ActionCache, Capabilities and
// Execution services on a loopback port until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()

	store, err := storage.NewLocalStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	faults := &Faults{}
	s := &Server{
		Store:     store,
		Faults:    faults,
		Execution: NewExecutionServer(store),
		grpcServer: grpc.NewServer(
			telemetry.NewServerHandler(),
			grpc.ChainUnaryInterceptor(faults.unaryInterceptor),
			grpc.ChainStreamInterceptor(faults.streamInterceptor),
		),
		lis: lis,
	}

	bs := NewByteStreamServer(store)
	bs.Faults = faults
	repb.RegisterContentAddressableStorageServer(s.grpcServer, &CASServer{Store: store, Faults: faults})
	bytestream.RegisterByteStreamServer(s.grpcServer, bs)
	repb.RegisterActionCacheServer(s.grpcServer, &ACServer{Store: store})
	repb.RegisterCapabilitiesServer(s.grpcServer, &CapabilitiesServer{ExecEnabled: true})
	repb.RegisterExecutionServer(s.grpcServer, s.Execution)

	go s.grpcServer.Serve(lis)
	t.Cleanup(s.grpcServer.Stop)
	return s
}

// Addr is the dial target of the server.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// PutBlob stores data in the CAS and returns its digest.
func (s *Server) PutBlob(t testing.TB, data []byte) digest.Digest {
	t.Helper()
	d := digest.NewFromBlob(data)
	if err := s.Store.Put(context.Background(), d, bytes.NewReader(data)); err != nil {
		t.Fatalf("failed to store blob: %v", err)
	}
	return d
}

// HasBlob reports whether the CAS holds d.
func (s *Server) HasBlob(d digest.Digest) bool {
	ok, _ := s.Store.Has(context.Background(), d)
	return ok
}

// PutResult records result as the cached result of action.
func (s *Server) PutResult(t testing.TB, action digest.Digest, result *repb.ActionResult) {
	t.Helper()
	if err := s.Store.UpdateActionResult(context.Background(), action, result); err != nil {
		t.Fatalf("failed to store action result: %v", err)
	}
}

// Stop shuts the server down. It is also called when the test ends.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}
