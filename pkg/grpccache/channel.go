package grpccache

import (
	"strings"
	"sync/atomic"

	"github.com/colinrgodsey/gorexec/pkg/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Channel is a reference counted client connection shared by the cache
// and execution clients. The connection is closed when the last
// reference is released.
type Channel struct {
	conn *grpc.ClientConn
	refs atomic.Int32
}

// Dial creates a channel to target, which may carry a "grpc://" scheme.
// The returned channel holds one reference.
func Dial(target string, maxMessageSize int) (*Channel, error) {
	// TODO: Support TLS/Auth configuration
	conn, err := grpc.NewClient(
		strings.TrimPrefix(target, "grpc://"),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		telemetry.NewClientHandler(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn), nil
}

// NewChannel wraps conn with one reference.
func NewChannel(conn *grpc.ClientConn) *Channel {
	ch := &Channel{conn: conn}
	ch.refs.Store(1)
	return ch
}

func (c *Channel) Conn() *grpc.ClientConn {
	return c.conn
}

// Retain adds a reference and returns c.
func (c *Channel) Retain() *Channel {
	c.refs.Add(1)
	return c
}

// Release drops a reference, closing the connection when none remain.
func (c *Channel) Release() error {
	if c.refs.Add(-1) == 0 {
		return c.conn.Close()
	}
	return nil
}
