package transport

import (
	"context"
	"errors"
	"sync"

	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
	"gitlab.com/gitlab-org/shardrepl/internal/replication"
	"google.golang.org/grpc"
)

// Client is a replication.Transport sending replica requests over gRPC. It
// keeps one connection per node address.
type Client struct {
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient returns a client dialing nodes with the given additional
// options.
func NewClient(dialOpts ...grpc.DialOption) *Client {
	return &Client{
		dialOpts: dialOpts,
		conns:    map[string]*grpc.ClientConn{},
	}
}

func (c *Client) conn(ctx context.Context, address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conns == nil {
		return nil, errors.New("client closed")
	}

	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}

	conn, err := Dial(ctx, address, append([]grpc.DialOption(nil), c.dialOpts...))
	if err != nil {
		return nil, err
	}
	c.conns[address] = conn

	return conn, nil
}

// Send implements replication.Transport.
func (c *Client) Send(ctx context.Context, node cluster.Node, req *replication.ReplicaRequest) (*replication.ReplicaResponse, error) {
	conn, err := c.conn(ctx, node.Address)
	if err != nil {
		return nil, err
	}

	resp := new(replication.ReplicaResponse)
	if err := conn.Invoke(ctx, replicateMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes all connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.conns = nil

	return firstErr
}
