package replication

import (
	"context"
	"fmt"
	"sync"

	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
)

// Transport delivers replica requests to the node hosting the target copy.
// Every call yields either a response or an error, never both.
type Transport interface {
	Send(ctx context.Context, node cluster.Node, req *ReplicaRequest) (*ReplicaResponse, error)
}

// ReplicaService executes replica requests. *ReplicaHandler implements it.
type ReplicaService interface {
	Handle(ctx context.Context, req *ReplicaRequest) (*ReplicaResponse, error)
}

// LocalTransport delivers requests to replica services of the same process.
type LocalTransport struct {
	mu    sync.RWMutex
	nodes map[string]ReplicaService
}

// NewLocalTransport returns a transport without connected nodes.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{nodes: map[string]ReplicaService{}}
}

// Connect makes service reachable as node nodeID.
func (t *LocalTransport) Connect(nodeID string, service ReplicaService) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[nodeID] = service
}

// Disconnect makes node nodeID unreachable.
func (t *LocalTransport) Disconnect(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

// Send implements Transport.
func (t *LocalTransport) Send(ctx context.Context, node cluster.Node, req *ReplicaRequest) (*ReplicaResponse, error) {
	t.mu.RLock()
	service, ok := t.nodes[node.ID]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("node %q: %w", node.ID, ErrNodeNotConnected)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return service.Handle(ctx, req)
}
