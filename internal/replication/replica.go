package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardrepl/internal/dontpanic"
)

// ReplicaHandlerOption configures a ReplicaHandler.
type ReplicaHandlerOption func(*ReplicaHandler)

// WithReplicaBlockCheck sets the block check policy for actions returning
// ReplicaBlockCheckDefault.
func WithReplicaBlockCheck(policy ReplicaBlockCheck) ReplicaHandlerOption {
	return func(h *ReplicaHandler) {
		h.blockCheck = policy
	}
}

// WithReplicaMetrics records replica outcomes into m.
func WithReplicaMetrics(m *Metrics) ReplicaHandlerOption {
	return func(h *ReplicaHandler) {
		h.metrics = m
	}
}

// ReplicaHandler runs the replica pipeline for the copies hosted by one
// node.
type ReplicaHandler struct {
	nodeID     string
	state      StateProvider
	shards     ShardProvider
	blockCheck ReplicaBlockCheck
	metrics    *Metrics

	mu      sync.RWMutex
	actions map[string]Action
}

// NewReplicaHandler creates a handler for node nodeID.
func NewReplicaHandler(nodeID string, state StateProvider, shards ShardProvider, opts ...ReplicaHandlerOption) *ReplicaHandler {
	h := &ReplicaHandler{
		nodeID:     nodeID,
		state:      state,
		shards:     shards,
		blockCheck: DefaultReplicaBlockCheck,
		actions:    map[string]Action{},
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}

	return h
}

// Register makes action executable on this node.
func (h *ReplicaHandler) Register(action Action) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions[action.Name()] = action
}

func (h *ReplicaHandler) action(name string) (Action, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	action, ok := h.actions[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownAction)
	}
	return action, nil
}

// Handle executes req on the local replica copy. The replica's own
// operation permit is held while the replica operation runs.
func (h *ReplicaHandler) Handle(ctx context.Context, req *ReplicaRequest) (*ReplicaResponse, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "replication.Replica")
	span.SetTag("action", req.Action)
	span.SetTag("shard", req.Request.ShardID.String())
	defer span.Finish()

	resp, err := h.handle(ctx, req)
	h.metrics.countOperation(req.Action, "replica", err)
	if err != nil {
		span.SetTag("error", true)
		ctxlogrus.Extract(ctx).WithError(err).WithFields(logrus.Fields{
			"component":    "replication.ReplicaHandler",
			"action":       req.Action,
			"shard":        req.Request.ShardID.String(),
			"primary_term": req.PrimaryTerm,
		}).Info("replica operation failed")
		return nil, err
	}

	return resp, nil
}

func (h *ReplicaHandler) handle(ctx context.Context, req *ReplicaRequest) (*ReplicaResponse, error) {
	action, err := h.action(req.Action)
	if err != nil {
		return nil, err
	}

	replica, err := h.shards.Shard(req.Request.ShardID)
	if err != nil {
		return nil, err
	}

	routing := replica.Routing()
	if routing.AllocationID != req.TargetAllocationID {
		return nil, fmt.Errorf("%s: expected %q, have %q: %w", routing.ShardID, req.TargetAllocationID, routing.AllocationID, ErrAllocationMismatch)
	}

	permit, err := replica.AcquireReplicaPermit(ctx, req.PrimaryTerm, req.GlobalCheckpoint, req.MaxSeqNoOfUpdates, action.PermitMode(), action.ExclusiveTimeout())
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	if h.blockCheckEnabled(action) {
		if err := checkBlocks(action, h.state.State(), req.Request.ShardID.Index); err != nil {
			return nil, err
		}
	}

	if err := dontpanic.Safe(func() error {
		return action.ShardOperationOnReplica(ctx, req, replica)
	}); err != nil {
		return nil, err
	}

	return &ReplicaResponse{
		NodeID:           h.nodeID,
		AllocationID:     routing.AllocationID,
		GlobalCheckpoint: replica.GlobalCheckpoint(),
	}, nil
}

func (h *ReplicaHandler) blockCheckEnabled(action Action) bool {
	policy := action.ReplicaBlockCheck()
	if policy == ReplicaBlockCheckDefault {
		policy = h.blockCheck
	}
	return policy == ReplicaBlockCheckEnabled
}
