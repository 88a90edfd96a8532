// Package replication drives replicated shard operations: the primary
// pipeline acquires an operation permit on the primary copy, checks cluster
// blocks against a snapshot taken after the permit was granted, executes the
// operation and fans it out to all replica copies.
package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
	"gitlab.com/gitlab-org/shardrepl/internal/dontpanic"
	"gitlab.com/gitlab-org/shardrepl/internal/shard"
	"gitlab.com/gitlab-org/shardrepl/internal/shard/permits"
	"golang.org/x/sync/errgroup"
)

// Phase is a step of the primary pipeline.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseAcquiringPermit
	PhaseCheckingBlock
	PhaseExecutingPrimary
	PhaseDispatchingReplicas
	PhaseAggregating
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseAcquiringPermit:
		return "acquiring_permit"
	case PhaseCheckingBlock:
		return "checking_block"
	case PhaseExecutingPrimary:
		return "executing_primary"
	case PhaseDispatchingReplicas:
		return "dispatching_replicas"
	case PhaseAggregating:
		return "aggregating"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Hooks are invoked at fixed points of a single pipeline run. All of them
// are optional. They run on the pipeline's goroutine.
type Hooks struct {
	// OnBeforeAcquire runs before the operation permit is requested.
	OnBeforeAcquire func(ctx context.Context)
	// OnAfterAcquire runs once the permit is held, before the cluster
	// state is read.
	OnAfterAcquire func(ctx context.Context, permit *permits.Permit)
	// OnBeforeExecute runs after the block check passed, right before the
	// primary operation.
	OnBeforeExecute func(ctx context.Context, state *cluster.State)
	// OnFailure runs when the pipeline fails, with the terminal error.
	OnFailure func(ctx context.Context, phase Phase, err error)
}

// StateProvider returns the current cluster state.
type StateProvider interface {
	State() *cluster.State
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMetrics records pipeline metrics into m.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator runs the primary pipeline for shards whose primary copy is
// hosted by the local node.
type Coordinator struct {
	nodeID    string
	state     StateProvider
	shards    ShardProvider
	transport Transport
	metrics   *Metrics
}

// NewCoordinator creates a Coordinator for node nodeID.
func NewCoordinator(nodeID string, state StateProvider, shards ShardProvider, transport Transport, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		nodeID:    nodeID,
		state:     state,
		shards:    shards,
		transport: transport,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}

	return c
}

// ExecuteAsync runs Execute on a new goroutine and completes listener with
// its outcome. A panic while executing completes listener with a
// *dontpanic.PanicError.
func (c *Coordinator) ExecuteAsync(ctx context.Context, action Action, req *Request, hooks Hooks, listener Listener) {
	dontpanic.Go(func() {
		var resp *Response
		err := dontpanic.Safe(func() error {
			var err error
			resp, err = c.Execute(ctx, action, req, hooks)
			return err
		})
		if err != nil {
			listener.OnFailure(err)
			return
		}
		listener.OnResponse(resp)
	})
}

// Execute runs action for req. The returned error is a *cluster.BlockedError
// if a block forbids the action, a *permits.TimeoutError if exclusive
// permits could not be acquired in time and a *PrimaryFailure if the primary
// operation failed. Failed replicas are listed in the response.
func (c *Coordinator) Execute(ctx context.Context, action Action, req *Request, hooks Hooks) (*Response, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "replication.Primary")
	span.SetTag("action", action.Name())
	span.SetTag("shard", req.ShardID.String())
	defer span.Finish()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	run := &primaryRun{
		Coordinator: c,
		action:      action,
		req:         req,
		hooks:       hooks,
		phase:       PhaseStart,
		phaseStart:  time.Now(),
		logger: ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
			"component": "replication.Coordinator",
			"action":    action.Name(),
			"shard":     req.ShardID.String(),
		}),
	}

	resp, err := run.execute(ctx)
	c.metrics.countOperation(action.Name(), "primary", err)
	if err != nil {
		span.SetTag("error", true)
		run.fail(ctx, err)
		return nil, err
	}

	run.enter(PhaseSucceeded)
	run.logger.WithFields(logrus.Fields{
		"total":      resp.ShardInfo.Total,
		"successful": resp.ShardInfo.Successful,
	}).Debug("replicated operation succeeded")

	return resp, nil
}

type primaryRun struct {
	*Coordinator
	action     Action
	req        *Request
	hooks      Hooks
	phase      Phase
	phaseStart time.Time
	logger     logrus.FieldLogger
}

func (r *primaryRun) enter(phase Phase) {
	r.metrics.observePhase(r.action.Name(), r.phase, r.phaseStart)
	r.phase = phase
	r.phaseStart = time.Now()
}

func (r *primaryRun) fail(ctx context.Context, err error) {
	failedIn := r.phase
	r.enter(PhaseFailed)

	r.logger.WithError(err).WithField("phase", failedIn.String()).Info("replicated operation failed")

	if r.hooks.OnFailure != nil {
		r.hooks.OnFailure(ctx, failedIn, err)
	}
}

func (r *primaryRun) execute(ctx context.Context) (*Response, error) {
	primary, err := r.shards.Shard(r.req.ShardID)
	if err != nil {
		return nil, err
	}

	if r.req.PrimaryTerm != 0 && r.req.PrimaryTerm != primary.PrimaryTerm() {
		return nil, &shard.StalePrimaryTermError{
			ShardID:     r.req.ShardID,
			RequestTerm: r.req.PrimaryTerm,
			CurrentTerm: primary.PrimaryTerm(),
		}
	}

	r.enter(PhaseAcquiringPermit)
	if r.hooks.OnBeforeAcquire != nil {
		r.hooks.OnBeforeAcquire(ctx)
	}

	permit, err := primary.AcquirePrimaryPermit(ctx, r.action.PermitMode(), r.action.ExclusiveTimeout())
	if err != nil {
		return nil, err
	}

	replicaReq, state, err := r.runOnPrimary(ctx, primary, permit)
	if err != nil {
		return nil, err
	}

	r.enter(PhaseDispatchingReplicas)
	outcomes := r.dispatch(ctx, state, replicaReq)

	r.enter(PhaseAggregating)
	return aggregate(r.req.ShardID, outcomes, r.action.QuorumPolicy())
}

// runOnPrimary holds permit from the block check until the primary
// operation returned.
func (r *primaryRun) runOnPrimary(ctx context.Context, primary *shard.Shard, permit *permits.Permit) (*ReplicaRequest, *cluster.State, error) {
	defer permit.Release()

	if r.hooks.OnAfterAcquire != nil {
		r.hooks.OnAfterAcquire(ctx, permit)
	}

	r.enter(PhaseCheckingBlock)
	state := r.state.State()
	if err := checkBlocks(r.action, state, r.req.ShardID.Index); err != nil {
		return nil, nil, err
	}

	table, ok := state.ShardTable(r.req.ShardID)
	if !ok {
		return nil, nil, fmt.Errorf("%s: no routing in cluster state version %d: %w", r.req.ShardID, state.Version(), ErrShardNotFound)
	}

	if active := len(table.Copies()); r.req.WaitForActiveShards > active {
		return nil, nil, fmt.Errorf("%s: want %d, have %d: %w", r.req.ShardID, r.req.WaitForActiveShards, active, ErrNotEnoughActiveShards)
	}

	r.enter(PhaseExecutingPrimary)
	if r.hooks.OnBeforeExecute != nil {
		r.hooks.OnBeforeExecute(ctx, state)
	}

	if err := dontpanic.Safe(func() error {
		return r.action.ShardOperationOnPrimary(ctx, r.req, primary)
	}); err != nil {
		return nil, nil, &PrimaryFailure{ShardID: r.req.ShardID, Err: err}
	}

	return &ReplicaRequest{
		Action:            r.action.Name(),
		Request:           *r.req,
		PrimaryTerm:       primary.PrimaryTerm(),
		GlobalCheckpoint:  primary.GlobalCheckpoint(),
		MaxSeqNoOfUpdates: primary.MaxSeqNoOfUpdates(),
	}, state, nil
}

// dispatch sends req to every replica listed in state and waits for all of
// them.
func (r *primaryRun) dispatch(ctx context.Context, state *cluster.State, req *ReplicaRequest) []replicaOutcome {
	table, _ := state.ShardTable(r.req.ShardID)
	outcomes := make([]replicaOutcome, len(table.Replicas))

	var group errgroup.Group
	for i, routing := range table.Replicas {
		i, routing := i, routing
		outcomes[i].routing = routing

		group.Go(func() error {
			outcomes[i].resp, outcomes[i].err = r.sendToReplica(ctx, state, routing, *req)
			return nil
		})
	}
	_ = group.Wait()

	return outcomes
}

func (r *primaryRun) sendToReplica(ctx context.Context, state *cluster.State, routing shard.Routing, req ReplicaRequest) (*ReplicaResponse, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"node":          routing.NodeID,
		"allocation_id": routing.AllocationID,
	})

	node, ok := state.Node(routing.NodeID)
	if !ok {
		err := fmt.Errorf("node %q not in cluster state: %w", routing.NodeID, ErrNodeNotConnected)
		logger.WithError(err).Warn("replica failed")
		return nil, err
	}

	req.TargetAllocationID = routing.AllocationID

	resp, err := r.transport.Send(ctx, node, &req)
	if err != nil {
		logger.WithError(err).Warn("replica failed")
		return nil, err
	}

	return resp, nil
}
