package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
	"gitlab.com/gitlab-org/shardrepl/internal/cluster/gateway"
	"gitlab.com/gitlab-org/shardrepl/internal/config"
	"gitlab.com/gitlab-org/shardrepl/internal/dontpanic"
	"gitlab.com/gitlab-org/shardrepl/internal/replication"
	"gitlab.com/gitlab-org/shardrepl/internal/setonce"
	"gitlab.com/gitlab-org/shardrepl/internal/shard"
	"gitlab.com/gitlab-org/shardrepl/internal/shard/permits"
	"gitlab.com/gitlab-org/shardrepl/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

const simulationIndex = "simulation"

// simulationBlock is installed by the all permits operation of every run.
var simulationBlock = cluster.Block{
	ID:          5150,
	Description: "simulated block installed under all permits",
	Retryable:   true,
	Persistent:  true,
	Status:      codes.Unavailable,
	Levels:      cluster.LevelWrite | cluster.LevelMetadataWrite,
}

type execution struct {
	primary setonce.Bool
	replica setonce.Bool
}

func (e *execution) onPrimary() bool {
	executed, _ := e.primary.Get()
	return executed
}

func (e *execution) onReplica() bool {
	executed, _ := e.replica.Get()
	return executed
}

// simulatedWrite is a shared write recording on which copies each payload
// ran. A payload executing twice on the same copy fails.
type simulatedWrite struct {
	replication.BaseAction
	executions sync.Map
}

func (a *simulatedWrite) Name() string { return "simulated-write" }

func (a *simulatedWrite) execution(payload json.RawMessage) *execution {
	value, _ := a.executions.LoadOrStore(string(payload), &execution{})
	return value.(*execution)
}

func (a *simulatedWrite) ShardOperationOnPrimary(_ context.Context, req *replication.Request, _ *shard.Shard) error {
	return a.execution(req.Payload).primary.Set(true)
}

func (a *simulatedWrite) ShardOperationOnReplica(_ context.Context, req *replication.ReplicaRequest, _ *shard.Shard) error {
	return a.execution(req.Request.Payload).replica.Set(true)
}

// blockingAllPermits holds every permit of the shard while it installs a
// block. It ignores blocks itself.
type blockingAllPermits struct {
	replication.BaseAction
	service *cluster.Service
	scope   cluster.Scope
	timeout time.Duration

	// held is closed once the primary holds all permits. The block is only
	// installed after every delayed write has signalled queued. queued must
	// be buffered for all delayed writes.
	held    chan struct{}
	queued  chan struct{}
	delayed int
}

func (a *blockingAllPermits) Name() string                           { return "blocking-all-permits" }
func (a *blockingAllPermits) GlobalBlockLevel() cluster.Level        { return cluster.LevelNone }
func (a *blockingAllPermits) IndexBlockLevel() cluster.Level         { return cluster.LevelNone }
func (a *blockingAllPermits) PermitMode() permits.Mode               { return permits.ModeExclusive }
func (a *blockingAllPermits) ExclusiveTimeout() time.Duration        { return a.timeout }
func (a *blockingAllPermits) QuorumPolicy() replication.QuorumPolicy { return replication.QuorumAll }

func (a *blockingAllPermits) ShardOperationOnPrimary(ctx context.Context, _ *replication.Request, s *shard.Shard) error {
	if active := s.ActiveOperationsCount(); active != 0 {
		return fmt.Errorf("%d operations active under all permits", active)
	}

	close(a.held)

	for i := 0; i < a.delayed; i++ {
		select {
		case <-a.queued:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err := a.service.Install(ctx, simulationBlock, a.scope)
	return err
}

func (a *blockingAllPermits) ShardOperationOnReplica(_ context.Context, _ *replication.ReplicaRequest, s *shard.Shard) error {
	if active := s.ActiveOperationsCount(); active != 0 {
		return fmt.Errorf("%d replica operations active under all permits", active)
	}
	return nil
}

// simulation is a primary and a replica node of one shard. The replica is
// served over gRPC on a unix socket.
type simulation struct {
	logger    *logrus.Entry
	socketDir string
	timeout   time.Duration

	service *cluster.Service
	gateway *gateway.Gateway
	shardID shard.ID
	primary *shard.Shard
	replica *shard.Shard

	server      *grpc.Server
	client      *transport.Client
	coordinator *replication.Coordinator
	handler     *replication.ReplicaHandler
}

func newSimulation(ctx context.Context, conf config.Config, logger *logrus.Entry, registerer prometheus.Registerer) (_ *simulation, returnedErr error) {
	blockCheck, err := conf.Replication.BlockCheck()
	if err != nil {
		return nil, err
	}

	socketDir, err := ioutil.TempDir(conf.SocketDir, "shardrepl-simulate")
	if err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	sim := &simulation{
		logger:    logger,
		socketDir: socketDir,
		timeout:   conf.Replication.AllPermitsTimeout.Duration(),
		shardID:   shard.NewID(simulationIndex, 0),
	}
	defer func() {
		if returnedErr != nil {
			sim.Close()
		}
	}()

	primaryID, replicaID := conf.NodeID+"-primary", conf.NodeID+"-replica"
	primaryRouting := shard.NewRouting(sim.shardID, primaryID, true)
	replicaRouting := shard.NewRouting(sim.shardID, replicaID, false)
	replicaSocket := filepath.Join(socketDir, "replica.sock")

	sim.service, err = cluster.NewService(cluster.NewStateBuilder(conf.Cluster.Name).
		AddNode(cluster.Node{ID: primaryID, Name: "primary"}).
		AddNode(cluster.Node{ID: replicaID, Name: "replica", Address: "unix://" + replicaSocket}).
		PutShardTable(cluster.ShardTable{Primary: primaryRouting, Replicas: []shard.Routing{replicaRouting}}).
		Build(), cluster.WithHistorySize(conf.Cluster.HistorySize))
	if err != nil {
		return nil, err
	}

	if conf.Cluster.GatewayPath != "" {
		if sim.gateway, err = gateway.Open(conf.Cluster.GatewayPath); err != nil {
			return nil, err
		}
		if err := sim.gateway.Restore(ctx, sim.service); err != nil {
			return nil, err
		}
	}

	metrics := replication.NewMetrics(conf.Prometheus.PhaseDurationBuckets)
	for _, collector := range []prometheus.Collector{sim.service, metrics} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sim.primary = shard.New(primaryRouting, 1, permits.WithMonitor(permits.NewPromMonitor(primaryID+sim.shardID.String())))
	sim.replica = shard.New(replicaRouting, 1, permits.WithMonitor(permits.NewPromMonitor(replicaID+sim.shardID.String())))

	replicaShards := replication.NewShardRegistry()
	replicaShards.Add(sim.replica)
	sim.handler = replication.NewReplicaHandler(replicaID, sim.service, replicaShards,
		replication.WithReplicaBlockCheck(blockCheck),
		replication.WithReplicaMetrics(metrics),
	)

	listener, err := net.Listen("unix", replicaSocket)
	if err != nil {
		return nil, fmt.Errorf("replica listener: %w", err)
	}
	sim.server = transport.NewServer(sim.handler, logger.WithField("node", replicaID))
	dontpanic.Go(func() {
		if err := sim.server.Serve(listener); err != nil {
			logger.WithError(err).Error("replica server stopped")
		}
	})

	primaryShards := replication.NewShardRegistry()
	primaryShards.Add(sim.primary)
	sim.client = transport.NewClient()
	sim.coordinator = replication.NewCoordinator(primaryID, sim.service, primaryShards, sim.client, replication.WithMetrics(metrics))

	logger.WithFields(logrus.Fields{
		"primary":             primaryRouting.String(),
		"replica":             replicaRouting.String(),
		"replica_block_check": blockCheck.String(),
	}).Info("simulation cluster started")

	return sim, nil
}

// Close stops the replica server and releases every resource of the simulation.
func (s *simulation) Close() {
	if s.server != nil {
		s.server.Stop()
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.WithError(err).Warn("closing replication client")
		}
	}
	if s.primary != nil {
		s.primary.Close()
	}
	if s.replica != nil {
		s.replica.Close()
	}
	if s.gateway != nil {
		if err := s.gateway.Close(); err != nil {
			s.logger.WithError(err).Warn("closing gateway")
		}
	}
	if err := os.RemoveAll(s.socketDir); err != nil {
		s.logger.WithError(err).Warn("removing socket directory")
	}
}

// operationResult is the outcome of one replicated operation.
type operationResult struct {
	name      string
	delayed   bool
	resp      *replication.Response
	err       error
	onPrimary bool
	onReplica bool
}

func (r operationResult) blocked() bool {
	var blocked *cluster.BlockedError
	return errors.As(r.err, &blocked)
}

// run executes ops shared writes of which the last delayed ones only request
// their permit once all permits are held. The block is removed again before
// run returns.
func (s *simulation) run(ctx context.Context, ops, delayed int, scope cluster.Scope) (*report, error) {
	ctx = ctxlogrus.ToContext(ctx, s.logger)

	writes := &simulatedWrite{}
	s.handler.Register(writes)

	allPermits := &blockingAllPermits{
		service: s.service,
		scope:   scope,
		timeout: s.timeout,
		held:    make(chan struct{}),
		queued:  make(chan struct{}, delayed),
		delayed: delayed,
	}
	s.handler.Register(allPermits)

	type pending struct {
		name    string
		delayed bool
		future  *replication.Future
	}
	var operations []pending

	execute := func(name string, isDelayed bool, action replication.Action, hooks replication.Hooks) *replication.Future {
		future := replication.NewFuture()
		payload, _ := json.Marshal(name)
		s.coordinator.ExecuteAsync(ctx, action, &replication.Request{ShardID: s.shardID, Payload: payload}, hooks, future)
		operations = append(operations, pending{name: name, delayed: isDelayed, future: future})
		return future
	}

	for i := 0; i < ops-delayed; i++ {
		execute(fmt.Sprintf("write-%d", i), false, writes, replication.Hooks{})
	}

	exclusive := replication.NewFuture()
	s.coordinator.ExecuteAsync(ctx, allPermits, &replication.Request{ShardID: s.shardID, Payload: json.RawMessage(`"all-permits"`)}, replication.Hooks{}, exclusive)

	for i := 0; i < delayed; i++ {
		execute(fmt.Sprintf("delayed-%d", i), true, writes, replication.Hooks{
			OnBeforeAcquire: func(ctx context.Context) {
				defer func() { allPermits.queued <- struct{}{} }()
				select {
				case <-allPermits.held:
				case <-ctx.Done():
				}
			},
		})
	}

	if _, err := exclusive.Get(ctx); err != nil {
		return nil, fmt.Errorf("all permits operation: %w", err)
	}

	rep := &report{block: simulationBlock, scope: scope}
	for _, op := range operations {
		resp, err := op.future.Get(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		payload, _ := json.Marshal(op.name)
		record := writes.execution(payload)
		rep.results = append(rep.results, operationResult{
			name:      op.name,
			delayed:   op.delayed,
			resp:      resp,
			err:       err,
			onPrimary: record.onPrimary(),
			onReplica: record.onReplica(),
		})
	}

	if _, err := s.service.Remove(ctx, simulationBlock, scope); err != nil {
		return nil, fmt.Errorf("remove block: %w", err)
	}

	rep.activeOperations = s.primary.ActiveOperationsCount() + s.replica.ActiveOperationsCount()

	return rep, nil
}
