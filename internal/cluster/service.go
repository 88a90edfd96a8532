package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// DefaultHistorySize is the number of published snapshots retained for
// StateAt.
const DefaultHistorySize = 32

// ErrInvalidScope is returned when a block scope names neither the cluster
// nor an index.
var ErrInvalidScope = errors.New("block scope must be global or name an index")

// Scope selects where a block is installed.
type Scope struct {
	Global bool
	Index  string
}

// GlobalScope installs blocks for the whole cluster.
func GlobalScope() Scope { return Scope{Global: true} }

// IndexScope installs blocks for a single index.
func IndexScope(index string) Scope { return Scope{Index: index} }

func (s Scope) validate() error {
	if s.Global == (s.Index != "") {
		return ErrInvalidScope
	}
	return nil
}

func (s Scope) String() string {
	if s.Global {
		return "_global_"
	}
	return s.Index
}

// ChangedEvent describes a published change of the cluster state.
type ChangedEvent struct {
	Source   string
	Previous *State
	Current  *State
}

// BlocksChanged reports whether the change installed or removed blocks.
func (e ChangedEvent) BlocksChanged() bool {
	return !e.Previous.Blocks().Equal(e.Current.Blocks())
}

// Listener is notified of every published state. Notifications are
// delivered in version order on the goroutine that published the change.
// Listeners must not publish changes themselves.
type Listener interface {
	StateChanged(ctx context.Context, event ChangedEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, event ChangedEvent)

// StateChanged calls f.
func (f ListenerFunc) StateChanged(ctx context.Context, event ChangedEvent) { f(ctx, event) }

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(size int) ServiceOption {
	return func(s *Service) {
		s.historySize = size
	}
}

// Service owns the current cluster state. Readers obtain the current
// snapshot without locking; writers are serialized and publish a new
// snapshot per change.
type Service struct {
	current     atomic.Value
	historySize int
	history     *lru.Cache

	mu        deadlock.Mutex
	listeners []Listener

	updatesTotal *prometheus.CounterVec
	version      prometheus.Gauge
}

// NewService creates a service publishing initial as its first snapshot.
func NewService(initial *State, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		historySize: DefaultHistorySize,
		updatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shardrepl",
				Subsystem: "cluster",
				Name:      "state_updates_total",
				Help:      "Total number of cluster state update attempts",
			},
			[]string{"source", "result"},
		),
		version: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shardrepl",
				Subsystem: "cluster",
				Name:      "state_version",
				Help:      "Version of the currently published cluster state",
			},
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	history, err := lru.New(s.historySize)
	if err != nil {
		return nil, fmt.Errorf("create state history: %w", err)
	}
	s.history = history

	s.publish(initial)

	return s, nil
}

func (s *Service) log(ctx context.Context) logrus.FieldLogger {
	return ctxlogrus.Extract(ctx).WithField("component", "cluster.Service")
}

// Describe implements prometheus.Collector.
func (s *Service) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

// Collect implements prometheus.Collector.
func (s *Service) Collect(metrics chan<- prometheus.Metric) {
	s.updatesTotal.Collect(metrics)
	s.version.Collect(metrics)
}

// State returns the current snapshot.
func (s *Service) State() *State {
	return s.current.Load().(*State)
}

// StateAt returns a recently published snapshot by version.
func (s *Service) StateAt(version int64) (*State, bool) {
	if state := s.State(); state.Version() == version {
		return state, true
	}

	value, ok := s.history.Get(version)
	if !ok {
		return nil, false
	}
	return value.(*State), true
}

// Subscribe registers l for all subsequently published changes.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Update applies fn to the current snapshot and publishes its result with
// the next version. Returning the input snapshot unchanged publishes
// nothing. Updates are serialized.
func (s *Service) Update(ctx context.Context, source string, fn func(*State) (*State, error)) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.State()

	next, err := fn(previous)
	if err != nil {
		s.updatesTotal.WithLabelValues(source, "failed").Inc()
		return nil, fmt.Errorf("cluster state update %q: %w", source, err)
	}

	if next == nil || next == previous {
		s.updatesTotal.WithLabelValues(source, "unchanged").Inc()
		return previous, nil
	}

	next = StateBuilderFrom(next).Version(previous.Version() + 1).Build()
	s.publish(next)
	s.updatesTotal.WithLabelValues(source, "published").Inc()

	s.log(ctx).WithFields(logrus.Fields{
		"source":  source,
		"version": next.Version(),
	}).Debug("published cluster state")

	event := ChangedEvent{Source: source, Previous: previous, Current: next}
	for _, l := range s.listeners {
		l.StateChanged(ctx, event)
	}

	return next, nil
}

// Install publishes a snapshot with block added to the given scope.
func (s *Service) Install(ctx context.Context, block Block, scope Scope) (*State, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	return s.Update(ctx, "install-block", func(current *State) (*State, error) {
		builder := NewBlocksBuilder().Blocks(current.Blocks())
		if scope.Global {
			if current.Blocks().HasGlobalBlock(block) {
				return current, nil
			}
			builder.AddGlobalBlock(block)
		} else {
			if current.Blocks().HasIndexBlock(scope.Index, block) {
				return current, nil
			}
			builder.AddIndexBlock(scope.Index, block)
		}

		s.log(ctx).WithFields(logrus.Fields{
			"block": block.String(),
			"scope": scope.String(),
		}).Info("installing cluster block")

		return StateBuilderFrom(current).Blocks(builder.Build()).Build(), nil
	})
}

// Remove publishes a snapshot without block in the given scope.
func (s *Service) Remove(ctx context.Context, block Block, scope Scope) (*State, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	return s.Update(ctx, "remove-block", func(current *State) (*State, error) {
		builder := NewBlocksBuilder().Blocks(current.Blocks())
		if scope.Global {
			if !current.Blocks().HasGlobalBlock(block) {
				return current, nil
			}
			builder.RemoveGlobalBlock(block)
		} else {
			if !current.Blocks().HasIndexBlock(scope.Index, block) {
				return current, nil
			}
			builder.RemoveIndexBlock(scope.Index, block)
		}

		s.log(ctx).WithFields(logrus.Fields{
			"block": block.String(),
			"scope": scope.String(),
		}).Info("removing cluster block")

		return StateBuilderFrom(current).Blocks(builder.Build()).Build(), nil
	})
}

func (s *Service) publish(state *State) {
	s.current.Store(state)
	s.history.Add(state.Version(), state)
	s.version.Set(float64(state.Version()))
}
