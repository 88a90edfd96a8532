// Package shard models a single copy of a shard together with the state the
// replication pipelines need to fence stale writes: the operation primary
// term and the sequencing checkpoints.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardrepl/internal/shard/permits"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnassignedSeqNo is the sequence number of a copy that has not processed
// any operation yet.
const UnassignedSeqNo int64 = -2

var (
	// ErrStalePrimaryTerm is matched by errors raised when an operation
	// carries a primary term older than the one known to the shard copy.
	ErrStalePrimaryTerm = errors.New("stale primary term")
	// ErrNotPrimary is returned when primary permits are requested on a
	// replica copy.
	ErrNotPrimary = errors.New("shard copy is not a primary")
)

// StalePrimaryTermError is returned when an operation was issued under an
// older primary term than the shard copy currently knows about.
type StalePrimaryTermError struct {
	ShardID     ID
	RequestTerm uint64
	CurrentTerm uint64
}

func (e *StalePrimaryTermError) Error() string {
	return fmt.Sprintf("%s operation primary term [%d] is too old (current [%d])", e.ShardID, e.RequestTerm, e.CurrentTerm)
}

// Is makes errors.Is(err, ErrStalePrimaryTerm) succeed.
func (e *StalePrimaryTermError) Is(target error) bool { return target == ErrStalePrimaryTerm }

// GRPCStatus maps the error to a gRPC status.
func (e *StalePrimaryTermError) GRPCStatus() *status.Status {
	return status.New(codes.FailedPrecondition, e.Error())
}

// Shard is one copy of a shard, either the primary or a replica.
type Shard struct {
	id      ID
	permits *permits.Permits

	mu                sync.RWMutex
	routing           Routing
	primaryTerm       uint64
	globalCheckpoint  int64
	maxSeqNoOfUpdates int64
}

// New creates a shard copy for the given routing entry, starting at the given
// primary term.
func New(routing Routing, primaryTerm uint64, opts ...permits.Option) *Shard {
	return &Shard{
		id:                routing.ShardID,
		permits:           permits.New(opts...),
		routing:           routing,
		primaryTerm:       primaryTerm,
		globalCheckpoint:  UnassignedSeqNo,
		maxSeqNoOfUpdates: UnassignedSeqNo,
	}
}

func (s *Shard) log(ctx context.Context) logrus.FieldLogger {
	return ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"component": "shard.Shard",
		"shard":     s.id.String(),
	})
}

// ID returns the identity of the shard this copy belongs to.
func (s *Shard) ID() ID {
	return s.id
}

// Routing returns the current routing entry of the copy.
func (s *Shard) Routing() Routing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routing
}

// PrimaryTerm returns the operation primary term of the copy.
func (s *Shard) PrimaryTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primaryTerm
}

// GlobalCheckpoint returns the highest sequence number known to be processed
// by all in-sync copies.
func (s *Shard) GlobalCheckpoint() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalCheckpoint
}

// MaxSeqNoOfUpdates returns the maximum sequence number of update operations
// observed by the copy.
func (s *Shard) MaxSeqNoOfUpdates() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeqNoOfUpdates
}

// ActiveOperationsCount returns the number of shared operation permits held.
func (s *Shard) ActiveOperationsCount() int {
	return s.permits.ActiveOperationsCount()
}

// Permits returns the operation permit gate of the copy.
func (s *Shard) Permits() *permits.Permits {
	return s.permits
}

// AcquirePrimaryPermit acquires an operation permit on a primary copy. For
// ModeExclusive the acquisition is bounded by timeout.
func (s *Shard) AcquirePrimaryPermit(ctx context.Context, mode permits.Mode, timeout time.Duration) (*permits.Permit, error) {
	if !s.Routing().Primary {
		return nil, fmt.Errorf("%s: %w", s.ID(), ErrNotPrimary)
	}

	return s.acquire(ctx, mode, timeout)
}

// AcquireReplicaPermit acquires an operation permit on behalf of an operation
// replicated by the primary running under primaryTerm. Operations from an
// older primary are rejected. A newer primary term is adopted after draining
// all operations issued under the previous one. The sequencing checkpoints
// are advanced once the permit is held.
func (s *Shard) AcquireReplicaPermit(ctx context.Context, primaryTerm uint64, globalCheckpoint, maxSeqNoOfUpdates int64, mode permits.Mode, timeout time.Duration) (*permits.Permit, error) {
	if current := s.PrimaryTerm(); primaryTerm > current {
		if err := s.BumpPrimaryTerm(ctx, primaryTerm, timeout); err != nil {
			return nil, err
		}
	}

	permit, err := s.acquire(ctx, mode, timeout)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if primaryTerm < s.primaryTerm {
		permit.Release()
		return nil, &StalePrimaryTermError{ShardID: s.routing.ShardID, RequestTerm: primaryTerm, CurrentTerm: s.primaryTerm}
	}

	if globalCheckpoint > s.globalCheckpoint {
		s.globalCheckpoint = globalCheckpoint
	}
	if maxSeqNoOfUpdates > s.maxSeqNoOfUpdates {
		s.maxSeqNoOfUpdates = maxSeqNoOfUpdates
	}

	return permit, nil
}

// BumpPrimaryTerm raises the operation primary term to term while holding all
// operation permits, so no operation of the previous term is still executing
// once the new term is visible. Lower or equal terms are ignored.
func (s *Shard) BumpPrimaryTerm(ctx context.Context, term uint64, timeout time.Duration) error {
	return s.permits.RunExclusive(ctx, timeout, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if term <= s.primaryTerm {
			return nil
		}

		s.log(ctx).WithFields(logrus.Fields{
			"primary_term.old": s.primaryTerm,
			"primary_term.new": term,
		}).Info("adopting newer primary term")

		s.primaryTerm = term
		return nil
	})
}

// PromoteToPrimary turns a replica copy into the primary under a new term.
func (s *Shard) PromoteToPrimary(ctx context.Context, term uint64, timeout time.Duration) error {
	if err := s.BumpPrimaryTerm(ctx, term, timeout); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primaryTerm != term {
		return &StalePrimaryTermError{ShardID: s.routing.ShardID, RequestTerm: term, CurrentTerm: s.primaryTerm}
	}
	s.routing.Primary = true

	return nil
}

// UpdateGlobalCheckpoint advances the global checkpoint of a primary copy.
func (s *Shard) UpdateGlobalCheckpoint(checkpoint int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if checkpoint > s.globalCheckpoint {
		s.globalCheckpoint = checkpoint
	}
}

// AdvanceMaxSeqNoOfUpdates records an update operation with sequence number
// seqNo.
func (s *Shard) AdvanceMaxSeqNoOfUpdates(seqNo int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seqNo > s.maxSeqNoOfUpdates {
		s.maxSeqNoOfUpdates = seqNo
	}
}

// Close closes the copy. Pending and future permit acquisitions fail.
func (s *Shard) Close() {
	s.permits.Close()
}

func (s *Shard) acquire(ctx context.Context, mode permits.Mode, timeout time.Duration) (*permits.Permit, error) {
	switch mode {
	case permits.ModeShared:
		return s.permits.Acquire(ctx)
	case permits.ModeExclusive:
		return s.permits.AcquireAll(ctx, timeout)
	default:
		return nil, fmt.Errorf("unknown permit mode %v", mode)
	}
}
