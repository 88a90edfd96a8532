package replication

import (
	"fmt"
	"sync"

	"gitlab.com/gitlab-org/shardrepl/internal/shard"
)

// ShardProvider looks up the shard copies hosted by a node.
type ShardProvider interface {
	Shard(id shard.ID) (*shard.Shard, error)
}

// ShardRegistry is a ShardProvider holding the copies of one node.
type ShardRegistry struct {
	mu     sync.RWMutex
	shards map[shard.ID]*shard.Shard
}

// NewShardRegistry returns an empty registry.
func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{shards: map[shard.ID]*shard.Shard{}}
}

// Add registers a shard copy, replacing any copy of the same shard.
func (r *ShardRegistry) Add(s *shard.Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[s.ID()] = s
}

// Remove unregisters and closes the copy of shard id.
func (r *ShardRegistry) Remove(id shard.ID) {
	r.mu.Lock()
	s, ok := r.shards[id]
	delete(r.shards, id)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Shard returns the copy of shard id or an error matching ErrShardNotFound.
func (r *ShardRegistry) Shard(id shard.ID) (*shard.Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.shards[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrShardNotFound)
	}
	return s, nil
}
