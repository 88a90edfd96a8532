package cluster

import (
	"sort"

	"gitlab.com/gitlab-org/shardrepl/internal/shard"
)

// Node is a member of the cluster.
type Node struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ShardTable lists the copies of a single shard.
type ShardTable struct {
	Primary  shard.Routing
	Replicas []shard.Routing
}

// Copies returns the primary followed by all replicas.
func (t ShardTable) Copies() []shard.Routing {
	return append([]shard.Routing{t.Primary}, t.Replicas...)
}

// State is an immutable, versioned snapshot of the cluster. A published
// State is never modified; changes produce a new State through
// StateBuilder.
type State struct {
	version     int64
	clusterName string
	nodes       map[string]Node
	blocks      Blocks
	routing     map[shard.ID]ShardTable
}

// Version increases by one with every published change.
func (s *State) Version() int64 { return s.version }

// ClusterName is the name of the cluster.
func (s *State) ClusterName() string { return s.clusterName }

// Blocks returns the blocks installed in this snapshot.
func (s *State) Blocks() Blocks { return s.blocks }

// Node looks up a node by its ID.
func (s *State) Node(id string) (Node, bool) {
	node, ok := s.nodes[id]
	return node, ok
}

// Nodes returns all nodes ordered by ID.
func (s *State) Nodes() []Node {
	nodes := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// ShardTable returns the routing table of a shard.
func (s *State) ShardTable(id shard.ID) (ShardTable, bool) {
	table, ok := s.routing[id]
	if !ok {
		return ShardTable{}, false
	}
	table.Replicas = append([]shard.Routing(nil), table.Replicas...)
	return table, true
}

// StateBuilder creates State snapshots.
type StateBuilder struct {
	state State
}

// NewStateBuilder starts an empty snapshot of the named cluster.
func NewStateBuilder(clusterName string) *StateBuilder {
	return &StateBuilder{state: State{
		clusterName: clusterName,
		nodes:       map[string]Node{},
		routing:     map[shard.ID]ShardTable{},
	}}
}

// StateBuilderFrom starts a snapshot with the contents of s.
func StateBuilderFrom(s *State) *StateBuilder {
	b := NewStateBuilder(s.clusterName)
	b.state.version = s.version
	b.state.blocks = s.blocks
	for id, node := range s.nodes {
		b.state.nodes[id] = node
	}
	for id, table := range s.routing {
		b.state.routing[id] = table
	}
	return b
}

// Version sets the version of the snapshot.
func (b *StateBuilder) Version(version int64) *StateBuilder {
	b.state.version = version
	return b
}

// AddNode adds or replaces a node.
func (b *StateBuilder) AddNode(node Node) *StateBuilder {
	b.state.nodes[node.ID] = node
	return b
}

// RemoveNode removes the node with the given ID.
func (b *StateBuilder) RemoveNode(id string) *StateBuilder {
	delete(b.state.nodes, id)
	return b
}

// Blocks replaces the blocks of the snapshot.
func (b *StateBuilder) Blocks(blocks Blocks) *StateBuilder {
	b.state.blocks = blocks
	return b
}

// PutShardTable adds or replaces the routing table of a shard.
func (b *StateBuilder) PutShardTable(table ShardTable) *StateBuilder {
	table.Replicas = append([]shard.Routing(nil), table.Replicas...)
	b.state.routing[table.Primary.ShardID] = table
	return b
}

// Build returns the snapshot. The builder can be reused afterwards without
// affecting the returned State.
func (b *StateBuilder) Build() *State {
	s := b.state

	s.nodes = make(map[string]Node, len(b.state.nodes))
	for id, node := range b.state.nodes {
		s.nodes[id] = node
	}

	s.routing = make(map[shard.ID]ShardTable, len(b.state.routing))
	for id, table := range b.state.routing {
		s.routing[id] = table
	}

	return &s
}
