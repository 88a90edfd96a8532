package cluster

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Blocks is an immutable set of global and per-index blocks.
type Blocks struct {
	global  []Block
	indices map[string][]Block
}

// Global returns the blocks applying to every index.
func (b Blocks) Global() []Block {
	return append([]Block(nil), b.global...)
}

// Index returns the blocks installed for index.
func (b Blocks) Index(index string) []Block {
	return append([]Block(nil), b.indices[index]...)
}

// Indices returns the names of all indices with blocks, sorted.
func (b Blocks) Indices() []string {
	names := make([]string, 0, len(b.indices))
	for name := range b.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether no block is installed at all.
func (b Blocks) Empty() bool {
	return len(b.global) == 0 && len(b.indices) == 0
}

// HasGlobalBlock reports whether block is installed globally.
func (b Blocks) HasGlobalBlock(block Block) bool {
	return containsBlock(b.global, block)
}

// HasGlobalBlockWithID reports whether any global block has the given id.
func (b Blocks) HasGlobalBlockWithID(id int) bool {
	for _, block := range b.global {
		if block.ID == id {
			return true
		}
	}
	return false
}

// HasGlobalBlockLevel reports whether any global block forbids level.
func (b Blocks) HasGlobalBlockLevel(level Level) bool {
	return len(blocksWithLevel(b.global, level)) > 0
}

// HasIndexBlock reports whether block is installed for index.
func (b Blocks) HasIndexBlock(index string, block Block) bool {
	return containsBlock(b.indices[index], block)
}

// HasIndexBlockLevel reports whether any block of index forbids level.
// Global blocks are not considered.
func (b Blocks) HasIndexBlockLevel(index string, level Level) bool {
	return len(blocksWithLevel(b.indices[index], level)) > 0
}

// GlobalBlockedError returns a *BlockedError listing the global blocks that
// forbid level, or nil if there are none.
func (b Blocks) GlobalBlockedError(level Level) error {
	blocked := blocksWithLevel(b.global, level)
	if len(blocked) == 0 {
		return nil
	}
	return &BlockedError{Blocks: blocked}
}

// IndexBlockedError returns a *BlockedError if index is blocked at level,
// either globally or by its own blocks. The error lists all matching blocks.
func (b Blocks) IndexBlockedError(level Level, index string) error {
	blocked := append(blocksWithLevel(b.global, level), blocksWithLevel(b.indices[index], level)...)
	if len(blocked) == 0 {
		return nil
	}
	return &BlockedError{Blocks: blocked}
}

func (b Blocks) String() string {
	if b.Empty() {
		return "blocks: none"
	}

	var sb strings.Builder
	sb.WriteString("blocks:")
	for _, block := range b.global {
		fmt.Fprintf(&sb, " _global_[%s]", block)
	}
	for _, index := range b.Indices() {
		for _, block := range b.indices[index] {
			fmt.Fprintf(&sb, " %s[%s]", index, block)
		}
	}
	return sb.String()
}

// Equal reports whether b and other hold the same blocks in the same scopes,
// comparing blocks by value.
func (b Blocks) Equal(other Blocks) bool {
	if !sameBlocks(b.global, other.global) || len(b.indices) != len(other.indices) {
		return false
	}

	for index, blocks := range b.indices {
		otherBlocks, ok := other.indices[index]
		if !ok || !sameBlocks(blocks, otherBlocks) {
			return false
		}
	}

	return true
}

func sameBlocks(a, b []Block) bool {
	if len(a) != len(b) {
		return false
	}

	for _, block := range a {
		if !containsBlock(b, block) {
			return false
		}
	}

	return true
}

func containsBlock(blocks []Block, block Block) bool {
	for _, candidate := range blocks {
		if candidate.Equal(block) {
			return true
		}
	}
	return false
}

func blocksWithLevel(blocks []Block, level Level) []Block {
	var matching []Block
	for _, block := range blocks {
		if block.Contains(level) {
			matching = append(matching, block)
		}
	}
	return matching
}

// BlocksBuilder assembles a new Blocks value.
type BlocksBuilder struct {
	global  []Block
	indices map[string][]Block
}

// NewBlocksBuilder returns an empty builder.
func NewBlocksBuilder() *BlocksBuilder {
	return &BlocksBuilder{indices: map[string][]Block{}}
}

// Blocks copies all blocks of blocks into the builder.
func (bb *BlocksBuilder) Blocks(blocks Blocks) *BlocksBuilder {
	for _, block := range blocks.global {
		bb.AddGlobalBlock(block)
	}
	for index, indexBlocks := range blocks.indices {
		for _, block := range indexBlocks {
			bb.AddIndexBlock(index, block)
		}
	}
	return bb
}

// AddGlobalBlock adds a global block. Adding an existing block is a no-op.
func (bb *BlocksBuilder) AddGlobalBlock(block Block) *BlocksBuilder {
	if !containsBlock(bb.global, block) {
		bb.global = append(bb.global, block)
	}
	return bb
}

// RemoveGlobalBlock removes block from the global blocks.
func (bb *BlocksBuilder) RemoveGlobalBlock(block Block) *BlocksBuilder {
	bb.global = removeBlock(bb.global, func(b Block) bool { return b.Equal(block) })
	return bb
}

// RemoveGlobalBlockWithID removes all global blocks with the given id.
func (bb *BlocksBuilder) RemoveGlobalBlockWithID(id int) *BlocksBuilder {
	bb.global = removeBlock(bb.global, func(b Block) bool { return b.ID == id })
	return bb
}

// AddIndexBlock adds block for index. Adding an existing block is a no-op.
func (bb *BlocksBuilder) AddIndexBlock(index string, block Block) *BlocksBuilder {
	if !containsBlock(bb.indices[index], block) {
		bb.indices[index] = append(bb.indices[index], block)
	}
	return bb
}

// RemoveIndexBlock removes block from index.
func (bb *BlocksBuilder) RemoveIndexBlock(index string, block Block) *BlocksBuilder {
	remaining := removeBlock(bb.indices[index], func(b Block) bool { return b.Equal(block) })
	if len(remaining) == 0 {
		delete(bb.indices, index)
	} else {
		bb.indices[index] = remaining
	}
	return bb
}

// RemoveIndexBlocks removes all blocks of index.
func (bb *BlocksBuilder) RemoveIndexBlocks(index string) *BlocksBuilder {
	delete(bb.indices, index)
	return bb
}

// Build returns the immutable Blocks. The builder may be reused afterwards
// without affecting the returned value.
func (bb *BlocksBuilder) Build() Blocks {
	blocks := Blocks{global: append([]Block(nil), bb.global...)}

	if len(bb.indices) > 0 {
		blocks.indices = make(map[string][]Block, len(bb.indices))
		for index, indexBlocks := range bb.indices {
			blocks.indices[index] = append([]Block(nil), indexBlocks...)
		}
	}

	return blocks
}

func removeBlock(blocks []Block, match func(Block) bool) []Block {
	remaining := blocks[:0:0]
	for _, block := range blocks {
		if !match(block) {
			remaining = append(remaining, block)
		}
	}
	return remaining
}

// BlockedError is returned when an operation is rejected because of cluster
// blocks. The operation did not run, so retrying it has no side effects.
type BlockedError struct {
	Blocks []Block
}

func (e *BlockedError) Error() string {
	var sb strings.Builder
	sb.WriteString("blocked by: ")
	for _, block := range e.Blocks {
		fmt.Fprintf(&sb, "[%s/%d/%s];", block.Status, block.ID, block.Description)
	}
	return sb.String()
}

// Retryable reports whether every block is retryable.
func (e *BlockedError) Retryable() bool {
	for _, block := range e.Blocks {
		if !block.Retryable {
			return false
		}
	}
	return true
}

// Contains reports whether block is one of the blocks that caused the error.
func (e *BlockedError) Contains(block Block) bool {
	return containsBlock(e.Blocks, block)
}

// Code is the status code of the first non-retryable block, or of the first
// block if all of them are retryable.
func (e *BlockedError) Code() codes.Code {
	for _, block := range e.Blocks {
		if !block.Retryable {
			return block.Status
		}
	}
	if len(e.Blocks) > 0 {
		return e.Blocks[0].Status
	}
	return codes.Unknown
}

// GRPCStatus maps the error to a gRPC status.
func (e *BlockedError) GRPCStatus() *status.Status {
	return status.New(e.Code(), e.Error())
}
