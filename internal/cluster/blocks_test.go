package cluster

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	writeBlock = Block{
		ID:          1,
		Description: "no writes",
		Retryable:   true,
		Status:      codes.Unavailable,
		Levels:      LevelWrite,
	}
	readOnlyBlock = Block{
		ID:          5,
		Description: "read-only",
		Status:      codes.PermissionDenied,
		Levels:      LevelWrite | LevelMetadataWrite,
	}
	readBlock = Block{
		ID:          7,
		Description: "no reads",
		Retryable:   true,
		Status:      codes.Unavailable,
		Levels:      LevelRead,
	}
)

func TestBlocks_globalRoundTrip(t *testing.T) {
	blocks := NewBlocksBuilder().AddGlobalBlock(writeBlock).Build()

	require.True(t, blocks.HasGlobalBlock(writeBlock))
	require.True(t, blocks.HasGlobalBlockWithID(writeBlock.ID))
	require.True(t, blocks.HasGlobalBlockLevel(LevelWrite))
	require.False(t, blocks.HasGlobalBlockLevel(LevelRead))
	require.False(t, blocks.HasIndexBlock("index", writeBlock))
	require.False(t, blocks.HasIndexBlockLevel("index", LevelWrite))

	err := blocks.GlobalBlockedError(LevelWrite)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	require.Equal(t, []Block{writeBlock}, blocked.Blocks)

	require.NoError(t, blocks.GlobalBlockedError(LevelRead))
	require.NoError(t, blocks.GlobalBlockedError(LevelNone))
}

func TestBlocks_indexRoundTrip(t *testing.T) {
	blocks := NewBlocksBuilder().AddIndexBlock("index", writeBlock).Build()

	require.True(t, blocks.HasIndexBlock("index", writeBlock))
	require.True(t, blocks.HasIndexBlockLevel("index", LevelWrite))
	require.False(t, blocks.HasIndexBlock("other", writeBlock))
	require.False(t, blocks.HasGlobalBlock(writeBlock))
	require.False(t, blocks.HasGlobalBlockLevel(LevelWrite))

	require.NoError(t, blocks.GlobalBlockedError(LevelWrite))
	require.NoError(t, blocks.IndexBlockedError(LevelWrite, "other"))

	err := blocks.IndexBlockedError(LevelWrite, "index")
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	require.True(t, blocked.Contains(writeBlock))
}

func TestBlocks_indexBlockedErrorIncludesGlobal(t *testing.T) {
	blocks := NewBlocksBuilder().
		AddGlobalBlock(writeBlock).
		AddIndexBlock("index", readOnlyBlock).
		AddIndexBlock("index", readBlock).
		Build()

	err := blocks.IndexBlockedError(LevelWrite, "index")
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	require.Equal(t, []Block{writeBlock, readOnlyBlock}, blocked.Blocks)

	err = blocks.IndexBlockedError(LevelWrite, "other")
	require.True(t, errors.As(err, &blocked))
	require.Equal(t, []Block{writeBlock}, blocked.Blocks)
}

func TestBlocksBuilder(t *testing.T) {
	builder := NewBlocksBuilder().AddGlobalBlock(writeBlock).AddGlobalBlock(writeBlock)
	first := builder.Build()
	require.Len(t, first.Global(), 1, "adding a block twice must not duplicate it")

	builder.AddGlobalBlock(readBlock).AddIndexBlock("index", readOnlyBlock)
	second := builder.Build()

	require.Len(t, first.Global(), 1, "built blocks must not change with the builder")
	require.False(t, first.HasIndexBlock("index", readOnlyBlock))
	require.Len(t, second.Global(), 2)
	require.Equal(t, []string{"index"}, second.Indices())

	copied := NewBlocksBuilder().Blocks(second).
		RemoveGlobalBlock(writeBlock).
		RemoveIndexBlock("index", readOnlyBlock).
		Build()
	require.Equal(t, []Block{readBlock}, copied.Global())
	require.Empty(t, copied.Indices())
	require.True(t, second.HasGlobalBlock(writeBlock), "source blocks must not change")

	byID := NewBlocksBuilder().Blocks(second).RemoveGlobalBlockWithID(readBlock.ID).RemoveIndexBlocks("index").Build()
	require.Equal(t, []Block{writeBlock}, byID.Global())
	require.Empty(t, byID.Index("index"))

	require.True(t, NewBlocksBuilder().Build().Empty())
	require.Equal(t, "blocks: none", Blocks{}.String())
}

func TestBlocks_removeOnlyMatchesValue(t *testing.T) {
	sameID := writeBlock
	sameID.Description = "different"

	blocks := NewBlocksBuilder().AddGlobalBlock(writeBlock).RemoveGlobalBlock(sameID).Build()
	require.True(t, blocks.HasGlobalBlock(writeBlock))
	require.False(t, blocks.HasGlobalBlock(sameID))
}

func TestBlocks_Equal(t *testing.T) {
	persistent := writeBlock
	persistent.Persistent = true

	blocks := NewBlocksBuilder().AddGlobalBlock(writeBlock).AddIndexBlock("index", readBlock).Build()

	for _, tc := range []struct {
		desc  string
		other Blocks
		equal bool
	}{
		{
			desc:  "same blocks in another order",
			other: NewBlocksBuilder().AddIndexBlock("index", readBlock).AddGlobalBlock(writeBlock).Build(),
			equal: true,
		},
		{
			desc:  "block differs only in flags",
			other: NewBlocksBuilder().AddGlobalBlock(persistent).AddIndexBlock("index", readBlock).Build(),
		},
		{
			desc:  "block in another scope",
			other: NewBlocksBuilder().AddGlobalBlock(writeBlock).AddIndexBlock("other", readBlock).Build(),
		},
		{
			desc:  "missing block",
			other: NewBlocksBuilder().AddGlobalBlock(writeBlock).Build(),
		},
		{
			desc:  "no blocks",
			other: Blocks{},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.equal, blocks.Equal(tc.other))
			require.Equal(t, tc.equal, tc.other.Equal(blocks))
		})
	}

	require.True(t, Blocks{}.Equal(NewBlocksBuilder().Build()))
}

func TestBlockedError(t *testing.T) {
	for _, tc := range []struct {
		desc      string
		blocks    []Block
		retryable bool
		code      codes.Code
	}{
		{
			desc:      "single retryable",
			blocks:    []Block{writeBlock},
			retryable: true,
			code:      codes.Unavailable,
		},
		{
			desc:      "non-retryable wins",
			blocks:    []Block{writeBlock, readOnlyBlock},
			retryable: false,
			code:      codes.PermissionDenied,
		},
		{
			desc:      "all retryable uses first",
			blocks:    []Block{readBlock, writeBlock},
			retryable: true,
			code:      codes.Unavailable,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := &BlockedError{Blocks: tc.blocks}
			require.Equal(t, tc.retryable, err.Retryable())
			require.Equal(t, tc.code, err.Code())
			require.Equal(t, tc.code, status.Code(err))
		})
	}

	require.Equal(t,
		"blocked by: [Unavailable/1/no writes];[PermissionDenied/5/read-only];",
		(&BlockedError{Blocks: []Block{writeBlock, readOnlyBlock}}).Error(),
	)
}
