package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shardrepl/internal/testhelper"
	"google.golang.org/grpc/codes"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func TestLevel(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		levels   Level
		level    Level
		contains bool
		str      string
	}{
		{desc: "write in all", levels: LevelAll, level: LevelWrite, contains: true, str: "read,write,metadata_read,metadata_write"},
		{desc: "write in read", levels: LevelRead, level: LevelWrite, contains: false, str: "read"},
		{desc: "none is never contained", levels: LevelAll, level: LevelNone, contains: false, str: "read,write,metadata_read,metadata_write"},
		{desc: "combined level", levels: LevelRead | LevelWrite, level: LevelRead | LevelWrite, contains: true, str: "read,write"},
		{desc: "partial combined level", levels: LevelWrite, level: LevelRead | LevelWrite, contains: false, str: "write"},
		{desc: "empty", levels: LevelNone, level: LevelWrite, contains: false, str: "none"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.contains, tc.levels.Contains(tc.level))
			require.Equal(t, tc.str, tc.levels.String())
		})
	}
}

func TestBlock_Equal(t *testing.T) {
	block := Block{ID: 12, Description: "test block", Retryable: true, Status: codes.Unavailable, Levels: LevelWrite}

	require.True(t, block.Equal(block))

	sameID := block
	sameID.Description = "other block"
	require.False(t, block.Equal(sameID), "blocks sharing an ID must not be equal")

	otherLevels := block
	otherLevels.Levels = LevelAll
	require.False(t, block.Equal(otherLevels))
}

func TestBlock_String(t *testing.T) {
	block := Block{ID: 3, Description: "index read-only", Levels: LevelWrite | LevelMetadataWrite}
	require.Equal(t, "3,index read-only, blocks write,metadata_write", block.String())
}
