package storage

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkPointIDDeterministic(t *testing.T) {
	id1 := ChunkPointID("cand-001", 0)
	id2 := ChunkPointID("cand-001", 0)
	assert.Equal(t, id1, id2, "同一候选人同一分块应生成相同的点ID")

	parsed, err := uuid.FromString(id1)
	require.NoError(t, err)
	assert.Equal(t, uuid.V5, parsed.Version())
}

func TestChunkPointIDDistinct(t *testing.T) {
	base := ChunkPointID("cand-001", 0)

	assert.NotEqual(t, base, ChunkPointID("cand-001", 1), "不同分块序号应生成不同的点ID")
	assert.NotEqual(t, base, ChunkPointID("cand-002", 0), "不同候选人应生成不同的点ID")
}
