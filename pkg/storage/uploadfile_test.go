package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp-ignite/agent/pkg/types"
)

func TestUploadFileLifecycle(t *testing.T) {
	engine := testEngine(t)
	files := NewUploadFileStore(engine)

	_, err := files.Add(types.UploadFile{FilePath: "/data/clip.mp4", SplitIndex: 0, FileSize: 1024})
	require.NoError(t, err)
	id2, err := files.Add(types.UploadFile{FilePath: "/data/clip.mp4", SplitIndex: 1, IsFinalChunk: true, FileSize: 512})
	require.NoError(t, err)

	staged, err := files.List()
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.Equal(t, 0, staged[0].SplitIndex)
	assert.False(t, staged[0].IsFinalChunk)
	assert.True(t, staged[1].IsFinalChunk)

	require.NoError(t, files.Remove(id2))
	staged, err = files.List()
	require.NoError(t, err)
	assert.Len(t, staged, 1)

	require.NoError(t, files.RemoveByPath("/data/clip.mp4"))
	staged, err = files.List()
	require.NoError(t, err)
	assert.Empty(t, staged)
}
