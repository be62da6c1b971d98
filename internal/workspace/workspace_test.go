package workspace_test

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/iencode/iencode/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WorkspaceLifecycle(t *testing.T) {
	cacheDir := t.TempDir()
	taskID := uuid.New()

	ws := workspace.New(cacheDir, taskID)
	assert.NoDirExists(t, ws.Path(), "New must not touch the filesystem")

	require.NoError(t, ws.Create())
	assert.DirExists(t, ws.Path())
	require.NoError(t, ws.Create(), "Create is idempotent")

	assert.False(t, ws.HasMergedInput())

	// An empty artifact (crash mid-download) does not count as resumable.
	require.NoError(t, os.WriteFile(ws.MergedInputPath(), nil, 0o644))
	assert.False(t, ws.HasMergedInput())

	require.NoError(t, os.WriteFile(ws.MergedInputPath(), []byte("mkv bytes"), 0o644))
	assert.True(t, ws.HasMergedInput())

	assert.False(t, ws.HasThumb())
	require.NoError(t, os.WriteFile(ws.ThumbPath(), []byte("jpeg"), 0o644))
	assert.True(t, ws.HasThumb())

	output := ws.OutputPath("movie.720p.HEVC.B.mkv")
	assert.Contains(t, output, taskID.String())

	ws.Remove()
	assert.NoDirExists(t, ws.Path())

	// Removing an absent workspace is fine.
	ws.Remove()
}

func Test_StagingInputPromotion(t *testing.T) {
	ws := workspace.New(t.TempDir(), uuid.New())
	require.NoError(t, ws.Create())

	// Bytes accumulating under the staging name never satisfy the resume
	// check; an interrupted download must be restarted, not trusted.
	require.NoError(t, os.WriteFile(ws.StagingInputPath(), []byte("partial"), 0o644))
	assert.False(t, ws.HasMergedInput())

	require.NoError(t, ws.PromoteStagingInput())
	assert.True(t, ws.HasMergedInput())
	assert.NoFileExists(t, ws.StagingInputPath())

	// Promoting twice fails; the staging file is gone.
	assert.Error(t, ws.PromoteStagingInput())
}
