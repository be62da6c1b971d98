// Package workspace manages the per-job scratch directory which holds the
// merged input artifact, the optional thumbnail and the encoded output.
// A workspace exists only while its job is between DOWNLOADING and its
// terminal transition; removal on every exit path is the owning worker's
// responsibility.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("Workspace")

const (
	mergedInputName  = "merged_input.mkv"
	stagingInputName = "merged_input.partial"
	thumbName        = "thumb.jpg"
)

type Workspace struct {
	taskID uuid.UUID
	root   string
}

// New returns the workspace handle for a task without touching the file
// system; call Create to materialise the directory.
func New(cacheDir string, taskID uuid.UUID) *Workspace {
	return &Workspace{taskID: taskID, root: filepath.Join(cacheDir, taskID.String())}
}

func (ws *Workspace) Create() error {
	if err := os.MkdirAll(ws.root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace for task %s: %w", ws.taskID, err)
	}

	return nil
}

func (ws *Workspace) Path() string            { return ws.root }
func (ws *Workspace) MergedInputPath() string { return filepath.Join(ws.root, mergedInputName) }
func (ws *Workspace) ThumbPath() string       { return filepath.Join(ws.root, thumbName) }

// StagingInputPath is where an in-progress download accumulates. The file
// only moves to the merged input name once every part has been appended,
// so an interrupted download can never leave a truncated artifact under
// the name the resume check trusts.
func (ws *Workspace) StagingInputPath() string { return filepath.Join(ws.root, stagingInputName) }

// PromoteStagingInput renames the completed staging file into place as the
// merged input artifact.
func (ws *Workspace) PromoteStagingInput() error {
	if err := os.Rename(ws.StagingInputPath(), ws.MergedInputPath()); err != nil {
		return fmt.Errorf("failed to promote staging input for task %s: %w", ws.taskID, err)
	}

	return nil
}
func (ws *Workspace) OutputPath(finalFilename string) string {
	return filepath.Join(ws.root, finalFilename)
}

// HasMergedInput reports whether a non-empty merged input artifact is
// already present. The artifact only appears under this name once a
// download ran to completion (partial downloads live at StagingInputPath),
// so its presence means the download can be skipped on redelivery.
func (ws *Workspace) HasMergedInput() bool {
	info, err := os.Stat(ws.MergedInputPath())
	return err == nil && info.Size() > 0
}

// HasThumb reports whether a thumbnail was downloaded into the workspace.
func (ws *Workspace) HasThumb() bool {
	info, err := os.Stat(ws.ThumbPath())
	return err == nil && info.Size() > 0
}

// Remove deletes the workspace and everything inside it. Safe to call on a
// workspace that was never created.
func (ws *Workspace) Remove() {
	if err := os.RemoveAll(ws.root); err != nil {
		log.Warnf("Failed to remove workspace %s: %s\n", ws.root, err.Error())
		return
	}

	log.Debugf("Removed workspace %s\n", ws.root)
}
