// Package history keeps a per-file trail of saved workspace content,
// used as the backup/undo store behind file writes and edits.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/sandbox"
)

// maxEntriesPerFile bounds the undo depth kept for each file.
const maxEntriesPerFile = 20

// Entry is one recorded save of a workspace file.
type Entry struct {
	Path    string    `json:"path"`
	Content string    `json:"content"`
	SavedAt time.Time `json:"saved_at"`
}

// Recorder persists history entries inside the sandbox filesystem under
// a dedicated root, one JSON trail per workspace file.
type Recorder struct {
	sb     sandbox.Sandbox
	root   string
	logger *logger.Logger
}

// NewRecorder creates a recorder storing trails under root, resolved
// against the sandbox workdir when relative.
func NewRecorder(sb sandbox.Sandbox, root string, log *logger.Logger) *Recorder {
	if !strings.HasPrefix(root, "/") {
		root = path.Join(sb.Workdir(), root)
	}
	return &Recorder{
		sb:     sb,
		root:   root,
		logger: log.WithFields(zap.String("component", "history")),
	}
}

// Record appends a save of relPath to its trail, trimming to the undo
// depth limit.
func (r *Recorder) Record(ctx context.Context, relPath, content string) error {
	entries, err := r.Entries(ctx, relPath)
	if err != nil {
		r.logger.WithError(err).Warn("starting fresh history trail", zap.String("path", relPath))
		entries = nil
	}
	entries = append(entries, Entry{
		Path:    relPath,
		Content: content,
		SavedAt: time.Now().UTC(),
	})
	if len(entries) > maxEntriesPerFile {
		entries = entries[len(entries)-maxEntriesPerFile:]
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode history trail: %w", err)
	}
	file := r.trailFile(relPath)
	if dir := path.Dir(file); dir != "." {
		if err := r.sb.Mkdir(ctx, dir, true); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	if err := r.sb.WriteFile(ctx, file, data); err != nil {
		return fmt.Errorf("failed to write history trail: %w", err)
	}
	return nil
}

// Entries returns the recorded saves of relPath, oldest first. A file
// with no trail yields an empty slice.
func (r *Recorder) Entries(ctx context.Context, relPath string) ([]Entry, error) {
	data, err := r.sb.ReadFile(ctx, r.trailFile(relPath))
	if err != nil {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt history trail for %s: %w", relPath, err)
	}
	return entries, nil
}

// Latest returns the most recent save of relPath, or nil when the file
// has no trail.
func (r *Recorder) Latest(ctx context.Context, relPath string) (*Entry, error) {
	entries, err := r.Entries(ctx, relPath)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[len(entries)-1], nil
}

// Previous returns the save before the latest one, used to undo the
// last edit. Nil when fewer than two saves exist.
func (r *Recorder) Previous(ctx context.Context, relPath string) (*Entry, error) {
	entries, err := r.Entries(ctx, relPath)
	if err != nil || len(entries) < 2 {
		return nil, err
	}
	return &entries[len(entries)-2], nil
}

// trailFile mirrors the workspace layout under the history root.
func (r *Recorder) trailFile(relPath string) string {
	return path.Join(r.root, relPath)
}
