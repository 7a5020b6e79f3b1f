// Package editor implements the structured-edit tool against the
// sandbox filesystem, backed by the history trail for undo.
package editor

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/action"
	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/history"
	"github.com/sandpipe/sandpipe/internal/sandbox"
)

// FileEditor applies text replacements to workspace files. Each applied
// edit records the new content in the history trail.
type FileEditor struct {
	sb      sandbox.Sandbox
	history *history.Recorder
	logger  *logger.Logger
}

// NewFileEditor creates an editor over the sandbox filesystem. history
// may be nil to disable the backup trail.
func NewFileEditor(sb sandbox.Sandbox, hist *history.Recorder, log *logger.Logger) *FileEditor {
	return &FileEditor{
		sb:      sb,
		history: hist,
		logger:  log.WithFields(zap.String("component", "editor")),
	}
}

// Apply replaces req.OldText with req.NewText in the file at req.Path.
// OldText must match exactly once; an empty OldText creates or
// overwrites the file with NewText.
func (e *FileEditor) Apply(ctx context.Context, req action.EditRequest) (string, error) {
	rel := strings.TrimPrefix(path.Clean(req.Path), "/")
	full := path.Join(e.sb.Workdir(), rel)

	if req.OldText == "" {
		if err := e.writeAndRecord(ctx, rel, full, req.NewText); err != nil {
			return "", err
		}
		return fmt.Sprintf("Created %s (%d bytes)", rel, len(req.NewText)), nil
	}

	data, err := e.sb.ReadFile(ctx, full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	content := string(data)

	switch count := strings.Count(content, req.OldText); count {
	case 0:
		return "", fmt.Errorf("oldText not found in %s", rel)
	case 1:
	default:
		return "", fmt.Errorf("oldText matches %d locations in %s, need exactly one", count, rel)
	}

	updated := strings.Replace(content, req.OldText, req.NewText, 1)
	if err := e.writeAndRecord(ctx, rel, full, updated); err != nil {
		return "", err
	}
	e.logger.Debug("edit applied", zap.String("path", rel))
	return fmt.Sprintf("Edited %s: replaced %d bytes with %d bytes", rel, len(req.OldText), len(req.NewText)), nil
}

// Undo restores the previous recorded content of the file at relPath.
func (e *FileEditor) Undo(ctx context.Context, relPath string) error {
	if e.history == nil {
		return fmt.Errorf("no history trail configured")
	}
	prev, err := e.history.Previous(ctx, relPath)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("no earlier version of %s recorded", relPath)
	}
	full := path.Join(e.sb.Workdir(), relPath)
	if err := e.sb.WriteFile(ctx, full, []byte(prev.Content)); err != nil {
		return fmt.Errorf("failed to restore %s: %w", relPath, err)
	}
	return e.history.Record(ctx, relPath, prev.Content)
}

func (e *FileEditor) writeAndRecord(ctx context.Context, rel, full, content string) error {
	if dir := path.Dir(full); dir != "." && dir != "/" {
		if err := e.sb.Mkdir(ctx, dir, true); err != nil {
			e.logger.WithError(err).Warn("failed to create parent directory", zap.String("path", rel))
		}
	}
	if err := e.sb.WriteFile(ctx, full, []byte(content)); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if e.history != nil {
		if err := e.history.Record(ctx, rel, content); err != nil {
			e.logger.WithError(err).Warn("failed to record history", zap.String("path", rel))
		}
	}
	return nil
}
