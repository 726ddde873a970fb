package fs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// WorkingTree writes changes into a checkout on disk
type WorkingTree struct {
	root string
	log  *slog.Logger
}

// NewWorkingTree creates a working tree rooted at root
func NewWorkingTree(root string, log *slog.Logger) *WorkingTree {
	return &WorkingTree{root: root, log: log.With("component", "WorkingTree")}
}

// NewWorkingTreeFromConfig roots the working tree at the project root
func NewWorkingTreeFromConfig(cfg *config.RuntimeConfig, log *slog.Logger) *WorkingTree {
	return NewWorkingTree(cfg.ProjectRoot, log)
}

// Root returns the directory changes are applied under
func (w *WorkingTree) Root() string {
	return w.root
}

// ApplyChanges writes each change in order. It stops at the first failure and
// leaves files already written in place.
func (w *WorkingTree) ApplyChanges(ctx context.Context, changes []models.FileChange) error {
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := w.resolve(change.FilePath)
		if err != nil {
			return err
		}

		switch change.Action {
		case models.FileCreate, models.FileModify:
			if err := writeFileAtomic(path, []byte(change.Content)); err != nil {
				return fmt.Errorf("failed to write %s: %w", change.FilePath, err)
			}
		case models.FileDelete:
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to delete %s: %w", change.FilePath, err)
			}
		default:
			return fmt.Errorf("unknown action %q for %s", change.Action, change.FilePath)
		}
		w.log.Debug("applied change", "path", change.FilePath, "action", change.Action)
	}
	return nil
}

// resolve maps a relative path into the tree, refusing anything that escapes it
func (w *WorkingTree) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid path %q", rel)
	}
	path := filepath.Join(w.root, rel)
	within, err := filepath.Rel(w.root, path)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working tree", rel)
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

var _ usecase.WorkingTree = (*WorkingTree)(nil)
