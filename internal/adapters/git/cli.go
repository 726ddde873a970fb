// Package git implements version control by shelling out to the git binary.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/trebuchet-org/evolve/internal/adapters/fs"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// CLI drives a git checkout. Branches are prepared in a throwaway worktree so the
// main checkout only changes on merge.
type CLI struct {
	root string
	cfg  config.GitConfig
	log  *slog.Logger
}

// NewCLI creates a git adapter for the checkout at root
func NewCLI(root string, cfg config.GitConfig, log *slog.Logger) *CLI {
	return &CLI{root: root, cfg: cfg, log: log.With("component", "GitCLI")}
}

// NewCLIFromConfig is the wire provider
func NewCLIFromConfig(cfg *config.RuntimeConfig, log *slog.Logger) *CLI {
	return NewCLI(cfg.ProjectRoot, cfg.Project.Git, log)
}

// OpenReview commits the changes on a new branch off the mainline, pushes it and
// runs the configured review command.
func (g *CLI) OpenReview(ctx context.Context, req usecase.ReviewRequest) (_ *models.ReviewArtifact, err error) {
	tmp, err := os.MkdirTemp("", "evolve-worktree-")
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	worktree := filepath.Join(tmp, "tree")
	if _, err := g.run(ctx, g.root, "worktree", "add", "-b", req.Branch, worktree, g.cfg.Mainline); err != nil {
		return nil, err
	}
	defer func() {
		if _, rmErr := g.run(ctx, g.root, "worktree", "remove", "--force", worktree); rmErr != nil {
			g.log.Warn("failed to remove worktree", "path", worktree, "error", rmErr)
		}
		if err != nil {
			// Do not leave a half-prepared branch behind
			if _, delErr := g.run(ctx, g.root, "branch", "-D", req.Branch); delErr != nil {
				g.log.Warn("failed to delete branch", "branch", req.Branch, "error", delErr)
			}
		}
	}()

	tree := fs.NewWorkingTree(worktree, g.log)
	if err := tree.ApplyChanges(ctx, req.Changes); err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, worktree, "add", "-A"); err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, worktree, g.identity("commit", "-m", req.Title, "-m", req.Body)...); err != nil {
		return nil, err
	}

	if g.cfg.Remote != "" {
		if _, err := g.run(ctx, worktree, "push", "-u", g.cfg.Remote, req.Branch); err != nil {
			return nil, err
		}
	}

	artifact := &models.ReviewArtifact{}
	if len(g.cfg.ReviewCommand) > 0 {
		out, err := g.exec(ctx, worktree, expand(g.cfg.ReviewCommand, map[string]string{
			"{branch}": req.Branch,
			"{base}":   g.cfg.Mainline,
			"{title}":  req.Title,
			"{body}":   req.Body,
		}))
		if err != nil {
			return nil, err
		}
		artifact = ParseReviewOutput(out)
	}
	return artifact, nil
}

// MergeReview merges the branch into the mainline of the main checkout
func (g *CLI) MergeReview(ctx context.Context, branch string, _ *models.ReviewArtifact) error {
	if _, err := g.run(ctx, g.root, "checkout", g.cfg.Mainline); err != nil {
		return err
	}
	if g.cfg.Remote != "" {
		if _, err := g.run(ctx, g.root, "pull", "--ff-only", g.cfg.Remote, g.cfg.Mainline); err != nil {
			return err
		}
	}
	if _, err := g.run(ctx, g.root, g.identity("merge", "--no-ff", "--no-edit", branch)...); err != nil {
		return err
	}
	if g.cfg.Remote != "" {
		if _, err := g.run(ctx, g.root, "push", g.cfg.Remote, g.cfg.Mainline); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBranch removes the branch locally and on the remote
func (g *CLI) DeleteBranch(ctx context.Context, branch string) error {
	if _, err := g.run(ctx, g.root, "branch", "-D", branch); err != nil {
		return err
	}
	if g.cfg.Remote != "" {
		if _, err := g.run(ctx, g.root, "push", g.cfg.Remote, "--delete", branch); err != nil {
			return err
		}
	}
	return nil
}

func (g *CLI) identity(args ...string) []string {
	return append([]string{
		"-c", "user.name=" + g.cfg.AuthorName,
		"-c", "user.email=" + g.cfg.AuthorEmail,
	}, args...)
}

func (g *CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.exec(ctx, dir, append([]string{"git"}, args...))
}

func (g *CLI) exec(ctx context.Context, dir string, argv []string) (string, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		g.log.Debug("command failed", "argv", argv, "output", string(output), "duration", time.Since(start))
		return "", fmt.Errorf("%s failed: %w\nOutput: %s", strings.Join(argv[:min(len(argv), 3)], " "), err, strings.TrimSpace(string(output)))
	}
	g.log.Debug("command completed", "argv", argv, "duration", time.Since(start))
	return string(output), nil
}

// expand substitutes placeholders in each argument
func expand(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, k, v)
		}
		out[i] = arg
	}
	return out
}

// ParseReviewOutput picks the last URL printed by a review command, and the
// review number when the URL ends in one (e.g. .../pull/42).
func ParseReviewOutput(out string) *models.ReviewArtifact {
	artifact := &models.ReviewArtifact{}
	fields := strings.Fields(out)
	for i := len(fields) - 1; i >= 0; i-- {
		if strings.HasPrefix(fields[i], "https://") || strings.HasPrefix(fields[i], "http://") {
			artifact.URL = fields[i]
			break
		}
	}
	if artifact.URL != "" {
		last := artifact.URL[strings.LastIndex(strings.TrimRight(artifact.URL, "/"), "/")+1:]
		if n, err := strconv.Atoi(strings.TrimRight(last, "/")); err == nil {
			artifact.Number = n
		}
	}
	return artifact
}

var _ usecase.VersionControl = (*CLI)(nil)
