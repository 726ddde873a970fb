// Package build runs the project's build command.
package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// VersionPlaceholder is replaced by the release version in the command and image
const VersionPlaceholder = "{version}"

// maxOutput is how much trailing build output is kept for reports
const maxOutput = 4096

// CommandBuilder runs a configured command to build a release
type CommandBuilder struct {
	root    string
	command []string
	image   string
	stream  bool
	out     io.Writer
	log     *slog.Logger
}

// NewCommandBuilder creates a builder. When stream is true output is copied to
// out through a pseudo terminal so tools keep their colors.
func NewCommandBuilder(root string, cfg config.BuildConfig, stream bool, out io.Writer, log *slog.Logger) *CommandBuilder {
	return &CommandBuilder{
		root:    root,
		command: cfg.Command,
		image:   cfg.Image,
		stream:  stream,
		out:     out,
		log:     log.With("component", "CommandBuilder"),
	}
}

// NewCommandBuilderFromConfig streams only in debug mode
func NewCommandBuilderFromConfig(cfg *config.RuntimeConfig, log *slog.Logger) *CommandBuilder {
	return NewCommandBuilder(cfg.ProjectRoot, cfg.Project.Build, cfg.Debug && !cfg.JSON, os.Stderr, log)
}

// Build runs the command with EVOLVE_VERSION set
func (b *CommandBuilder) Build(ctx context.Context, version string) (*usecase.BuildResult, error) {
	if len(b.command) == 0 {
		return nil, fmt.Errorf("no build command configured")
	}
	argv := make([]string, len(b.command))
	for i, arg := range b.command {
		argv[i] = strings.ReplaceAll(arg, VersionPlaceholder, version)
	}

	start := time.Now()
	b.log.Debug("running build", "argv", argv, "dir", b.root)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.root
	cmd.Env = append(os.Environ(), "EVOLVE_VERSION="+version)

	var output []byte
	var err error
	if b.stream {
		output, err = b.runStreaming(cmd)
	} else {
		output, err = cmd.CombinedOutput()
	}
	duration := time.Since(start)

	tail := tailOf(output)
	if err != nil {
		b.log.Error("build failed", "error", err, "duration", duration)
		return nil, fmt.Errorf("build command failed: %w\nOutput: %s", err, tail)
	}
	b.log.Debug("build completed", "duration", duration)

	return &usecase.BuildResult{
		Image:  strings.ReplaceAll(b.image, VersionPlaceholder, version),
		Output: tail,
	}, nil
}

func (b *CommandBuilder) runStreaming(cmd *exec.Cmd) ([]byte, error) {
	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}
	defer func() { _ = ptyFile.Close() }()

	var buf bytes.Buffer
	// The pty returns EIO once the child exits
	_, _ = io.Copy(io.MultiWriter(b.out, &buf), ptyFile)
	return buf.Bytes(), cmd.Wait()
}

func tailOf(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > maxOutput {
		s = "..." + s[len(s)-maxOutput:]
	}
	return s
}

var _ usecase.Builder = (*CommandBuilder)(nil)
