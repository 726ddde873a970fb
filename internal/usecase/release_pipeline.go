package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// Deployment steps, in execution order
const (
	StepMerge   = "merge"
	StepApply   = "apply"
	StepBuild   = "build"
	StepPackage = "package"
	StepRollout = "rollout"
)

// ReleasePipeline runs build -> package -> rollout. Each step's failure aborts the
// remainder and is returned as a *domain.StepError naming the step.
type ReleasePipeline struct {
	builder      Builder
	packager     Packager
	orchestrator Orchestrator
	metrics      Metrics
	progress     ProgressSink
	log          *slog.Logger
	timeout      time.Duration
}

// NewReleasePipeline creates a release pipeline
func NewReleasePipeline(
	builder Builder,
	packager Packager,
	orchestrator Orchestrator,
	metrics Metrics,
	progress ProgressSink,
	log *slog.Logger,
	cfg *config.RuntimeConfig,
) *ReleasePipeline {
	timeout := cfg.Project.Pipeline.RolloutTimeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultProjectConfig().Pipeline.RolloutTimeout.Duration
	}
	return &ReleasePipeline{
		builder:      builder,
		packager:     packager,
		orchestrator: orchestrator,
		metrics:      metrics,
		progress:     progress,
		log:          log,
		timeout:      timeout,
	}
}

// DoneSuffix marks the progress event emitted when a step finishes. Its
// Metadata carries the step error, nil on success.
const DoneSuffix = "-done"

// RolloutTimeout is the bounded wait handed to the orchestrator
func (p *ReleasePipeline) RolloutTimeout() time.Duration { return p.timeout }

// Run builds, packages and rolls out the given version
func (p *ReleasePipeline) Run(ctx context.Context, version string) (*models.Release, error) {
	var build *BuildResult
	if err := p.Step(ctx, StepBuild, "Building "+version, func(ctx context.Context) error {
		var err error
		build, err = p.builder.Build(ctx, version)
		return err
	}); err != nil {
		return nil, err
	}

	var release *models.Release
	if err := p.Step(ctx, StepPackage, "Packaging "+version, func(ctx context.Context) error {
		var err error
		release, err = p.packager.Package(ctx, version, build)
		if err == nil && release == nil {
			err = fmt.Errorf("packager returned no release")
		}
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.Step(ctx, StepRollout, "Rolling out "+release.Version, func(ctx context.Context) error {
		return p.orchestrator.Rollout(ctx, release, p.timeout)
	}); err != nil {
		return nil, err
	}
	return release, nil
}

// Step runs one named deployment step with progress, logging and timing
func (p *ReleasePipeline) Step(ctx context.Context, name, message string, fn func(ctx context.Context) error) error {
	p.progress.OnProgress(ctx, ProgressEvent{Stage: name, Message: message, Spinner: true})
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	p.metrics.ObserveStep(name, err, elapsed)
	p.progress.OnProgress(ctx, ProgressEvent{Stage: name + DoneSuffix, Message: message, Metadata: err})
	if err != nil {
		p.log.Error("deployment step failed", "step", name, "elapsed", elapsed, "error", err)
		return &domain.StepError{Kind: domain.ErrDeploymentFailed, Step: name, Err: err}
	}
	p.log.Debug("deployment step finished", "step", name, "elapsed", elapsed)
	return nil
}

// ReleaseVersion derives a semver-compatible version for a build of subject
func ReleaseVersion(at time.Time, subject string) string {
	short := subject
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("0.1.0-%s.p%s", at.UTC().Format("20060102150405"), sanitizeVersionPart(short))
}

func sanitizeVersionPart(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "x"
	}
	return string(out)
}
