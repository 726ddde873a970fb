// Package helm packages releases as charts and rolls them out with helm upgrade.
package helm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/repo"

	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// ChartPackager packages the project chart at a release version into a chart
// repository directory and regenerates its index.
type ChartPackager struct {
	chart   string
	repoDir string
	baseURL string
	log     *slog.Logger
}

// NewChartPackager creates a packager for the chart directory
func NewChartPackager(chart, repoDir, baseURL string, log *slog.Logger) *ChartPackager {
	return &ChartPackager{
		chart:   chart,
		repoDir: repoDir,
		baseURL: baseURL,
		log:     log.With("component", "ChartPackager"),
	}
}

// NewChartPackagerFromConfig resolves chart and repository paths against the project root
func NewChartPackagerFromConfig(cfg *config.RuntimeConfig, log *slog.Logger) *ChartPackager {
	pkg := cfg.Project.Package
	return NewChartPackager(
		resolve(cfg.ProjectRoot, pkg.Chart),
		resolve(cfg.ProjectRoot, pkg.Repository),
		pkg.BaseURL,
		log,
	)
}

// Package writes <name>-<version>.tgz into the repository and re-indexes it
func (p *ChartPackager) Package(ctx context.Context, version string, build *usecase.BuildResult) (*models.Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := loader.Load(p.chart)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart %s: %w", p.chart, err)
	}
	if err := os.MkdirAll(p.repoDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chart repository: %w", err)
	}

	client := action.NewPackage()
	client.Version = version
	client.AppVersion = version
	client.Destination = p.repoDir

	archive, err := client.Run(p.chart, map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to package chart %s: %w", ch.Name(), err)
	}

	index, err := repo.IndexDirectory(p.repoDir, p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to index chart repository: %w", err)
	}
	index.SortEntries()
	if err := index.WriteFile(filepath.Join(p.repoDir, "index.yaml"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write chart index: %w", err)
	}

	published := archive
	if p.baseURL != "" {
		published = strings.TrimRight(p.baseURL, "/") + "/" + filepath.Base(archive)
	}
	p.log.Debug("chart packaged", "chart", ch.Name(), "version", version, "archive", archive)

	release := &models.Release{Version: version, Archive: archive, Published: published}
	if build != nil {
		release.Image = build.Image
	}
	return release, nil
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// newSettings returns helm environment settings for namespace, honouring an
// explicit kubeconfig when one is configured.
func newSettings(namespace, kubeconfig string) *cli.EnvSettings {
	settings := cli.New()
	settings.SetNamespace(namespace)
	if kubeconfig != "" {
		settings.KubeConfig = kubeconfig
	}
	return settings
}

var _ usecase.Packager = (*ChartPackager)(nil)
