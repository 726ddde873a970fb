package helm

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

func writeChart(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Chart.yaml"), []byte(
		"apiVersion: v2\nname: demo\nversion: 0.0.1\nappVersion: \"0.0.1\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "values.yaml"), []byte(
		"image:\n  repository: registry.local/demo\n  tag: latest\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "configmap.yaml"), []byte(
		"apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: {{ .Release.Name }}\ndata:\n  image: {{ .Values.image.tag }}\n"), 0644))
	return dir
}

func TestPackage(t *testing.T) {
	chart := writeChart(t)
	repoDir := filepath.Join(t.TempDir(), "charts")
	p := NewChartPackager(chart, repoDir, "https://charts.example.com/", slog.New(slog.NewTextHandler(io.Discard, nil)))

	version := "0.1.0-20261019120000.pabcd1234"
	rel, err := p.Package(context.Background(), version, &usecase.BuildResult{Image: "registry.local/demo:" + version})
	require.NoError(t, err)

	assert.Equal(t, version, rel.Version)
	assert.Equal(t, "registry.local/demo:"+version, rel.Image)
	assert.Equal(t, filepath.Join(repoDir, "demo-"+version+".tgz"), rel.Archive)
	assert.Equal(t, "https://charts.example.com/demo-"+version+".tgz", rel.Published)
	assert.FileExists(t, rel.Archive)

	index, err := os.ReadFile(filepath.Join(repoDir, "index.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "version: "+version)
}

func TestPackageMissingChart(t *testing.T) {
	p := NewChartPackager(filepath.Join(t.TempDir(), "nope"), t.TempDir(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := p.Package(context.Background(), "0.1.0", nil)
	assert.ErrorContains(t, err, "failed to load chart")
}

func TestImageValues(t *testing.T) {
	assert.Empty(t, ImageValues(""))
	assert.Equal(t, map[string]interface{}{
		"image": map[string]interface{}{"repository": "registry.local:5000/app", "tag": "1.2.3"},
	}, ImageValues("registry.local:5000/app:1.2.3"))
	assert.Equal(t, map[string]interface{}{
		"image": map[string]interface{}{"repository": "registry.local:5000/app"},
	}, ImageValues("registry.local:5000/app"))
}

func TestRolloutRequiresRelease(t *testing.T) {
	o := NewOrchestrator(configRollout(""), slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := o.Rollout(context.Background(), nil, 0)
	assert.ErrorContains(t, err, "no helm release name")
}

func configRollout(release string) config.RolloutConfig {
	return config.RolloutConfig{Driver: "helm", Namespace: "default", Release: release}
}
