package helm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/storage/driver"
	"k8s.io/client-go/rest"

	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// Orchestrator installs or upgrades a helm release and waits for it to be ready
type Orchestrator struct {
	release    string
	namespace  string
	kubeconfig string
	log        *slog.Logger
}

// NewOrchestrator creates a helm orchestrator
func NewOrchestrator(cfg config.RolloutConfig, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		release:    cfg.Release,
		namespace:  cfg.Namespace,
		kubeconfig: cfg.Kubeconfig,
		log:        log.With("component", "HelmOrchestrator"),
	}
}

// Rollout upgrades the release to the packaged chart, installing it on first use
func (o *Orchestrator) Rollout(ctx context.Context, rel *models.Release, timeout time.Duration) error {
	if o.release == "" {
		return fmt.Errorf("no helm release name configured")
	}
	if rel == nil || rel.Archive == "" {
		return fmt.Errorf("release has no chart archive")
	}

	settings := newSettings(o.namespace, o.kubeconfig)
	actionConfig := new(action.Configuration)
	if err := actionConfig.Init(settings.RESTClientGetter(), o.namespace,
		os.Getenv("HELM_DRIVER"), func(format string, v ...interface{}) {
			o.log.Debug(fmt.Sprintf(format, v...))
		}); err != nil {
		return fmt.Errorf("failed to initialize helm: %w", err)
	}

	ch, err := loader.Load(rel.Archive)
	if err != nil {
		return fmt.Errorf("failed to load chart: %w", err)
	}
	vals := ImageValues(rel.Image)

	history := action.NewHistory(actionConfig)
	history.Max = 1
	if _, err := history.Run(o.release); errors.Is(err, driver.ErrReleaseNotFound) {
		install := action.NewInstall(actionConfig)
		install.ReleaseName = o.release
		install.Namespace = o.namespace
		install.Wait = true
		install.Timeout = timeout
		r, err := install.RunWithContext(ctx, ch, vals)
		if err != nil {
			return fmt.Errorf("helm install failed: %w", err)
		}
		o.log.Info("release installed", "release", r.Name, "version", rel.Version, "status", r.Info.Status)
		return nil
	}

	upgrade := action.NewUpgrade(actionConfig)
	upgrade.Namespace = o.namespace
	upgrade.Wait = true
	upgrade.Timeout = timeout
	r, err := upgrade.RunWithContext(ctx, o.release, ch, vals)
	if err != nil {
		return fmt.Errorf("helm upgrade failed: %w", err)
	}
	o.log.Info("release upgraded", "release", r.Name, "version", rel.Version, "status", r.Info.Status)
	return nil
}

// ImageValues maps "repo/name:tag" onto the conventional image.repository and
// image.tag chart values.
func ImageValues(image string) map[string]interface{} {
	if image == "" {
		return map[string]interface{}{}
	}
	repository, tag := image, ""
	// A colon before the last slash belongs to a registry port
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		repository, tag = image[:i], image[i+1:]
	}
	values := map[string]interface{}{"repository": repository}
	if tag != "" {
		values["tag"] = tag
	}
	return map[string]interface{}{"image": values}
}

// RESTConfig resolves cluster credentials the way helm does
func RESTConfig(namespace, kubeconfig string) (*rest.Config, error) {
	return newSettings(namespace, kubeconfig).RESTClientGetter().ToRESTConfig()
}

var _ usecase.Orchestrator = (*Orchestrator)(nil)
