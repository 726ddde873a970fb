// Package kube rolls releases out by updating a Deployment's container image.
package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// DefaultPollInterval is how often deployment readiness is checked
const DefaultPollInterval = 2 * time.Second

// Orchestrator sets the image on one container of a Deployment and waits for
// the rollout to finish.
type Orchestrator struct {
	client     kubernetes.Interface
	namespace  string
	deployment string
	container  string
	interval   time.Duration
	log        *slog.Logger
}

// NewOrchestrator creates a deployment orchestrator. An empty container name
// targets the first container.
func NewOrchestrator(client kubernetes.Interface, cfg config.RolloutConfig, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		client:     client,
		namespace:  cfg.Namespace,
		deployment: cfg.Deployment,
		container:  cfg.Container,
		interval:   DefaultPollInterval,
		log:        log.With("component", "KubeOrchestrator"),
	}
}

// WithPollInterval overrides the readiness poll interval
func (o *Orchestrator) WithPollInterval(d time.Duration) *Orchestrator {
	o.interval = d
	return o
}

// Rollout updates the container image and blocks until every replica runs the
// new template or timeout elapses.
func (o *Orchestrator) Rollout(ctx context.Context, rel *models.Release, timeout time.Duration) error {
	if rel == nil || rel.Image == "" {
		return fmt.Errorf("release has no image to roll out")
	}
	if o.deployment == "" {
		return fmt.Errorf("no deployment configured")
	}

	deployments := o.client.AppsV1().Deployments(o.namespace)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		d, err := deployments.Get(ctx, o.deployment, metav1.GetOptions{})
		if err != nil {
			return err
		}
		idx, err := o.containerIndex(d)
		if err != nil {
			return err
		}
		d.Spec.Template.Spec.Containers[idx].Image = rel.Image
		if d.Spec.Template.Annotations == nil {
			d.Spec.Template.Annotations = map[string]string{}
		}
		d.Spec.Template.Annotations["evolve/version"] = rel.Version
		_, err = deployments.Update(ctx, d, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update deployment %s/%s: %w", o.namespace, o.deployment, err)
	}
	o.log.Info("deployment updated", "deployment", o.deployment, "image", rel.Image)

	return o.waitReady(ctx, timeout)
}

func (o *Orchestrator) containerIndex(d *appsv1.Deployment) (int, error) {
	containers := d.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return 0, fmt.Errorf("deployment %s has no containers", d.Name)
	}
	if o.container == "" {
		return 0, nil
	}
	for i, c := range containers {
		if c.Name == o.container {
			return i, nil
		}
	}
	return 0, fmt.Errorf("deployment %s has no container %q", d.Name, o.container)
}

func (o *Orchestrator) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		d, err := o.client.AppsV1().Deployments(o.namespace).Get(ctx, o.deployment, metav1.GetOptions{})
		switch {
		case err == nil && Ready(d):
			return nil
		case err != nil && !errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("failed to get deployment status: %w", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout after %s waiting for deployment %s to become ready", timeout, o.deployment)
		case <-ticker.C:
		}
	}
}

// Ready reports whether the controller has observed the latest spec and every
// desired replica is updated and available.
func Ready(d *appsv1.Deployment) bool {
	if d.Status.ObservedGeneration < d.Generation {
		return false
	}
	want := int32(1)
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	return d.Status.UpdatedReplicas >= want &&
		d.Status.AvailableReplicas >= want &&
		d.Status.Replicas == d.Status.UpdatedReplicas
}

var _ usecase.Orchestrator = (*Orchestrator)(nil)
