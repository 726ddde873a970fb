package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/wire"
	goredis "github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"

	"github.com/trebuchet-org/evolve/internal/adapters/authz"
	"github.com/trebuchet-org/evolve/internal/adapters/build"
	"github.com/trebuchet-org/evolve/internal/adapters/fs"
	"github.com/trebuchet-org/evolve/internal/adapters/git"
	"github.com/trebuchet-org/evolve/internal/adapters/helm"
	"github.com/trebuchet-org/evolve/internal/adapters/httpapi"
	"github.com/trebuchet-org/evolve/internal/adapters/kube"
	"github.com/trebuchet-org/evolve/internal/adapters/llm"
	"github.com/trebuchet-org/evolve/internal/adapters/memory"
	"github.com/trebuchet-org/evolve/internal/adapters/metrics"
	"github.com/trebuchet-org/evolve/internal/adapters/notify"
	"github.com/trebuchet-org/evolve/internal/adapters/progress"
	"github.com/trebuchet-org/evolve/internal/adapters/redis"
	"github.com/trebuchet-org/evolve/internal/adapters/repository/proposals"
	"github.com/trebuchet-org/evolve/internal/adapters/sqlite"
	"github.com/trebuchet-org/evolve/internal/bg"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// Store drivers
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Pending table drivers
const (
	PendingAudit = "store"
	PendingRedis = "redis"
)

// Rollout drivers
const (
	RolloutHelm       = "helm"
	RolloutKubernetes = "kubernetes"
)

// ProvideAuditStore opens the proposal store selected by store.driver
func ProvideAuditStore(cfg *config.RuntimeConfig) (usecase.AuditStore, func(), error) {
	switch cfg.Project.Store.Driver {
	case StoreFile, "":
		repo, err := proposals.NewFileRepositoryFromConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	case StoreSQLite:
		path := cfg.Project.Store.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "evolve.db")
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.ProjectRoot, path)
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case StoreMemory:
		return memory.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Project.Store.Driver)
	}
}

// ProvideRedisClient connects to store.redis_url. A nil client means redis is not configured.
func ProvideRedisClient(ctx context.Context, cfg *config.RuntimeConfig) (*goredis.Client, func(), error) {
	url := os.ExpandEnv(cfg.Project.Store.RedisURL)
	if url == "" {
		if cfg.Project.Store.Pending == PendingRedis {
			return nil, nil, fmt.Errorf("store.pending is redis but store.redis_url is empty")
		}
		return nil, func() {}, nil
	}
	client, err := redis.Dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvidePendingStore keeps pending approvals in redis or in the audit store
func ProvidePendingStore(cfg *config.RuntimeConfig, audit usecase.AuditStore, client *goredis.Client) (usecase.PendingStore, error) {
	switch cfg.Project.Store.Pending {
	case PendingRedis:
		return redis.NewPendingStore(client, ""), nil
	case PendingAudit, "":
		pending, ok := audit.(usecase.PendingStore)
		if !ok {
			return nil, fmt.Errorf("store driver %q cannot hold pending approvals", cfg.Project.Store.Driver)
		}
		return pending, nil
	default:
		return nil, fmt.Errorf("unknown pending driver %q", cfg.Project.Store.Pending)
	}
}

// ProvideRiskAssessor uses the model backend, or keyword rules when none is configured
func ProvideRiskAssessor(completer llm.Completer) usecase.RiskAssessor {
	if completer == nil {
		return llm.StaticAssessor{}
	}
	return llm.NewAssessor(completer)
}

// ProvideChangeGenerator uses the model backend, or a proposal note when none is configured
func ProvideChangeGenerator(completer llm.Completer, cfg *config.RuntimeConfig) usecase.ChangeGenerator {
	if completer == nil {
		return llm.StaticGenerator{}
	}
	return llm.NewGenerator(completer, cfg.ProjectRoot)
}

// ProvideCompleter selects the configured model; its client is created on first use
func ProvideCompleter(cfg *config.RuntimeConfig) (llm.Completer, error) {
	return llm.NewLazyCompleter(cfg.Project.LLM)
}

// ProvideOrchestrator selects the rollout driver
func ProvideOrchestrator(cfg *config.RuntimeConfig, log *slog.Logger) (usecase.Orchestrator, error) {
	rollout := cfg.Project.Rollout
	switch rollout.Driver {
	case RolloutHelm, "":
		return helm.NewOrchestrator(rollout, log), nil
	case RolloutKubernetes:
		restConfig, err := helm.RESTConfig(rollout.Namespace, rollout.Kubeconfig)
		if err != nil {
			return nil, err
		}
		client, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		return kube.NewOrchestrator(client, rollout, log), nil
	default:
		return nil, fmt.Errorf("unknown rollout driver %q", rollout.Driver)
	}
}

// ProvideNotifier reports to the console and, when configured, to a chat webhook
func ProvideNotifier(cfg *config.RuntimeConfig) *notify.Fanout {
	targets := []any{notify.NewConsole(os.Stdout)}
	if url := os.ExpandEnv(cfg.Project.Notify.WebhookURL); url != "" {
		targets = append(targets, notify.NewWebhook(url, cfg.Project.Server.PublicURL))
	}
	return notify.NewFanout(targets...)
}

// ProvideClock provides the wall clock
func ProvideClock() usecase.Clock {
	return usecase.SystemClock{}
}

// ProvideRunner provides the background group deployments run on
func ProvideRunner() *bg.Group {
	return &bg.Group{}
}

// StoreSet provides the durable stores
var StoreSet = wire.NewSet(
	ProvideAuditStore,
	ProvideRedisClient,
	ProvidePendingStore,
	wire.Bind(new(usecase.ProposalRepository), new(usecase.AuditStore)),
	wire.Bind(new(usecase.AuditLog), new(usecase.AuditStore)),
)

// LLMSet provides the risk assessor and change generator
var LLMSet = wire.NewSet(
	ProvideCompleter,
	ProvideRiskAssessor,
	ProvideChangeGenerator,
)

// ReleaseSet provides version control, build, packaging and rollout
var ReleaseSet = wire.NewSet(
	fs.NewWorkingTreeFromConfig,
	wire.Bind(new(usecase.WorkingTree), new(*fs.WorkingTree)),

	git.NewCLIFromConfig,
	wire.Bind(new(usecase.VersionControl), new(*git.CLI)),

	build.NewCommandBuilderFromConfig,
	wire.Bind(new(usecase.Builder), new(*build.CommandBuilder)),

	helm.NewChartPackagerFromConfig,
	wire.Bind(new(usecase.Packager), new(*helm.ChartPackager)),

	ProvideOrchestrator,
)

// ObservabilitySet provides metrics and progress reporting
var ObservabilitySet = wire.NewSet(
	metrics.NewRegistry,
	metrics.NewRecorder,
	wire.Bind(new(usecase.Metrics), new(*metrics.Recorder)),

	progress.NewProgressSink,
)

// ChatSet provides notifications, authorization and the HTTP surface
var ChatSet = wire.NewSet(
	ProvideNotifier,
	wire.Bind(new(usecase.Notifier), new(*notify.Fanout)),
	wire.Bind(new(usecase.ApprovalPresenter), new(*notify.Fanout)),

	authz.NewEnforcerFromConfig,
	wire.Bind(new(usecase.Authorizer), new(*authz.Enforcer)),

	ProvideRunner,
	wire.Bind(new(bg.Runner), new(*bg.Group)),

	httpapi.NewLimiterStore,
	httpapi.NewServer,
)

// AllAdapters includes all adapter sets
var AllAdapters = wire.NewSet(
	ProvideClock,

	StoreSet,
	LLMSet,
	ReleaseSet,
	ObservabilitySet,
	ChatSet,
)
