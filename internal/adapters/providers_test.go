package adapters

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trebuchet-org/evolve/internal/adapters/helm"
	"github.com/trebuchet-org/evolve/internal/adapters/llm"
	"github.com/trebuchet-org/evolve/internal/adapters/memory"
	"github.com/trebuchet-org/evolve/internal/adapters/repository/proposals"
	"github.com/trebuchet-org/evolve/internal/adapters/sqlite"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

func runtimeConfig(t *testing.T) *config.RuntimeConfig {
	t.Helper()
	root := t.TempDir()
	return &config.RuntimeConfig{
		ProjectRoot: root,
		DataDir:     filepath.Join(root, ".evolve"),
		Project:     config.DefaultProjectConfig(),
	}
}

func TestProvideAuditStore(t *testing.T) {
	tests := []struct {
		driver string
		check  func(t *testing.T, s usecase.AuditStore)
	}{
		{StoreFile, func(t *testing.T, s usecase.AuditStore) { assert.IsType(t, &proposals.FileRepository{}, s) }},
		{StoreSQLite, func(t *testing.T, s usecase.AuditStore) { assert.IsType(t, &sqlite.Store{}, s) }},
		{StoreMemory, func(t *testing.T, s usecase.AuditStore) { assert.IsType(t, &memory.Store{}, s) }},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			cfg := runtimeConfig(t)
			cfg.Project.Store.Driver = tt.driver

			store, cleanup, err := ProvideAuditStore(cfg)
			require.NoError(t, err)
			t.Cleanup(cleanup)
			tt.check(t, store)

			pending, err := ProvidePendingStore(cfg, store, nil)
			require.NoError(t, err)
			assert.Same(t, store, pending)
		})
	}

	cfg := runtimeConfig(t)
	cfg.Project.Store.Driver = "mongo"
	_, _, err := ProvideAuditStore(cfg)
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestProvideRedisClient(t *testing.T) {
	cfg := runtimeConfig(t)
	client, cleanup, err := ProvideRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	cleanup()
	assert.Nil(t, client)

	cfg.Project.Store.Pending = PendingRedis
	_, _, err = ProvideRedisClient(context.Background(), cfg)
	assert.ErrorContains(t, err, "redis_url is empty")
}

func TestProvideModelBackends(t *testing.T) {
	cfg := runtimeConfig(t)
	cfg.Project.LLM.Provider = "static"

	completer, err := ProvideCompleter(cfg)
	require.NoError(t, err)
	assert.Nil(t, completer)
	assert.IsType(t, llm.StaticAssessor{}, ProvideRiskAssessor(completer))
	assert.IsType(t, llm.StaticGenerator{}, ProvideChangeGenerator(completer, cfg))

	// A model provider without credentials still wires; only model calls fail
	cfg.Project.LLM.Provider = "gemini"
	cfg.Project.LLM.APIKeyEnv = "EVOLVE_TEST_UNSET_KEY"
	completer, err = ProvideCompleter(cfg)
	require.NoError(t, err)
	require.NotNil(t, completer)
	assert.IsType(t, &llm.Assessor{}, ProvideRiskAssessor(completer))
	assert.IsType(t, &llm.Generator{}, ProvideChangeGenerator(completer, cfg))
}

func TestProvideOrchestrator(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := runtimeConfig(t)

	o, err := ProvideOrchestrator(cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &helm.Orchestrator{}, o)

	cfg.Project.Rollout.Driver = "nomad"
	_, err = ProvideOrchestrator(cfg, log)
	assert.ErrorContains(t, err, "unknown rollout driver")
}

func TestProvideNotifier(t *testing.T) {
	cfg := runtimeConfig(t)
	cfg.Project.Notify.WebhookURL = "https://chat.example/hook"
	assert.NotNil(t, ProvideNotifier(cfg))
}
