//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"
	"github.com/spf13/viper"

	"github.com/trebuchet-org/evolve/internal/adapters"
	"github.com/trebuchet-org/evolve/internal/agent"
	"github.com/trebuchet-org/evolve/internal/config"
	"github.com/trebuchet-org/evolve/internal/logging"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// InitApp creates a fully wired App instance
func InitApp(ctx context.Context, v *viper.Viper) (*App, func(), error) {
	wire.Build(
		config.Provider,
		logging.LoggingSet,

		// Adapters
		adapters.AllAdapters,

		// Use cases
		usecase.NewRateGuard,
		usecase.NewReleasePipeline,
		usecase.NewProposeImprovement,
		usecase.NewImplementProposal,
		usecase.NewApproveProposal,
		usecase.NewRejectProposal,
		usecase.NewDeployProposal,
		usecase.NewListProposals,
		usecase.NewShowProposal,
		usecase.NewGetStats,
		usecase.NewDeployChangeset,
		usecase.NewCommandRegistry,
		ProvideExpiringGate,

		agent.NewToolset,

		// App
		NewApp,
	)
	return nil, nil, nil
}
