package app

import (
	"log/slog"

	"github.com/trebuchet-org/evolve/internal/adapters/httpapi"
	"github.com/trebuchet-org/evolve/internal/agent"
	"github.com/trebuchet-org/evolve/internal/bg"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// App is the main application container that holds all use cases
type App struct {
	// Configuration
	Config *config.RuntimeConfig
	Log    *slog.Logger

	// Proposal pipeline
	ProposeImprovement *usecase.ProposeImprovement
	ImplementProposal  *usecase.ImplementProposal
	ApproveProposal    *usecase.ApproveProposal
	RejectProposal     *usecase.RejectProposal
	DeployProposal     *usecase.DeployProposal
	ListProposals      *usecase.ListProposals
	ShowProposal       *usecase.ShowProposal
	GetStats           *usecase.GetStats

	// Direct changes
	Gate *usecase.ExpiringGate

	// Chat surface
	Toolset *agent.Toolset
	Server  *httpapi.Server
	Runner  *bg.Group
}

// NewApp creates a new application instance with all use cases
func NewApp(
	cfg *config.RuntimeConfig,
	log *slog.Logger,
	proposeImprovement *usecase.ProposeImprovement,
	implementProposal *usecase.ImplementProposal,
	approveProposal *usecase.ApproveProposal,
	rejectProposal *usecase.RejectProposal,
	deployProposal *usecase.DeployProposal,
	listProposals *usecase.ListProposals,
	showProposal *usecase.ShowProposal,
	getStats *usecase.GetStats,
	gate *usecase.ExpiringGate,
	toolset *agent.Toolset,
	server *httpapi.Server,
	runner *bg.Group,
) *App {
	return &App{
		Config:             cfg,
		Log:                log,
		ProposeImprovement: proposeImprovement,
		ImplementProposal:  implementProposal,
		ApproveProposal:    approveProposal,
		RejectProposal:     rejectProposal,
		DeployProposal:     deployProposal,
		ListProposals:      listProposals,
		ShowProposal:       showProposal,
		GetStats:           getStats,
		Gate:               gate,
		Toolset:            toolset,
		Server:             server,
		Runner:             runner,
	}
}

// ProvideExpiringGate creates the gate and stops its timers on cleanup
func ProvideExpiringGate(
	pending usecase.PendingStore,
	audit usecase.AuditLog,
	presenter usecase.ApprovalPresenter,
	notifier usecase.Notifier,
	commands *usecase.CommandRegistry,
	clock usecase.Clock,
	metrics usecase.Metrics,
	log *slog.Logger,
	cfg *config.RuntimeConfig,
) (*usecase.ExpiringGate, func()) {
	gate := usecase.NewExpiringGate(pending, audit, presenter, notifier, commands, clock, metrics, log, cfg)
	return gate, gate.Close
}
