package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// GetStats derives pipeline totals from the audit store. It only reads.
type GetStats struct {
	proposals ProposalRepository
	guard     *RateGuard
}

// NewGetStats creates a new stats use case
func NewGetStats(proposals ProposalRepository, guard *RateGuard) *GetStats {
	return &GetStats{proposals: proposals, guard: guard}
}

// StatsResult pairs the snapshot with today's quota
type StatsResult struct {
	models.Stats
	DailyCap int `json:"dailyCap"`
}

// Run computes a stats snapshot
func (u *GetStats) Run(ctx context.Context) (*StatsResult, error) {
	all, err := u.proposals.ListProposals(ctx, domain.ProposalFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	return &StatsResult{Stats: Snapshot(all, u.guard.Today()), DailyCap: u.guard.Cap()}, nil
}

// Snapshot aggregates proposals into a Stats value. A proposal counts as approved
// once it has passed the quorum gate, whatever happened after.
func Snapshot(proposals []*models.Proposal, today time.Time) models.Stats {
	var s models.Stats
	for _, p := range proposals {
		s.TotalProposed++
		if domain.SameDay(p.ProposedAt, today) {
			s.TodayProposed++
		}
		switch p.Status {
		case models.StatusApproved:
			s.TotalApproved++
		case models.StatusDeployed:
			s.TotalApproved++
			s.TotalDeployed++
		case models.StatusFailed:
			s.TotalApproved++
			s.TotalFailed++
		case models.StatusRejected:
			s.TotalRejected++
		}
	}
	s.SuccessRate = SuccessRate(s.TotalDeployed, s.TotalFailed)
	return s
}

// SuccessRate is round(deployed / (deployed + failed) * 100), or 0 with nothing finished
func SuccessRate(deployed, failed int) int {
	total := deployed + failed
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(deployed) / float64(total) * 100))
}
