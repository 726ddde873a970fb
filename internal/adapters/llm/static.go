package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// keyword tables for the static backend, checked in order
var (
	highRiskWords   = []string{"auth", "password", "secret", "token", "payment", "database", "schema", "migration", "delete", "drop", "deploy", "permission"}
	mediumRiskWords = []string{"refactor", "cache", "config", "performance", "concurren", "api", "dependency", "upgrade"}

	typeWords = []struct {
		kind  models.ChangeType
		words []string
	}{
		{models.ChangeFix, []string{"fix", "bug", "crash", "broken"}},
		{models.ChangeDocs, []string{"doc", "readme", "comment"}},
		{models.ChangeTest, []string{"test", "coverage"}},
		{models.ChangePerf, []string{"faster", "speed", "perf", "latency"}},
		{models.ChangeRefactor, []string{"refactor", "clean up", "cleanup", "rename"}},
		{models.ChangeChore, []string{"bump", "upgrade", "lint"}},
	}
)

// StaticAssessor classifies ideas with keyword rules. Used offline and in dry runs.
type StaticAssessor struct{}

func (StaticAssessor) Assess(_ context.Context, idea string) (*models.Assessment, error) {
	lower := strings.ToLower(idea)

	risk := models.RiskLow
	switch {
	case containsAny(lower, highRiskWords):
		risk = models.RiskHigh
	case containsAny(lower, mediumRiskWords):
		risk = models.RiskMedium
	}

	kind := models.ChangeFeature
	for _, tw := range typeWords {
		if containsAny(lower, tw.words) {
			kind = tw.kind
			break
		}
	}

	title := strings.TrimSpace(idea)
	if r := []rune(title); len(r) > 0 {
		title = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return &models.Assessment{
		Title:               title,
		Type:                kind,
		Risk:                risk,
		Description:         idea,
		Reasoning:           fmt.Sprintf("classified %s by keyword rules", risk),
		AffectedFiles:       []string{},
		ImplementationPlan:  "Record the idea as a design note for a human to implement.",
		EstimatedChangeSize: 1,
	}, nil
}

// StaticGenerator writes a design note describing the proposal instead of code
type StaticGenerator struct{}

func (StaticGenerator) GenerateChanges(_ context.Context, p *models.Proposal) (*models.Changeset, error) {
	short := p.ID
	if len(short) > 8 {
		short = short[:8]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)
	fmt.Fprintf(&b, "- Type: %s\n- Risk: %s\n\n", p.Type, p.Risk)
	fmt.Fprintf(&b, "%s\n", p.Description)
	if p.ImplementationPlan != "" {
		fmt.Fprintf(&b, "\n## Plan\n\n%s\n", p.ImplementationPlan)
	}
	return &models.Changeset{
		Summary: "design note for " + p.Title,
		Changes: []models.FileChange{{
			FilePath: fmt.Sprintf("docs/proposals/%s.md", short),
			Action:   models.FileCreate,
			Content:  b.String(),
		}},
	}, nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

var (
	_ usecase.RiskAssessor    = StaticAssessor{}
	_ usecase.ChangeGenerator = StaticGenerator{}
)
