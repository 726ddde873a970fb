package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"

	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// ProposalsRenderer renders proposals and their history
type ProposalsRenderer struct {
	out io.Writer
}

// NewProposalsRenderer creates a new proposals renderer
func NewProposalsRenderer(out io.Writer) *ProposalsRenderer {
	return &ProposalsRenderer{out: out}
}

// RenderList renders proposals as a table, newest first
func (r *ProposalsRenderer) RenderList(proposals []*models.Proposal) error {
	if len(proposals) == 0 {
		fmt.Fprintln(r.out, "No proposals found")
		return nil
	}

	t := newTable(r.out)
	t.AppendHeader(table.Row{"ID", "STATUS", "RISK", "TYPE", "APPROVALS", "PROPOSED", "TITLE"})
	for _, p := range proposals {
		t.AppendRow(table.Row{
			idStyle.Sprint(p.ID),
			statusStyle(p.Status).Sprint(p.Status),
			riskStyle(p.Risk).Sprint(p.Risk),
			string(p.Type),
			fmt.Sprintf("%d/%d", len(p.Approvers), p.Risk.RequiredApprovals()),
			timestampStyle.Sprint(shortTime(p.ProposedAt)),
			p.Title,
		})
	}
	t.Render()
	return nil
}

// RenderProposal renders one proposal with its audit history
func (r *ProposalsRenderer) RenderProposal(result *usecase.ShowResult) error {
	p := result.Proposal

	sectionHeaderStyle.Fprintf(r.out, "Proposal %s\n", p.ID)
	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(r.out, "  %s %s\n", labelStyle.Sprintf("%-14s", label+":"), value)
	}

	field("Title", p.Title)
	field("Status", statusStyle(p.Status).Sprint(p.Status))
	field("Risk", riskStyle(p.Risk).Sprint(p.Risk))
	field("Type", string(p.Type))
	field("Proposed by", p.ProposedBy)
	field("Proposed at", shortTime(p.ProposedAt))
	field("Approvals", fmt.Sprintf("%d/%d %s", len(p.Approvers), p.Risk.RequiredApprovals(), strings.Join(p.Approvers, ", ")))
	field("Branch", p.BranchRef)
	if p.ReviewArtifact != nil {
		field("Review", lo.Ternary(p.ReviewArtifact.URL != "", p.ReviewArtifact.URL, fmt.Sprintf("#%d", p.ReviewArtifact.Number)))
	}
	if p.Status == models.StatusRejected {
		field("Rejected by", p.RejectedBy)
		field("Reason", p.RejectReason)
	}
	if p.Status == models.StatusFailed {
		field("Failed step", p.FailedStep)
		field("Failure", p.FailureReason)
	}
	if p.Release != nil {
		field("Release", p.Release.Version)
		field("Image", p.Release.Image)
		field("Published", p.Release.Published)
	}
	if p.ResolvedAt != nil {
		field("Resolved at", shortTime(*p.ResolvedAt))
	}

	if p.Description != "" {
		fmt.Fprintf(r.out, "\n%s\n", p.Description)
	}
	if p.Reasoning != "" {
		fmt.Fprintf(r.out, "\n%s %s\n", labelStyle.Sprint("Reasoning:"), p.Reasoning)
	}
	if len(p.AffectedFiles) > 0 {
		fmt.Fprintf(r.out, "\n%s\n", labelStyle.Sprint("Affected files:"))
		for _, f := range p.AffectedFiles {
			fmt.Fprintf(r.out, "  - %s\n", f)
		}
	}
	if p.ImplementationPlan != "" {
		fmt.Fprintf(r.out, "\n%s\n%s\n", labelStyle.Sprint("Plan:"), p.ImplementationPlan)
	}

	if len(result.History) > 0 {
		fmt.Fprintln(r.out)
		return r.RenderHistory(result.History)
	}
	return nil
}

// RenderHistory renders audit events in the order given
func (r *ProposalsRenderer) RenderHistory(events []*models.AuditEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(r.out, "No history found")
		return nil
	}
	sectionHeaderStyle.Fprintln(r.out, "History")

	t := newTable(r.out)
	for _, e := range events {
		t.AppendRow(table.Row{
			timestampStyle.Sprint(e.At.Local().Format("2006-01-02 15:04:05")),
			e.SubjectID,
			string(e.Action),
			e.Actor,
			e.Detail,
		})
	}
	t.Render()
	return nil
}

// RenderStats renders pipeline totals
func (r *ProposalsRenderer) RenderStats(st *usecase.StatsResult) error {
	sectionHeaderStyle.Fprintln(r.out, "Proposal stats")
	t := newTable(r.out)
	t.AppendRows([]table.Row{
		{"Proposed", st.TotalProposed},
		{"Today", fmt.Sprintf("%d/%d", st.TodayProposed, st.DailyCap)},
		{"Approved", st.TotalApproved},
		{"Rejected", st.TotalRejected},
		{"Deployed", st.TotalDeployed},
		{"Failed", st.TotalFailed},
		{"Success rate", fmt.Sprintf("%d%%", st.SuccessRate)},
	})
	t.Render()
	return nil
}
