package domain

import (
	"time"

	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// ProposalFilter defines filtering options for proposals
type ProposalFilter struct {
	Status models.ProposalStatus
	Risk   models.RiskLevel
	// User matches proposals the user proposed, approved or rejected
	User string
	// Day matches proposals created on the same calendar day (in Day's location)
	Day time.Time
}

// Matches reports whether p satisfies the filter
func (f ProposalFilter) Matches(p *models.Proposal) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Risk != "" && p.Risk != f.Risk {
		return false
	}
	if f.User != "" && !p.Involves(f.User) {
		return false
	}
	if !f.Day.IsZero() && !SameDay(p.ProposedAt, f.Day) {
		return false
	}
	return true
}

// AuditFilter defines filtering options for audit events
type AuditFilter struct {
	SubjectID string
	Actor     string
	Day       time.Time
}

// Matches reports whether e satisfies the filter
func (f AuditFilter) Matches(e *models.AuditEvent) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Day.IsZero() && !SameDay(e.At, f.Day) {
		return false
	}
	return true
}

// DayStart truncates t to midnight in t's location
func DayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a falls on the calendar day of ref, evaluated in ref's location
func SameDay(a, ref time.Time) bool {
	a = a.In(ref.Location())
	ay, am, ad := a.Date()
	ry, rm, rd := ref.Date()
	return ay == ry && am == rm && ad == rd
}
