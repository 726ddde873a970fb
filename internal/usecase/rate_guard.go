package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
)

// RateGuard enforces the per-calendar-day proposal cap. The day's count is read
// from the proposal repository, so the limit survives restarts; proposals that are
// still being generated hold an in-memory reservation so concurrent callers cannot
// overshoot the cap.
type RateGuard struct {
	proposals ProposalRepository
	clock     Clock
	cap       int
	loc       *time.Location

	mu       sync.Mutex
	inflight map[string]int // day key -> open reservations
}

// NewRateGuard creates a rate guard from the pipeline configuration
func NewRateGuard(proposals ProposalRepository, clock Clock, cfg *config.RuntimeConfig) (*RateGuard, error) {
	loc, err := loadLocation(cfg.Project.Pipeline.Timezone)
	if err != nil {
		return nil, err
	}
	limit := cfg.Project.Pipeline.DailyCap
	if limit <= 0 {
		limit = config.DefaultProjectConfig().Pipeline.DailyCap
	}
	return &RateGuard{
		proposals: proposals,
		clock:     clock,
		cap:       limit,
		loc:       loc,
		inflight:  make(map[string]int),
	}, nil
}

func loadLocation(name string) (*time.Location, error) {
	switch name {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline timezone %q: %w", name, err)
	}
	return loc, nil
}

// Reservation holds one slot of today's quota until Release is called
type Reservation struct {
	guard    *RateGuard
	day      string
	released sync.Once
}

// Release frees the slot. Call it once the proposal has been persisted (it is then
// counted by the repository) or when generation failed.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.released.Do(func() {
		r.guard.mu.Lock()
		defer r.guard.mu.Unlock()
		r.guard.inflight[r.day]--
		if r.guard.inflight[r.day] <= 0 {
			delete(r.guard.inflight, r.day)
		}
	})
}

// Cap returns the configured daily limit
func (g *RateGuard) Cap() int { return g.cap }

// Today returns the current calendar day in the guard's timezone
func (g *RateGuard) Today() time.Time {
	return domain.DayStart(g.clock.Now().In(g.loc))
}

// Count returns how many proposals were created today, excluding open reservations
func (g *RateGuard) Count(ctx context.Context) (int, error) {
	return g.countOn(ctx, g.Today())
}

func (g *RateGuard) countOn(ctx context.Context, day time.Time) (int, error) {
	existing, err := g.proposals.ListProposals(ctx, domain.ProposalFilter{Day: day})
	if err != nil {
		return 0, fmt.Errorf("failed to count today's proposals: %w", err)
	}
	return len(existing), nil
}

// TryReserve returns a reservation when another proposal may be created today and
// a *domain.RateLimitError otherwise. It never writes to the store.
func (g *RateGuard) TryReserve(ctx context.Context) (*Reservation, error) {
	today := g.Today()
	key := today.Format(time.DateOnly)

	// The store read happens under the lock so a reservation released right after
	// its proposal was saved is never missed by both counts.
	g.mu.Lock()
	defer g.mu.Unlock()

	count, err := g.countOn(ctx, today)
	if err != nil {
		return nil, err
	}

	current := count + g.inflight[key]
	if current >= g.cap {
		return nil, &domain.RateLimitError{
			Cap:     g.cap,
			Current: current,
			ResetAt: today.AddDate(0, 0, 1),
		}
	}
	g.inflight[key]++
	return &Reservation{guard: g, day: key}, nil
}
