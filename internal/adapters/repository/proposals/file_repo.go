package proposals

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/config"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

const (
	ProposalsFile = "proposals.json"
	EventsFile    = "events.jsonl"
	PendingFile   = "pending.json"
	LookupsFile   = "lookups.json"
	LockFile      = "evolve.lock"

	lockRetryDelay = 10 * time.Millisecond
)

// LookupIndexes are secondary indexes persisted next to the proposals
type LookupIndexes struct {
	Version string `json:"version"`
	// ByDay maps a UTC date (2006-01-02) to proposal ids created that day
	ByDay map[string][]string `json:"byDay"`
	// ByUser maps a user id to proposals they proposed, approved or rejected
	ByUser map[string][]string `json:"byUser"`
}

// FileRepository stores proposals, the audit trail and pending approval requests
// as json files in the data directory. Every operation reloads the files under a
// lock on the directory, so processes sharing it see each other's writes.
type FileRepository struct {
	dataDir string
	// mu serializes this process; lock excludes other processes
	mu        sync.Mutex
	lock      *flock.Flock
	proposals map[string]*models.Proposal
	pending   map[string]*models.ApprovalRequest
	lookups   *LookupIndexes

	eventsMu sync.Mutex
}

// NewFileRepository creates the repository and loads existing data
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	r := &FileRepository{
		dataDir: dataDir,
		lock:    flock.New(filepath.Join(dataDir, LockFile)),
		lookups: &LookupIndexes{Version: "1.0.0"},
	}
	if err := r.withState(context.Background(), false, func() error { return nil }); err != nil {
		return nil, fmt.Errorf("failed to load proposals: %w", err)
	}
	return r, nil
}

// NewFileRepositoryFromConfig creates the repository under the configured data directory
func NewFileRepositoryFromConfig(cfg *config.RuntimeConfig) (*FileRepository, error) {
	return NewFileRepository(cfg.DataDir)
}

// withState runs fn against freshly loaded state. Writers take the directory
// lock exclusively, readers share it.
func (r *FileRepository) withState(ctx context.Context, exclusive bool, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var locked bool
	var err error
	if exclusive {
		locked, err = r.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = r.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", r.dataDir, err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s", r.dataDir)
	}
	defer r.lock.Unlock()

	if err := r.load(); err != nil {
		return err
	}
	return fn()
}

func (r *FileRepository) load() error {
	r.proposals = make(map[string]*models.Proposal)
	r.pending = make(map[string]*models.ApprovalRequest)
	if err := r.loadFile(ProposalsFile, &r.proposals); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load proposals: %w", err)
	}
	if err := r.loadFile(PendingFile, &r.pending); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load pending requests: %w", err)
	}
	r.rebuildLookups()
	return nil
}

func (r *FileRepository) loadFile(filename string, v any) error {
	data, err := os.ReadFile(filepath.Join(r.dataDir, filename))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// saveFile writes v to a temp file and renames it into place
func (r *FileRepository) saveFile(filename string, v any) error {
	path := filepath.Join(r.dataDir, filename)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (r *FileRepository) saveProposals() error {
	r.rebuildLookups()
	if err := r.saveFile(ProposalsFile, r.proposals); err != nil {
		return fmt.Errorf("failed to save proposals: %w", err)
	}
	if err := r.saveFile(LookupsFile, r.lookups); err != nil {
		return fmt.Errorf("failed to save lookups: %w", err)
	}
	return nil
}

func (r *FileRepository) rebuildLookups() {
	r.lookups.ByDay = make(map[string][]string)
	r.lookups.ByUser = make(map[string][]string)

	for id, p := range r.proposals {
		day := p.ProposedAt.UTC().Format(time.DateOnly)
		r.lookups.ByDay[day] = append(r.lookups.ByDay[day], id)

		users := append([]string{p.ProposedBy, p.RejectedBy}, p.Approvers...)
		for _, u := range users {
			if u != "" && !slices.Contains(r.lookups.ByUser[u], id) {
				r.lookups.ByUser[u] = append(r.lookups.ByUser[u], id)
			}
		}
	}
	for _, ids := range r.lookups.ByDay {
		slices.Sort(ids)
	}
	for _, ids := range r.lookups.ByUser {
		slices.Sort(ids)
	}
}

// GetProposal retrieves a proposal by id
func (r *FileRepository) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	var result *models.Proposal
	err := r.withState(ctx, false, func() error {
		p, exists := r.proposals[id]
		if !exists {
			return &domain.NotFoundError{Kind: "proposal", ID: id}
		}
		result = p.Clone()
		return nil
	})
	return result, err
}

// ListProposals retrieves proposals matching the filter
func (r *FileRepository) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]*models.Proposal, error) {
	var result []*models.Proposal
	err := r.withState(ctx, false, func() error {
		candidates := r.candidates(filter)
		result = make([]*models.Proposal, 0, len(candidates))
		for _, p := range candidates {
			if filter.Matches(p) {
				result = append(result, p.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// candidates narrows the scan with the user index when the filter names a user
func (r *FileRepository) candidates(filter domain.ProposalFilter) []*models.Proposal {
	if filter.User != "" {
		ids := r.lookups.ByUser[filter.User]
		out := make([]*models.Proposal, 0, len(ids))
		for _, id := range ids {
			if p, ok := r.proposals[id]; ok {
				out = append(out, p)
			}
		}
		return out
	}
	out := make([]*models.Proposal, 0, len(r.proposals))
	for _, p := range r.proposals {
		out = append(out, p)
	}
	return out
}

// CreateProposal saves a new proposal
func (r *FileRepository) CreateProposal(ctx context.Context, proposal *models.Proposal) error {
	return r.withState(ctx, true, func() error {
		if _, exists := r.proposals[proposal.ID]; exists {
			return fmt.Errorf("proposal %s: %w", proposal.ID, domain.ErrAlreadyExists)
		}
		r.proposals[proposal.ID] = proposal.Clone()
		if err := r.saveProposals(); err != nil {
			delete(r.proposals, proposal.ID)
			return err
		}
		return nil
	})
}

// UpdateProposal applies fn under the exclusive lock and persists the result
func (r *FileRepository) UpdateProposal(ctx context.Context, id string, fn func(p *models.Proposal) error) (*models.Proposal, error) {
	var result *models.Proposal
	err := r.withState(ctx, true, func() error {
		current, exists := r.proposals[id]
		if !exists {
			return &domain.NotFoundError{Kind: "proposal", ID: id}
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		r.proposals[id] = next
		if err := r.saveProposals(); err != nil {
			r.proposals[id] = current
			return err
		}
		result = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendEvent appends one line to the audit trail
func (r *FileRepository) AppendEvent(ctx context.Context, event *models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()

	f, err := os.OpenFile(filepath.Join(r.dataDir, EventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return f.Close()
}

// ListEvents scans the audit trail
func (r *FileRepository) ListEvents(ctx context.Context, filter domain.AuditFilter) ([]*models.AuditEvent, error) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()

	f, err := os.Open(filepath.Join(r.dataDir, EventsFile))
	if errors.Is(err, os.ErrNotExist) {
		return []*models.AuditEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer f.Close()

	var result []*models.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e models.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt audit trail at line %d: %w", line, err)
		}
		if filter.Matches(&e) {
			result = append(result, &e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return result, nil
}

// Ensure FileRepository implements the audit store
var _ usecase.AuditStore = (*FileRepository)(nil)
