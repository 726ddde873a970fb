package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trebuchet-org/evolve/internal/domain"
	"github.com/trebuchet-org/evolve/internal/domain/models"
	"github.com/trebuchet-org/evolve/internal/usecase"
)

// Store is an AuditStore and PendingStore backed by a single sqlite database
type Store struct {
	db     *sql.DB
	dbPath string
	// writes serializes read-modify-write cycles
	writes sync.Mutex
}

// Open creates or opens the database at dbPath
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps sqlite's single writer and our transactions in step
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		risk TEXT NOT NULL,
		proposed_at INTEGER NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
	CREATE INDEX IF NOT EXISTS idx_proposals_proposed_at ON proposals(proposed_at);

	CREATE TABLE IF NOT EXISTS proposal_users (
		proposal_id TEXT NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (proposal_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_proposal_users_user ON proposal_users(user_id);

	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		subject_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject_id);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_events(at);

	CREATE TABLE IF NOT EXISTS pending_requests (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		body TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_requests(expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetProposal retrieves a proposal by id
func (s *Store) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	return getProposal(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getProposal(ctx context.Context, q querier, id string) (*models.Proposal, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM proposals WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "proposal", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query proposal: %w", err)
	}
	return decodeProposal(body)
}

func decodeProposal(body string) (*models.Proposal, error) {
	var p models.Proposal
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("failed to decode proposal: %w", err)
	}
	return &p, nil
}

// ListProposals retrieves proposals matching the filter
func (s *Store) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]*models.Proposal, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Risk != "" {
		clauses = append(clauses, "risk = ?")
		args = append(args, string(filter.Risk))
	}
	if !filter.Day.IsZero() {
		start := domain.DayStart(filter.Day)
		clauses = append(clauses, "proposed_at >= ? AND proposed_at < ?")
		args = append(args, start.UnixNano(), start.AddDate(0, 0, 1).UnixNano())
	}
	if filter.User != "" {
		clauses = append(clauses, "id IN (SELECT proposal_id FROM proposal_users WHERE user_id = ?)")
		args = append(args, filter.User)
	}

	query := `SELECT body FROM proposals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY proposed_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	result := []*models.Proposal{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		p, err := decodeProposal(body)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// CreateProposal inserts a new proposal
func (s *Store) CreateProposal(ctx context.Context, p *models.Proposal) error {
	s.writes.Lock()
	defer s.writes.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode proposal: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO proposals (id, status, risk, proposed_at, body) VALUES (?, ?, ?, ?, ?)`,
		p.ID, string(p.Status), string(p.Risk), p.ProposedAt.UnixNano(), string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("proposal %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	if err := syncUsers(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateProposal reads, applies fn and writes back in one transaction
func (s *Store) UpdateProposal(ctx context.Context, id string, fn func(p *models.Proposal) error) (*models.Proposal, error) {
	s.writes.Lock()
	defer s.writes.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := getProposal(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposal: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE proposals SET status = ?, risk = ?, body = ? WHERE id = ?`,
		string(p.Status), string(p.Risk), string(body), id); err != nil {
		return nil, fmt.Errorf("failed to update proposal: %w", err)
	}
	if err := syncUsers(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

func syncUsers(ctx context.Context, tx *sql.Tx, p *models.Proposal) error {
	users := append([]string{p.ProposedBy, p.RejectedBy}, p.Approvers...)
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO proposal_users (proposal_id, user_id) VALUES (?, ?)`, p.ID, u); err != nil {
			return fmt.Errorf("failed to index proposal user: %w", err)
		}
	}
	return nil
}

// AppendEvent inserts an audit event
func (s *Store) AppendEvent(ctx context.Context, e *models.AuditEvent) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, subject_id, action, actor, detail, metadata, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubjectID, string(e.Action), e.Actor, e.Detail, nullable(meta), e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// ListEvents returns matching audit events in insertion order
func (s *Store) ListEvents(ctx context.Context, filter domain.AuditFilter) ([]*models.AuditEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, filter.Actor)
	}
	if !filter.Day.IsZero() {
		start := domain.DayStart(filter.Day)
		clauses = append(clauses, "at >= ? AND at < ?")
		args = append(args, start.UnixNano(), start.AddDate(0, 0, 1).UnixNano())
	}
	query := `SELECT id, subject_id, action, actor, detail, metadata, at FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	result := []*models.AuditEvent{}
	for rows.Next() {
		var (
			e    models.AuditEvent
			meta sql.NullString
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Action, &e.Actor, &e.Detail, &meta, &at); err != nil {
			return nil, err
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		e.At = time.Unix(0, at).UTC()
		result = append(result, &e)
	}
	return result, rows.Err()
}

var (
	_ usecase.AuditStore   = (*Store)(nil)
	_ usecase.PendingStore = (*Store)(nil)
)
