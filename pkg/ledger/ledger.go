// Package ledger persists what nimbus created, failed to create and later
// removed, per conversation session. The ledger is append-only: outcomes
// are recorded as new entries and never rewritten, so the history of a
// session can always be replayed.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds ledger storage configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Ledger is a SQLite-backed, append-only session ledger. Writes for the
// same session are serialized; reads are safe at any time.
type Ledger struct {
	db     *sql.DB
	path   string
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// New creates a ledger instance. Call Init before use.
func New(cfg Config, logger zerolog.Logger) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &Ledger{
		path:     cfg.Path,
		cfg:      cfg,
		logger:   logger.With().Str("component", "ledger").Logger(),
		sessions: map[string]*sync.Mutex{},
	}, nil
}

// Init opens the database in WAL mode and runs migrations.
func (l *Ledger) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", l.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(l.cfg.MaxOpenConns)
	db.SetMaxIdleConns(l.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(l.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	l.db = db

	if err := l.migrate(); err != nil {
		_ = db.Close()
		l.db = nil
		return err
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *Ledger) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(l.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// sessionLock returns the mutex serializing writes for one session.
func (l *Ledger) sessionLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.sessions[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.sessions[sessionID] = m
	}
	return m
}

// RecordRun appends one entry per plan node describing the run's outcome.
// The whole run is written in a single transaction.
func (l *Ledger) RecordRun(ctx context.Context, plan *engine.CreationPlan, result *engine.RunResult) error {
	lock := l.sessionLock(plan.SessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		entry := l.nodeEntry(plan, result, node)
		if entry == nil {
			continue
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run entries: %w", err)
	}
	l.logger.Info().
		Str("session_id", plan.SessionID).
		Str("run_id", result.RunID).
		Str("status", string(result.Status)).
		Msg("run recorded")
	return nil
}

// nodeEntry maps a node's terminal status onto a ledger entry, or nil for
// nodes that never reached a recordable state.
func (l *Ledger) nodeEntry(plan *engine.CreationPlan, result *engine.RunResult, node *engine.PlanNode) *Entry {
	rec := result.Records[node.ID]

	entry := &Entry{
		ID:           ulid.Make().String(),
		SessionID:    plan.SessionID,
		PlanID:       plan.ID,
		RunID:        result.RunID,
		NodeID:       node.ID,
		ResourceType: node.Spec.Type,
		Purpose:      node.Spec.Purpose,
		CreatedAt:    time.Now().UTC(),
	}
	if rec != nil {
		entry.ProviderID = rec.ProviderID
		entry.EstimatedMonthlyCost = rec.EstimatedMonthlyCost
		if rec.Error != nil {
			entry.ErrorMessage = rec.Error.Error()
		}
		if len(rec.Config) > 0 {
			if data, err := json.Marshal(rec.Config); err == nil {
				entry.ConfigJSON = string(data)
			}
		}
	}

	switch node.Status {
	case engine.NodeStatusCreated:
		if rec != nil && rec.Error != nil && rec.Error.Code == engine.ErrCodeRollbackFailed {
			entry.Kind = EntryRollbackFailed
		} else {
			entry.Kind = EntryCreated
		}
	case engine.NodeStatusFailed:
		entry.Kind = EntryFailed
	case engine.NodeStatusSkipped:
		entry.Kind = EntrySkipped
	case engine.NodeStatusRolledBack:
		entry.Kind = EntryRolledBack
	default:
		return nil
	}
	return entry
}

// RecordCleanup appends a cleaned_up entry for a resource removed outside
// a plan run.
func (l *Ledger) RecordCleanup(ctx context.Context, prior *Entry) error {
	lock := l.sessionLock(prior.SessionID)
	lock.Lock()
	defer lock.Unlock()

	entry := &Entry{
		ID:           ulid.Make().String(),
		SessionID:    prior.SessionID,
		PlanID:       prior.PlanID,
		RunID:        prior.RunID,
		NodeID:       prior.NodeID,
		Kind:         EntryCleanedUp,
		ResourceType: prior.ResourceType,
		Purpose:      prior.Purpose,
		ProviderID:   prior.ProviderID,
		CreatedAt:    time.Now().UTC(),
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cleanup entry: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	query := `
		INSERT INTO entries (id, session_id, plan_id, run_id, node_id, kind,
			resource_type, purpose, provider_id, config_json,
			estimated_monthly_cost, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		e.ID, e.SessionID, e.PlanID, e.RunID, e.NodeID, e.Kind,
		e.ResourceType, e.Purpose, e.ProviderID, e.ConfigJSON,
		e.EstimatedMonthlyCost, e.ErrorMessage, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

const entryColumns = `id, session_id, plan_id, run_id, node_id, kind,
	resource_type, purpose, provider_id, config_json,
	estimated_monthly_cost, error_message, created_at`

func scanEntry(scanner interface{ Scan(...any) error }) (*Entry, error) {
	e := &Entry{}
	err := scanner.Scan(
		&e.ID, &e.SessionID, &e.PlanID, &e.RunID, &e.NodeID, &e.Kind,
		&e.ResourceType, &e.Purpose, &e.ProviderID, &e.ConfigJSON,
		&e.EstimatedMonthlyCost, &e.ErrorMessage, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ActiveResources returns the created entries of a session whose provider
// IDs have not since been rolled back or cleaned up, oldest first.
func (l *Ledger) ActiveResources(ctx context.Context, sessionID string) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE session_id = ?
		  AND kind = ?
		  AND provider_id != ''
		  AND provider_id NOT IN (
			SELECT provider_id FROM entries
			WHERE session_id = ? AND kind IN (?, ?)
		  )
		ORDER BY id
	`
	rows, err := l.db.QueryContext(ctx, query,
		sessionID, EntryCreated, sessionID, EntryRolledBack, EntryCleanedUp)
	if err != nil {
		return nil, fmt.Errorf("failed to list active resources: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// History returns a session's entries newest first.
func (l *Ledger) History(ctx context.Context, sessionID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := l.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// RollbackFailures returns the entries for resources rollback could not
// remove, across all sessions. These need manual intervention.
func (l *Ledger) RollbackFailures(ctx context.Context) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE kind = ?
		  AND provider_id NOT IN (
			SELECT provider_id FROM entries WHERE kind = ?
		  )
		ORDER BY id
	`
	rows, err := l.db.QueryContext(ctx, query, EntryRollbackFailed, EntryCleanedUp)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback failures: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// SessionCost sums the estimated monthly cost of a session's active
// resources.
func (l *Ledger) SessionCost(ctx context.Context, sessionID string) (float64, error) {
	entries, err := l.ActiveResources(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, e := range entries {
		total += e.EstimatedMonthlyCost
	}
	return total, nil
}

// FindEntry returns the newest entry for a provider ID within a session.
func (l *Ledger) FindEntry(ctx context.Context, sessionID, providerID string) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE session_id = ? AND provider_id = ?
		ORDER BY id DESC
		LIMIT 1
	`
	entry, err := scanEntry(l.db.QueryRowContext(ctx, query, sessionID, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no ledger entry for %q", providerID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry: %w", err)
	}
	return entry, nil
}

// EntryByID returns one entry by its ULID.
func (l *Ledger) EntryByID(ctx context.Context, entryID string) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE id = ?
	`
	entry, err := scanEntry(l.db.QueryRowContext(ctx, query, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no ledger entry %q", entryID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return entry, nil
}

// FindUnused returns a session's active resources created before the
// cutoff. These are cleanup candidates.
func (l *Ledger) FindUnused(ctx context.Context, sessionID string, olderThan time.Duration) ([]*Entry, error) {
	entries, err := l.ActiveResources(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)
	unused := []*Entry{}
	for _, e := range entries {
		if e.CreatedAt.Before(cutoff) {
			unused = append(unused, e)
		}
	}
	return unused, nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}
