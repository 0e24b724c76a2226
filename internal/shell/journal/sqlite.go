package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/cvmdeploy/internal/core/crypto"
	"github.com/artpar/cvmdeploy/internal/core/domain"
	"github.com/artpar/cvmdeploy/internal/shell/deploy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultLockTTL is how long an in-progress attempt holds the lock before a
// new attempt may take it over.
const DefaultLockTTL = 30 * time.Minute

// Attempt states.
const (
	StateInProgress    = "in_progress"
	StateDone          = "done"
	StateExistingFound = "existing_found"
	StateFailed        = "failed"
	StateAbandoned     = "abandoned"
)

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// Store
// =============================================================================

// Options configures a Store.
type Options struct {
	// EncryptionKey seals descriptors at rest. Empty means descriptors are not
	// stored; only their hash is.
	EncryptionKey string
	LockTTL       time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Store is a SQLite-backed deployment journal. It satisfies deploy.Journal.
type Store struct {
	db      *sqlx.DB
	key     []byte
	lockTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

var _ deploy.Journal = (*Store)(nil)

// Open opens (creating if needed) the journal at path and runs migrations.
// path may be ":memory:".
func Open(path string, opts Options) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, NewJournalError("Open", "", fmt.Sprintf("create directory: %v", err), ErrConnectionFailed)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewJournalError("Open", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewJournalError("Open", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewJournalError("Open", "", err.Error(), ErrMigrationFailed)
	}

	s := &Store{
		db:      db,
		lockTTL: opts.LockTTL,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "journal")

	if opts.EncryptionKey != "" {
		key, err := crypto.DeriveKey(opts.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, NewJournalError("Open", "", "derive encryption key", err)
		}
		s.key = key
	}

	return s, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sealing reports whether descriptors are stored encrypted.
func (s *Store) Sealing() bool {
	return s.key != nil
}

// =============================================================================
// Rows
// =============================================================================

type attemptRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	State            string         `db:"state"`
	Phase            string         `db:"phase"`
	InstanceID       sql.NullString `db:"instance_id"`
	ComposeHash      sql.NullString `db:"compose_hash"`
	DescriptorSealed sql.NullString `db:"descriptor_sealed"`
	FailureReason    sql.NullString `db:"failure_reason"`
	FailureMessage   sql.NullString `db:"failure_message"`
	Advisories       sql.NullString `db:"advisories"`
	Polls            int            `db:"polls"`
	StartedAt        string         `db:"started_at"`
	UpdatedAt        string         `db:"updated_at"`
	FinishedAt       sql.NullString `db:"finished_at"`
}

type eventRow struct {
	ID        int64  `db:"id"`
	AttemptID string `db:"attempt_id"`
	Type      string `db:"type"`
	Phase     string `db:"phase"`
	Detail    string `db:"detail"`
	CreatedAt string `db:"created_at"`
}

// Record is a journaled attempt.
type Record struct {
	ID             string
	Name           string
	State          string
	Phase          domain.Phase
	InstanceID     string
	ComposeHash    string
	HasDescriptor  bool
	FailureReason  domain.FailureReason
	FailureMessage string
	Advisories     []domain.Advisory
	Polls          int
	StartedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// EventRecord is one journaled progress event.
type EventRecord struct {
	Type      deploy.EventType
	Phase     domain.Phase
	Detail    string
	CreatedAt time.Time
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func rowToRecord(row attemptRow) (*Record, error) {
	if !domain.Phase(row.Phase).IsValid() {
		return nil, NewJournalError("decode", row.ID, fmt.Sprintf("unknown phase %q", row.Phase), ErrInvalidData)
	}
	rec := &Record{
		ID:             row.ID,
		Name:           row.Name,
		State:          row.State,
		Phase:          domain.Phase(row.Phase),
		InstanceID:     row.InstanceID.String,
		ComposeHash:    row.ComposeHash.String,
		HasDescriptor:  row.DescriptorSealed.Valid && row.DescriptorSealed.String != "",
		FailureReason:  domain.FailureReason(row.FailureReason.String),
		FailureMessage: row.FailureMessage.String,
		Polls:          row.Polls,
		StartedAt:      parseTime(row.StartedAt),
		UpdatedAt:      parseTime(row.UpdatedAt),
	}
	if row.FinishedAt.Valid {
		t := parseTime(row.FinishedAt.String)
		rec.FinishedAt = &t
	}
	if row.Advisories.Valid && row.Advisories.String != "" {
		if err := json.Unmarshal([]byte(row.Advisories.String), &rec.Advisories); err != nil {
			return nil, NewJournalError("decode", row.ID, "advisories", ErrInvalidData)
		}
	}
	return rec, nil
}

// =============================================================================
// Begin - Advisory Lock
// =============================================================================

// Begin records a new in-progress attempt for name. It fails with
// ErrAttemptInProgress while another attempt younger than the lock TTL is in
// progress; older ones are marked abandoned and taken over.
func (s *Store) Begin(ctx context.Context, name string) (deploy.Attempt, error) {
	id := uuid.New().String()
	now := s.now()

	err := s.withTx(ctx, func(tx executor) error {
		var holder attemptRow
		err := tx.GetContext(ctx, &holder,
			`SELECT * FROM attempts WHERE name = ? AND state = ?`, name, StateInProgress)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return NewJournalError("Begin", "", fmt.Sprintf("find lock holder: %v", err), ErrTxFailed)
		default:
			if now.Sub(parseTime(holder.UpdatedAt)) < s.lockTTL {
				return NewJournalError("Begin", holder.ID,
					fmt.Sprintf("%q locked since %s", name, holder.StartedAt), ErrAttemptInProgress)
			}
			s.logger.Warn("taking over stale attempt", "name", name, "stale_id", holder.ID, "updated_at", holder.UpdatedAt)
			if _, err := tx.ExecContext(ctx,
				`UPDATE attempts SET state = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
				StateAbandoned, formatTime(now), formatTime(now), holder.ID); err != nil {
				return NewJournalError("Begin", holder.ID, fmt.Sprintf("abandon stale attempt: %v", err), ErrTxFailed)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts (id, name, state, phase, polls, started_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`,
			id, name, StateInProgress, string(domain.PhaseIdle), formatTime(now), formatTime(now))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return NewJournalError("Begin", "", fmt.Sprintf("%q locked", name), ErrAttemptInProgress)
			}
			return NewJournalError("Begin", id, fmt.Sprintf("insert attempt: %v", err), ErrTxFailed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("attempt started", "id", id, "name", name)
	return &Attempt{store: s, id: id, name: name}, nil
}

func (s *Store) withTx(ctx context.Context, fn func(executor) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewJournalError("withTx", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewJournalError("withTx", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewJournalError("withTx", "", "failed to commit transaction", ErrTxFailed)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// List returns the most recent attempts first. A non-positive limit means 50.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM attempts ORDER BY started_at DESC, id LIMIT ?`, limit); err != nil {
		return nil, NewJournalError("List", "", err.Error(), ErrTxFailed)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Get returns one attempt.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row, err := s.getRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return rowToRecord(*row)
}

func (s *Store) getRow(ctx context.Context, exec executor, id string) (*attemptRow, error) {
	var row attemptRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM attempts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewJournalError("Get", id, "not found", ErrNotFound)
	}
	if err != nil {
		return nil, NewJournalError("Get", id, err.Error(), ErrTxFailed)
	}
	return &row, nil
}

// Events returns the events of an attempt in the order they were recorded.
func (s *Store) Events(ctx context.Context, id string) ([]EventRecord, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM attempt_events WHERE attempt_id = ? ORDER BY id`, id); err != nil {
		return nil, NewJournalError("Events", id, err.Error(), ErrTxFailed)
	}
	events := make([]EventRecord, 0, len(rows))
	for _, row := range rows {
		events = append(events, EventRecord{
			Type:      deploy.EventType(row.Type),
			Phase:     domain.Phase(row.Phase),
			Detail:    row.Detail,
			CreatedAt: parseTime(row.CreatedAt),
		})
	}
	return events, nil
}

// Descriptor opens the sealed descriptor of an attempt.
func (s *Store) Descriptor(ctx context.Context, id string) (string, error) {
	row, err := s.getRow(ctx, s.db, id)
	if err != nil {
		return "", err
	}
	if s.key == nil || !row.DescriptorSealed.Valid || row.DescriptorSealed.String == "" {
		return "", NewJournalError("Descriptor", id, "no sealed descriptor available", ErrNoDescriptor)
	}
	plaintext, err := crypto.OpenFromBase64(row.DescriptorSealed.String, s.key, []byte(id))
	if err != nil {
		return "", NewJournalError("Descriptor", id, "open sealed descriptor", err)
	}
	return string(plaintext), nil
}
