package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/provisio/provisio/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Transition is one recorded status change.
type Transition struct {
	ID           int64     `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	Message      string    `json:"message,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// AuditStore keeps an append-only SQLite trail of every status transition.
// The file store remains the source of truth for deployment records; the
// audit trail only answers "when did this deployment change status, and why".
type AuditStore struct {
	db   *sql.DB
	path string
}

// AuditConfig holds audit store configuration.
type AuditConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewAuditStore creates an audit store instance.
func NewAuditStore(cfg AuditConfig) (*AuditStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	return &AuditStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *AuditStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping audit database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *AuditStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded SQL files.
func (s *AuditStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("audit database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
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

// RecordTransition appends one status transition.
func (s *AuditStore) RecordTransition(ctx context.Context, deploymentID string, from, to engine.Status, message string) error {
	query := `
		INSERT INTO transitions (deployment_id, from_status, to_status, message, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		deploymentID,
		string(from),
		string(to),
		message,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// History returns a deployment's transitions in the order they occurred.
func (s *AuditStore) History(ctx context.Context, deploymentID string) ([]Transition, error) {
	query := `
		SELECT id, deployment_id, from_status, to_status, message, recorded_at
		FROM transitions
		WHERE deployment_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.DeploymentID, &t.FromStatus, &t.ToStatus, &t.Message, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}
	return out, nil
}
