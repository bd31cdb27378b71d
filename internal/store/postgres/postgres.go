// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/carelinkhq/eventgate/internal/model"
	"github.com/carelinkhq/eventgate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an existing database handle without running migrations.
// Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) MarkSeen(ctx context.Context, eventID string, seenAt time.Time) (bool, error) {
	return queryMarkSeen(ctx, s.db, eventID, seenAt)
}

func (s *PostgresStore) ForgetSeen(ctx context.Context, eventID string) error {
	return queryForgetSeen(ctx, s.db, eventID)
}

func (s *PostgresStore) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	return queryPruneDedup(ctx, s.db, before)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *model.Event) (int64, error) {
	return queryAppendEvent(ctx, s.db, ev)
}

func (s *PostgresStore) EventsSince(ctx context.Context, cursor int64, limit int) ([]store.BufferedEvent, error) {
	return queryEventsSince(ctx, s.db, cursor, limit)
}

func (s *PostgresStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	return queryPruneEvents(ctx, s.db, before)
}

func (s *PostgresStore) RecordDecision(ctx context.Context, d *model.AuthDecision) error {
	return queryRecordDecision(ctx, s.db, d)
}

func (s *PostgresStore) DecisionsSince(ctx context.Context, since time.Time, limit int) ([]*model.AuthDecision, error) {
	return queryDecisionsSince(ctx, s.db, since, limit)
}
