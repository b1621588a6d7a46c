package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL connection and runs migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "pgmigrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) LoadState(ctx context.Context) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM telemetry_state WHERE id = 1`).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_state (id, state, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT(id) DO UPDATE SET
			state=EXCLUDED.state,
			updated_at=EXCLUDED.updated_at`,
		state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearState(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM telemetry_state WHERE id = 1`); err != nil {
		return fmt.Errorf("clearing state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
