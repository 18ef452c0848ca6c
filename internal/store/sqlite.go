package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"whisp.exchange/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ RecordStore = (*SQLiteStore)(nil)

// SQLiteStore is the durable record backend. Atomicity of Consume and
// PurgeExpired comes from single DELETE ... RETURNING statements.
type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent redeemers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	goose.SetBaseFS(migrations)

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, whisp *models.Whisp) error {
	query := `INSERT INTO whisps (id, payload, is_file, file_ref, password_hash, expires_at, created_at)
	          VALUES (:id, :payload, :is_file, :file_ref, :password_hash, :expires_at, :created_at)`

	_, err := s.db.NamedExecContext(ctx, query, whisp)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Whisp, error) {
	whisp := &models.Whisp{}
	query := `SELECT * FROM whisps WHERE id = $1`

	err := s.db.GetContext(ctx, whisp, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return whisp, nil
}

func (s *SQLiteStore) Consume(ctx context.Context, id string, now time.Time) (*models.Whisp, error) {
	whisp := &models.Whisp{}
	query := `DELETE FROM whisps WHERE id = $1 AND expires_at > $2
	          RETURNING id, payload, is_file, file_ref, password_hash, expires_at, created_at`

	err := s.db.QueryRowxContext(ctx, query, id, now).StructScan(whisp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return whisp, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM whisps WHERE id = $1`, id)
	return err
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, []string, error) {
	rows, err := s.db.QueryxContext(ctx,
		`DELETE FROM whisps WHERE expires_at < $1 RETURNING file_ref`, now)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	count := 0
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return count, refs, err
		}
		count++
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	return count, refs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
