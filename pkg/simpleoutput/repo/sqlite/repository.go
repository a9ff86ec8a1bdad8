package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-output/pkg/simpleoutput"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	sqliteBusyCode             = 5
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555

	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const artifactColumns = `id, root, original_name, stored_name, output_name, storage_key, location, size,
    extension, mime_type, checksum, status, output_path, error_message, created_at, updated_at`

// Repository implements simpleoutput.Repository on a SQLite database file
type Repository struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	repo := &Repository{db: db}
	if err := repo.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func sqliteCode(err error) int {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code()
	}
	return 0
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if sqliteCode(err) == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	switch sqliteCode(err) {
	case sqliteConstraintUnique, sqliteConstraintPrimaryKey:
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// timeLayout is fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (r *Repository) CreateArtifact(ctx context.Context, a *simpleoutput.Artifact) error {
	err := retryOnBusy(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID.String(), a.Root, a.OriginalName, a.StoredName, a.OutputName, a.StorageKey, a.Location, a.Size,
			a.Extension, a.MimeType, a.Checksum, string(a.Status), a.OutputPath, a.Error,
			formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", simpleoutput.ErrNameTaken, simpleoutput.StorageKey(a.Root, a.StoredName))
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (r *Repository) DeleteArtifact(ctx context.Context, id uuid.UUID) error {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ? AND status = ?`,
			id.String(), string(simpleoutput.ArtifactStatusPending))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := r.GetArtifact(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", simpleoutput.ErrInvalidStatusTransition, id, current.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*simpleoutput.Artifact, error) {
	var (
		a                    simpleoutput.Artifact
		id, status           string
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &a.Root, &a.OriginalName, &a.StoredName, &a.OutputName, &a.StorageKey, &a.Location, &a.Size,
		&a.Extension, &a.MimeType, &a.Checksum, &status, &a.OutputPath, &a.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse artifact id: %w", err)
	}
	a.Status = simpleoutput.ArtifactStatus(status)
	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &a, nil
}

func (r *Repository) GetArtifact(ctx context.Context, id uuid.UUID) (*simpleoutput.Artifact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id.String())
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, simpleoutput.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]*simpleoutput.Artifact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var result []*simpleoutput.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *Repository) ListArtifacts(ctx context.Context, root string) ([]*simpleoutput.Artifact, error) {
	return r.query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE root = ? ORDER BY created_at, stored_name`, root)
}

func (r *Repository) ListArtifactsByStatus(ctx context.Context, status simpleoutput.ArtifactStatus, limit int) ([]*simpleoutput.Artifact, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE status = ? ORDER BY created_at, stored_name LIMIT ?`,
		string(status), limit)
}

func (r *Repository) UpdateArtifact(ctx context.Context, id uuid.UUID, from simpleoutput.ArtifactStatus, u simpleoutput.ArtifactUpdate) (*simpleoutput.Artifact, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE artifacts SET
                status        = ?,
                storage_key   = COALESCE(NULLIF(?, ''), storage_key),
                location      = COALESCE(NULLIF(?, ''), location),
                size          = CASE WHEN ? > 0 THEN ? ELSE size END,
                checksum      = COALESCE(NULLIF(?, ''), checksum),
                mime_type     = COALESCE(NULLIF(?, ''), mime_type),
                output_path   = COALESCE(NULLIF(?, ''), output_path),
                error_message = COALESCE(NULLIF(?, ''), error_message),
                updated_at    = ?
             WHERE id = ? AND status = ?`,
			string(u.Status), u.StorageKey, u.Location, u.Size, u.Size, u.Checksum, u.MimeType,
			u.OutputPath, u.Error, formatTime(time.Now()), id.String(), string(from))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update artifact: %w", err)
	}

	current, err := r.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s is %s, not %s", simpleoutput.ErrInvalidStatusTransition, id, current.Status, from)
	}
	return current, nil
}

var _ simpleoutput.Repository = (*Repository)(nil)
