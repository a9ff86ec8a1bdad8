package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const artifactColumns = `id, root, original_name, stored_name, output_name, storage_key, location, size,
    extension, mime_type, checksum, status, output_path, error_message, created_at, updated_at`

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simpleoutput.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Migrate applies the embedded schema migrations that have not run yet.
func (r *Repository) Migrate(ctx context.Context) error {
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

	if _, err := r.db.Exec(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return r.handlePostgresError("ensure schema_migrations", err)
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := r.db.QueryRow(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return r.handlePostgresError("check migration", err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.db.Exec(ctx, string(data)); err != nil {
			return r.handlePostgresError("apply migration "+version, err)
		}
		if _, err := r.db.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING", version); err != nil {
			return r.handlePostgresError("record migration "+version, err)
		}
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", simpleoutput.ErrNameTaken, pgErr.Detail)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return simpleoutput.ErrArtifactNotFound
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func (r *Repository) CreateArtifact(ctx context.Context, a *simpleoutput.Artifact) error {
	query := `INSERT INTO artifacts (` + artifactColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.db.Exec(ctx, query,
		a.ID, a.Root, a.OriginalName, a.StoredName, a.OutputName, a.StorageKey, a.Location, a.Size,
		a.Extension, a.MimeType, a.Checksum, string(a.Status), a.OutputPath, a.Error,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create artifact", err)
	}
	return nil
}

// DeleteArtifact removes a pending reservation
func (r *Repository) DeleteArtifact(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM artifacts WHERE id = $1 AND status = $2`,
		id, string(simpleoutput.ArtifactStatusPending))
	if err != nil {
		return r.handlePostgresError("delete artifact", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := r.GetArtifact(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", simpleoutput.ErrInvalidStatusTransition, id, current.Status)
}

func scanArtifact(row pgx.Row) (*simpleoutput.Artifact, error) {
	var (
		a      simpleoutput.Artifact
		status string
	)
	err := row.Scan(&a.ID, &a.Root, &a.OriginalName, &a.StoredName, &a.OutputName, &a.StorageKey, &a.Location, &a.Size,
		&a.Extension, &a.MimeType, &a.Checksum, &status, &a.OutputPath, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = simpleoutput.ArtifactStatus(status)
	return &a, nil
}

func (r *Repository) GetArtifact(ctx context.Context, id uuid.UUID) (*simpleoutput.Artifact, error) {
	row := r.db.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, r.handlePostgresError("get artifact", err)
	}
	return a, nil
}

func (r *Repository) list(ctx context.Context, operation, query string, args ...interface{}) ([]*simpleoutput.Artifact, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError(operation, err)
	}
	defer rows.Close()

	var result []*simpleoutput.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, r.handlePostgresError(operation, err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError(operation, err)
	}
	return result, nil
}

func (r *Repository) ListArtifacts(ctx context.Context, root string) ([]*simpleoutput.Artifact, error) {
	return r.list(ctx, "list artifacts",
		`SELECT `+artifactColumns+` FROM artifacts WHERE root = $1 ORDER BY created_at, stored_name`, root)
}

func (r *Repository) ListArtifactsByStatus(ctx context.Context, status simpleoutput.ArtifactStatus, limit int) ([]*simpleoutput.Artifact, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	return r.list(ctx, "list artifacts by status",
		`SELECT `+artifactColumns+` FROM artifacts WHERE status = $1 ORDER BY created_at, stored_name LIMIT $2`,
		string(status), limitArg)
}

// UpdateArtifact is a single conditional UPDATE, so concurrent claims of the
// same artifact resolve in the database.
func (r *Repository) UpdateArtifact(ctx context.Context, id uuid.UUID, from simpleoutput.ArtifactStatus, u simpleoutput.ArtifactUpdate) (*simpleoutput.Artifact, error) {
	query := `UPDATE artifacts SET
            status        = $3,
            storage_key   = COALESCE(NULLIF($4::text, ''), storage_key),
            location      = COALESCE(NULLIF($5::text, ''), location),
            size          = CASE WHEN $6::bigint > 0 THEN $6::bigint ELSE size END,
            checksum      = COALESCE(NULLIF($7::text, ''), checksum),
            mime_type     = COALESCE(NULLIF($8::text, ''), mime_type),
            output_path   = COALESCE(NULLIF($9::text, ''), output_path),
            error_message = COALESCE(NULLIF($10::text, ''), error_message),
            updated_at    = $11
        WHERE id = $1 AND status = $2
        RETURNING ` + artifactColumns

	row := r.db.QueryRow(ctx, query, id, string(from), string(u.Status), u.StorageKey, u.Location, u.Size,
		u.Checksum, u.MimeType, u.OutputPath, u.Error, time.Now().UTC())
	a, err := scanArtifact(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, r.handlePostgresError("update artifact", err)
	}

	current, err := r.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s, not %s", simpleoutput.ErrInvalidStatusTransition, id, current.Status, from)
}

var _ simpleoutput.Repository = (*Repository)(nil)
