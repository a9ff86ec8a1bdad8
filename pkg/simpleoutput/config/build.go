package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-output/pkg/simpleoutput"
	"github.com/tendant/simple-output/pkg/simpleoutput/convert"
	"github.com/tendant/simple-output/pkg/simpleoutput/outputtree"
	"github.com/tendant/simple-output/pkg/simpleoutput/repo/memory"
	repopg "github.com/tendant/simple-output/pkg/simpleoutput/repo/postgres"
	reposqlite "github.com/tendant/simple-output/pkg/simpleoutput/repo/sqlite"
	fsstorage "github.com/tendant/simple-output/pkg/simpleoutput/storage/fs"
	memorystorage "github.com/tendant/simple-output/pkg/simpleoutput/storage/memory"
	s3storage "github.com/tendant/simple-output/pkg/simpleoutput/storage/s3"
)

// DefaultDatabaseFile is used for "sqlite://" without a path
const DefaultDatabaseFile = "simple-output.db"

// BuildService creates a Service from the server configuration. The returned
// cleanup releases database connections and must be called after the service
// has stopped.
func (c *ServerConfig) BuildService(ctx context.Context, logger *slog.Logger) (simpleoutput.Service, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, closeRepo, err := c.buildRepository(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build repository: %w", err)
	}

	store, err := c.buildArtifactStore()
	if err != nil {
		closeRepo()
		return nil, nil, fmt.Errorf("failed to build artifact store: %w", err)
	}

	options := []simpleoutput.Option{
		simpleoutput.WithRepository(repo),
		simpleoutput.WithArtifactStore(store),
		simpleoutput.WithConverter(c.BuildConverter(logger)),
		simpleoutput.WithEventSink(simpleoutput.NewLoggingEventSink(logger)),
		simpleoutput.WithLogger(logger),
		simpleoutput.WithPublicBaseURL(c.BaseURL()),
		simpleoutput.WithWorkers(c.Workers),
		simpleoutput.WithQueueSize(c.QueueSize),
		simpleoutput.WithSweepInterval(c.SweepInterval),
	}

	for _, name := range c.RootNames() {
		tree, err := outputtree.New(outputtree.Config{
			Dir:        c.OutputDir(name),
			StagingDir: c.StagingDir(name),
		})
		if err != nil {
			closeRepo()
			return nil, nil, fmt.Errorf("failed to open output root %s: %w", name, err)
		}
		options = append(options, simpleoutput.WithOutputRoot(name, tree))
	}

	svc, err := simpleoutput.New(options...)
	if err != nil {
		closeRepo()
		return nil, nil, err
	}
	return svc, closeRepo, nil
}

// BuildConverter routes artifacts by extension. Formats without a configured
// command get the manifest converter; zip uploads are extracted and, when a
// DICOM command is set, handed to it.
func (c *ServerConfig) BuildConverter(logger *slog.Logger) simpleoutput.Converter {
	router := convert.NewRouter(convert.Manifest())

	if c.HDF5Command != "" {
		router.Handle(convert.Exec(c.HDF5Command, logger), ".h5", ".hdf5")
	}
	if c.NIfTICommand != "" {
		router.Handle(convert.Exec(c.NIfTICommand, logger), ".nii", ".nii.gz")
	}

	archive := &convert.ArchiveConverter{MaxBytes: c.MaxExtractBytes}
	if c.DICOMCommand != "" {
		router.Handle(convert.Exec(c.DICOMCommand, logger), ".dcm", ".dicom")
		archive.Subdir = "dicom"
		router.Handle(convert.Chain(archive, &convert.ExecConverter{
			Command:         c.DICOMCommand,
			InputFromOutput: "dicom",
			Logger:          logger,
		}), ".zip")
	} else {
		router.Handle(archive, ".zip")
	}
	return router
}

func (c *ServerConfig) buildRepository(ctx context.Context) (simpleoutput.Repository, func(), error) {
	kind, target, err := parseDatabaseURL(c.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case databaseMemory:
		return memory.New(), func() {}, nil

	case databaseSQLite:
		if target == "" {
			target = filepath.Join(c.DataDir, DefaultDatabaseFile)
		}
		repo, err := reposqlite.Open(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil

	case databasePostgres:
		pool, err := NewDBPool(ctx, target, c.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		repo := repopg.NewWithPool(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return repo, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported database type: %s", kind)
}

// NewDBPool connects to Postgres. When schema is set it is created if missing
// and used as the search_path of every connection.
func NewDBPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		searchPath := "SET search_path TO " + pgx.Identifier{schema}.Sanitize()
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, searchPath)
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if schema != "" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
	}
	return pool, nil
}

func (c *ServerConfig) buildArtifactStore() (simpleoutput.ArtifactStore, error) {
	loc, err := parseStorageURL(c.StorageURL)
	if err != nil {
		return nil, err
	}

	switch loc.kind {
	case storageMemory:
		return memorystorage.New(), nil

	case storageFS:
		dir := loc.dir
		if dir == "" {
			dir = filepath.Join(c.DataDir, "uploads")
		}
		return fsstorage.New(fsstorage.Config{BaseDir: dir})

	case storageS3:
		s3Config := s3storage.Config{
			Region:                 c.S3.Region,
			Bucket:                 loc.bucket,
			Prefix:                 loc.prefix,
			AccessKeyID:            c.S3.AccessKeyID,
			SecretAccessKey:        c.S3.SecretAccessKey,
			Endpoint:               c.S3.Endpoint,
			UsePathStyle:           c.S3.UsePathStyle,
			EnableSSE:              c.S3.EnableSSE,
			SSEAlgorithm:           c.S3.SSEAlgorithm,
			SSEKMSKeyID:            c.S3.SSEKMSKeyID,
			CreateBucketIfNotExist: c.S3.CreateBucketIfNotExist,
		}
		if v := loc.query.Get("region"); v != "" {
			s3Config.Region = v
		}
		if v := loc.query.Get("endpoint"); v != "" {
			s3Config.Endpoint = v
		}
		if v := loc.query.Get("path_style"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid path_style in STORAGE_URL: %w", err)
			}
			s3Config.UsePathStyle = b
		}
		return s3storage.New(s3Config)
	}
	return nil, fmt.Errorf("unsupported storage backend type: %s", loc.kind)
}
