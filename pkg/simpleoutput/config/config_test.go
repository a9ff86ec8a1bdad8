package config

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-output/pkg/simpleoutput"
	"github.com/tendant/simple-output/pkg/simpleoutput/convert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.DatabaseURL)
	assert.Equal(t, []string{simpleoutput.DefaultRoot}, cfg.RootNames())
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL())
	assert.Equal(t, filepath.Join("data", "output", "default"), cfg.OutputDir("default"))
	assert.Equal(t, filepath.Join("data", ".staging", "default"), cfg.StagingDir("default"))
	assert.Equal(t, convert.DefaultMaxExtractBytes, cfg.MaxExtractBytes)
}

func TestEnvDefaultsMatchDefaults(t *testing.T) {
	var fromTags ServerConfig
	require.NoError(t, cleanenv.ReadEnv(&fromTags))

	want := defaults()
	assert.Equal(t, want.MaxExtractBytes, fromTags.MaxExtractBytes)
	assert.Equal(t, want.MaxUploadBytes, fromTags.MaxUploadBytes)
	assert.Equal(t, want.SweepInterval, fromTags.SweepInterval)
	assert.Equal(t, want.QueueSize, fromTags.QueueSize)
}

func TestWithEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATA_DIR", "/srv/output")
	t.Setenv("PUBLIC_BASE_URL", "https://files.example.com/")
	t.Setenv("DATABASE_URL", "sqlite:///srv/output/db.sqlite")
	t.Setenv("STORAGE_URL", "s3://uploads/raw?region=eu-west-1")
	t.Setenv("OUTPUT_ROOTS", "scanner,lab")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("WORKERS", "4")
	t.Setenv("HDF5_CONVERTER", "h5convert {input} {output}")

	cfg, err := Load(WithEnv())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/srv/output", cfg.DataDir)
	assert.Equal(t, "https://files.example.com", cfg.BaseURL())
	assert.Equal(t, []string{"default", "lab", "scanner"}, cfg.RootNames())
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Equal(t, "h5convert {input} {output}", cfg.HDF5Command)

	kind, path, err := parseDatabaseURL(cfg.DatabaseURL)
	require.NoError(t, err)
	assert.Equal(t, databaseSQLite, kind)
	assert.Equal(t, "/srv/output/db.sqlite", path)

	loc, err := parseStorageURL(cfg.StorageURL)
	require.NoError(t, err)
	assert.Equal(t, storageS3, loc.kind)
	assert.Equal(t, "uploads", loc.bucket)
	assert.Equal(t, "raw", loc.prefix)
	assert.Equal(t, "eu-west-1", loc.query.Get("region"))
}

func TestWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"port: \"7070\"",
		"data_dir: /var/lib/simple-output",
		"roots: [lab]",
		"dicom_command: \"dcm2png {input} {output}\"",
		"",
	}, "\n")), 0644))

	cfg, err := Load(WithFile(path))
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "/var/lib/simple-output", cfg.DataDir)
	assert.Equal(t, []string{"lab"}, cfg.Roots)
	assert.Equal(t, "dcm2png {input} {output}", cfg.DICOMCommand)
	assert.Equal(t, 2, cfg.Workers)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"bad database url", []Option{WithDatabaseURL("mysql://localhost/db")}},
		{"bad storage url", []Option{WithStorageURL("ftp://host/dir")}},
		{"empty bucket", []Option{WithStorageURL("s3://")}},
		{"bad root name", []Option{WithRoots("../x")}},
		{"duplicate root", []Option{WithRoots("lab", "lab")}},
		{"non numeric port", []Option{WithPort("http")}},
		{"bad public url", []Option{WithPublicBaseURL("not a url")}},
		{"no workers", []Option{func(c *ServerConfig) error { c.Workers = 0; return nil }}},
		{"negative sweep", []Option{func(c *ServerConfig) error { c.SweepInterval = -time.Second; return nil }}},
		{"bad api key", []Option{func(c *ServerConfig) error { c.APIKeySHA256 = "abc"; return nil }}},
		{"bad environment", []Option{func(c *ServerConfig) error { c.Environment = "staging"; return nil }}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.opts...)
			assert.Error(t, err)
		})
	}

	_, err := Load(WithPort(""))
	assert.Error(t, err)
	_, err = Load(WithDataDir(""))
	assert.Error(t, err)
}

func TestBuildService(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(
		WithDataDir(dir),
		WithDatabaseURL("sqlite://"+filepath.Join(dir, "db", "artifacts.db")),
		WithRoots("lab"),
	)
	require.NoError(t, err)

	svc, cleanup, err := cfg.BuildService(context.Background(), slog.Default())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, []string{"default", "lab"}, svc.Roots())
	assert.DirExists(t, filepath.Join(dir, "output", "lab"))
	assert.DirExists(t, filepath.Join(dir, ".staging", "default"))

	res, err := svc.Upload(context.Background(), simpleoutput.UploadRequest{
		Root:     "lab",
		FileName: "scan.h5",
		Reader:   strings.NewReader("hdf5 bytes"),
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "uploads", "lab", "scan.h5"))

	converted, err := svc.ConvertArtifact(context.Background(), res.Artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, simpleoutput.ArtifactStatusConverted, converted.Status)
	assert.FileExists(t, filepath.Join(dir, "output", "lab", "scan_output", "artifact.json"))
}

func TestBuildService_MemoryBackends(t *testing.T) {
	cfg, err := Load(WithDataDir(t.TempDir()), WithStorageURL("memory://"))
	require.NoError(t, err)

	svc, cleanup, err := cfg.BuildService(context.Background(), nil)
	require.NoError(t, err)
	defer cleanup()

	artifacts, err := svc.ListArtifacts(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestBuildConverter_ExtractsZip(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	converter := cfg.BuildConverter(slog.Default())

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("series/IM0001.dcm")
	require.NoError(t, err)
	_, err = w.Write([]byte("dicom"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out := t.TempDir()
	err = converter.Convert(context.Background(), simpleoutput.ConvertRequest{
		Artifact: &simpleoutput.Artifact{ID: uuid.New(), StoredName: "study.zip", Extension: ".zip"},
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
		},
		Output:    afero.NewBasePathFs(afero.NewOsFs(), out),
		OutputDir: out,
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(out, "series", "IM0001.dcm"))
}
