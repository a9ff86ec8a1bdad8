package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// Backend is a filesystem implementation of the simpleoutput.ArtifactStore interface.
// Objects are created exclusively and synced to disk before Put returns.
type Backend struct {
	fs      afero.Fs
	baseDir string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string   // Base directory for storing uploads
	Fs      afero.Fs // Defaults to the OS filesystem
}

// New creates a new filesystem artifact store
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}

	if err := config.Fs.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{
		fs:      config.Fs,
		baseDir: config.BaseDir,
	}, nil
}

func (b *Backend) filePath(key string) (string, error) {
	clean := path.Clean(key)
	if key == "" || clean != key || strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return "", fmt.Errorf("%w: invalid key %q", simpleoutput.ErrPathTraversalDenied, key)
	}
	return filepath.Join(b.baseDir, filepath.FromSlash(clean)), nil
}

// Put writes reader to a new file. It fails with ErrAlreadyExists before
// reading anything when the key is taken.
func (b *Backend) Put(ctx context.Context, key string, reader io.Reader) (*simpleoutput.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := b.filePath(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(filePath)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return nil, &simpleoutput.StorageError{Backend: "fs", Key: key, Op: "mkdir", Err: err}
	}

	file, err := b.fs.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", simpleoutput.ErrAlreadyExists, key)
		}
		return nil, &simpleoutput.StorageError{Backend: "fs", Key: key, Op: "create", Err: err}
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hash), reader)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = b.fs.Remove(filePath)
		return nil, &simpleoutput.StorageError{Backend: "fs", Key: key, Op: "write", Err: err}
	}

	if err := b.syncDir(dir); err != nil {
		return nil, &simpleoutput.StorageError{Backend: "fs", Key: key, Op: "sync", Err: err}
	}

	return &simpleoutput.StoredObject{
		Key:      key,
		Location: filePath,
		Size:     size,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func (b *Backend) syncDir(dir string) error {
	if _, ok := b.fs.(*afero.OsFs); !ok {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Open opens a stored artifact for reading
func (b *Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	filePath, err := b.filePath(key)
	if err != nil {
		return nil, err
	}
	file, err := b.fs.Open(filePath)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotFound, key)
		}
		return nil, &simpleoutput.StorageError{Backend: "fs", Key: key, Op: "open", Err: err}
	}
	return file, nil
}

// Stat retrieves metadata for a stored artifact. The checksum is left empty.
func (b *Backend) Stat(ctx context.Context, key string) (*simpleoutput.StoredObject, error) {
	filePath, err := b.filePath(key)
	if err != nil {
		return nil, err
	}
	info, err := b.fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotFound, key)
		}
		return nil, &simpleoutput.StorageError{Backend: "fs", Key: key, Op: "stat", Err: err}
	}
	return &simpleoutput.StoredObject{
		Key:      key,
		Location: filePath,
		Size:     info.Size(),
	}, nil
}

var _ simpleoutput.ArtifactStore = (*Backend)(nil)
