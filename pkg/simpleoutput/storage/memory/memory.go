package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// Backend is an in-memory implementation of the simpleoutput.ArtifactStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New creates a new in-memory artifact store
func New() *Backend {
	return &Backend{
		objects: make(map[string][]byte),
	}
}

// Put stores the content under key unless the key is already taken
func (b *Backend) Put(ctx context.Context, key string, reader io.Reader) (*simpleoutput.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	_, exists := b.objects[key]
	b.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", simpleoutput.ErrAlreadyExists, key)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &simpleoutput.StorageError{Backend: "memory", Key: key, Op: "put", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.objects[key]; exists {
		return nil, fmt.Errorf("%w: %s", simpleoutput.ErrAlreadyExists, key)
	}
	b.objects[key] = data

	sum := sha256.Sum256(data)
	return &simpleoutput.StoredObject{
		Key:      key,
		Location: "memory://" + key,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// Open returns a reader over the stored bytes
func (b *Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, exists := b.objects[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Stat retrieves metadata for a stored artifact
func (b *Backend) Stat(ctx context.Context, key string) (*simpleoutput.StoredObject, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, exists := b.objects[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotFound, key)
	}
	sum := sha256.Sum256(data)
	return &simpleoutput.StoredObject{
		Key:      key,
		Location: "memory://" + key,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

var _ simpleoutput.ArtifactStore = (*Backend)(nil)
