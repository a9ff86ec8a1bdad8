package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// Repository implements simpleoutput.Repository using in-memory storage
type Repository struct {
	mu        sync.RWMutex
	artifacts map[uuid.UUID]*simpleoutput.Artifact
	names     map[string]uuid.UUID // "root/stored_name" -> artifact id
	outputs   map[string]uuid.UUID // "root/output_name" -> artifact id
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		artifacts: make(map[uuid.UUID]*simpleoutput.Artifact),
		names:     make(map[string]uuid.UUID),
		outputs:   make(map[string]uuid.UUID),
	}
}

func (r *Repository) CreateArtifact(ctx context.Context, artifact *simpleoutput.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nameKey := simpleoutput.StorageKey(artifact.Root, artifact.StoredName)
	if _, taken := r.names[nameKey]; taken {
		return fmt.Errorf("%w: %s", simpleoutput.ErrNameTaken, nameKey)
	}
	outKey := outputKey(artifact)
	if _, taken := r.outputs[outKey]; taken && outKey != "" {
		return fmt.Errorf("%w: output %s", simpleoutput.ErrNameTaken, outKey)
	}
	if _, exists := r.artifacts[artifact.ID]; exists {
		return fmt.Errorf("artifact %s already exists", artifact.ID)
	}

	// Store a copy to avoid external modifications
	artifactCopy := *artifact
	r.artifacts[artifact.ID] = &artifactCopy
	r.names[nameKey] = artifact.ID
	if outKey != "" {
		r.outputs[outKey] = artifact.ID
	}
	return nil
}

func (r *Repository) DeleteArtifact(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	artifact, exists := r.artifacts[id]
	if !exists {
		return simpleoutput.ErrArtifactNotFound
	}
	if artifact.Status != simpleoutput.ArtifactStatusPending {
		return fmt.Errorf("%w: %s is %s", simpleoutput.ErrInvalidStatusTransition, id, artifact.Status)
	}

	delete(r.artifacts, id)
	delete(r.names, simpleoutput.StorageKey(artifact.Root, artifact.StoredName))
	if key := outputKey(artifact); key != "" {
		delete(r.outputs, key)
	}
	return nil
}

func outputKey(a *simpleoutput.Artifact) string {
	if a.OutputName == "" {
		return ""
	}
	return a.Root + "/" + a.OutputName
}

func (r *Repository) GetArtifact(ctx context.Context, id uuid.UUID) (*simpleoutput.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	artifact, exists := r.artifacts[id]
	if !exists {
		return nil, simpleoutput.ErrArtifactNotFound
	}
	artifactCopy := *artifact
	return &artifactCopy, nil
}

func (r *Repository) ListArtifacts(ctx context.Context, root string) ([]*simpleoutput.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simpleoutput.Artifact
	for _, artifact := range r.artifacts {
		if artifact.Root == root {
			artifactCopy := *artifact
			result = append(result, &artifactCopy)
		}
	}
	sortArtifacts(result)
	return result, nil
}

func (r *Repository) ListArtifactsByStatus(ctx context.Context, status simpleoutput.ArtifactStatus, limit int) ([]*simpleoutput.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simpleoutput.Artifact
	for _, artifact := range r.artifacts {
		if artifact.Status == status {
			artifactCopy := *artifact
			result = append(result, &artifactCopy)
		}
	}
	sortArtifacts(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) UpdateArtifact(ctx context.Context, id uuid.UUID, from simpleoutput.ArtifactStatus, update simpleoutput.ArtifactUpdate) (*simpleoutput.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	artifact, exists := r.artifacts[id]
	if !exists {
		return nil, simpleoutput.ErrArtifactNotFound
	}
	if artifact.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, not %s", simpleoutput.ErrInvalidStatusTransition, id, artifact.Status, from)
	}

	update.Apply(artifact, time.Now().UTC())
	artifactCopy := *artifact
	return &artifactCopy, nil
}

// sortArtifacts orders by creation time, oldest first
func sortArtifacts(artifacts []*simpleoutput.Artifact) {
	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].StoredName < artifacts[j].StoredName
		}
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
}

var _ simpleoutput.Repository = (*Repository)(nil)
