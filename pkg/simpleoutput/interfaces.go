package simpleoutput

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ArtifactStore defines the interface for durable storage of uploaded artifacts
type ArtifactStore interface {
	// Put writes reader under key. It must fail with ErrAlreadyExists rather
	// than overwrite, and the bytes must be durable when it returns nil.
	// ErrAlreadyExists should be reported before reader is read; a caller
	// only retries another key with the same reader when nothing was read.
	Put(ctx context.Context, key string, reader io.Reader) (*StoredObject, error)

	// Open opens a stored artifact for reading
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat retrieves metadata for a stored artifact
	Stat(ctx context.Context, key string) (*StoredObject, error)
}

// StoredObject describes an artifact persisted by an ArtifactStore
type StoredObject struct {
	Key      string
	Location string // store specific locator, e.g. a file path or s3:// URL
	Size     int64
	Checksum string // sha256, hex encoded
}

// Repository defines the interface for artifact record persistence
type Repository interface {
	// CreateArtifact inserts a new artifact record. It fails with ErrNameTaken
	// when another artifact already holds (Root, StoredName) or
	// (Root, OutputName).
	CreateArtifact(ctx context.Context, artifact *Artifact) error

	// DeleteArtifact removes a pending reservation whose payload was never
	// stored. Records in any other status are kept and ErrInvalidStatusTransition
	// is returned.
	DeleteArtifact(ctx context.Context, id uuid.UUID) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error)
	ListArtifacts(ctx context.Context, root string) ([]*Artifact, error)
	ListArtifactsByStatus(ctx context.Context, status ArtifactStatus, limit int) ([]*Artifact, error)

	// UpdateArtifact applies update only when the stored status equals from,
	// failing with ErrInvalidStatusTransition otherwise.
	UpdateArtifact(ctx context.Context, id uuid.UUID, from ArtifactStatus, update ArtifactUpdate) (*Artifact, error)
}

// ArtifactUpdate carries the mutable fields of an artifact
type ArtifactUpdate struct {
	Status     ArtifactStatus
	StorageKey string
	Location   string
	Size       int64
	Checksum   string
	MimeType   string
	OutputPath string
	Error      string
}

// Apply copies the update onto a. Status always moves; other fields only
// when set.
func (u ArtifactUpdate) Apply(a *Artifact, now time.Time) {
	a.Status = u.Status
	if u.StorageKey != "" {
		a.StorageKey = u.StorageKey
	}
	if u.Location != "" {
		a.Location = u.Location
	}
	if u.Size > 0 {
		a.Size = u.Size
	}
	if u.Checksum != "" {
		a.Checksum = u.Checksum
	}
	if u.MimeType != "" {
		a.MimeType = u.MimeType
	}
	if u.OutputPath != "" {
		a.OutputPath = u.OutputPath
	}
	if u.Error != "" {
		a.Error = u.Error
	}
	a.UpdatedAt = now
}

// OutputRoot is a rooted, append-only tree of converted output.
// All path arguments are untrusted client paths.
type OutputRoot interface {
	// List returns the direct children of the directory at path, sorted by name
	List(ctx context.Context, path string) ([]Node, error)

	// Stat returns the node at path
	Stat(ctx context.Context, path string) (*Node, error)

	// Open opens the leaf file at path
	Open(ctx context.Context, path string) (File, *Node, error)

	// Walk calls fn for every leaf file under the directory at path in
	// lexicographic path order. Node.Path stays root relative.
	Walk(ctx context.Context, path string, fn func(Node) error) error

	// Stage reserves a private staging directory that will be published as
	// the top level entry name.
	Stage(ctx context.Context, name string) (Staging, error)
}

// File is an open leaf file of an output root
type File interface {
	io.ReadSeekCloser
}

// Staging is a directory being filled by a converter. Nothing written to it
// is visible to readers until Publish succeeds.
type Staging interface {
	// FS is a filesystem confined to the staging directory
	FS() afero.Fs

	// Dir is the staging directory path, for external commands
	Dir() string

	// Publish atomically moves the staged subtree into the root and returns
	// its root relative path.
	Publish(ctx context.Context) (string, error)

	// Discard removes everything staged
	Discard() error
}

// Converter turns a stored artifact into an output subtree
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) error
}

// ConverterFunc adapts a function to the Converter interface
type ConverterFunc func(ctx context.Context, req ConvertRequest) error

// Convert calls f(ctx, req)
func (f ConverterFunc) Convert(ctx context.Context, req ConvertRequest) error {
	return f(ctx, req)
}

// ConvertRequest carries everything a converter may use
type ConvertRequest struct {
	Artifact  *Artifact
	Open      func(ctx context.Context) (io.ReadCloser, error)
	Output    afero.Fs
	OutputDir string
}

// EventSink defines the interface for artifact lifecycle events
type EventSink interface {
	// ArtifactStored is fired when an upload has been durably stored
	ArtifactStored(ctx context.Context, artifact *Artifact) error

	// ConversionStarted is fired when a worker claims an artifact
	ConversionStarted(ctx context.Context, artifact *Artifact) error

	// ArtifactConverted is fired when an output subtree has been published
	ArtifactConverted(ctx context.Context, artifact *Artifact) error

	// ConversionFailed is fired when a conversion ends without output
	ConversionFailed(ctx context.Context, artifact *Artifact, cause error) error
}
