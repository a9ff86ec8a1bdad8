package simpleoutput

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Service defines the main interface for the simple-output library
type Service interface {
	// Upload intake
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error)
	ListArtifacts(ctx context.Context, root string) ([]*Artifact, error)

	// Conversion trigger
	Submit(ctx context.Context, id uuid.UUID) error
	ConvertArtifact(ctx context.Context, id uuid.UUID) (*Artifact, error)
	// Run drives the conversion workers until ctx is done
	Run(ctx context.Context) error

	// Output tree
	Roots() []string
	List(ctx context.Context, root, path string) ([]Node, error)

	// Delivery
	OpenFile(ctx context.Context, root, path string) (*FileReader, error)
	OpenFolderArchive(ctx context.Context, root, path string) (*FolderArchive, error)
	FolderImages(ctx context.Context, root, path string) ([]string, error)
}

// UploadRequest carries one uploaded file
type UploadRequest struct {
	Root     string
	FileName string
	Reader   io.Reader
}

// UploadResult is returned by a successful Upload
type UploadResult struct {
	Artifact *Artifact
}

// FileReader is an open output file ready to be streamed
type FileReader struct {
	File
	Node        Node
	ContentType string
}
