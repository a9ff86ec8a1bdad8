package simpleoutput

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRoot is the root id used when a request does not name one.
const DefaultRoot = "default"

// ArtifactStatus is the domain type for artifact lifecycle states.
type ArtifactStatus string

// Artifact status constants (typed).
const (
	ArtifactStatusPending    ArtifactStatus = "pending"
	ArtifactStatusStored     ArtifactStatus = "stored"
	ArtifactStatusConverting ArtifactStatus = "converting"
	ArtifactStatusConverted  ArtifactStatus = "converted"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

// IsValid reports whether the status is one of the known values.
func (s ArtifactStatus) IsValid() bool {
	switch s {
	case ArtifactStatusPending, ArtifactStatusStored, ArtifactStatusConverting,
		ArtifactStatusConverted, ArtifactStatusFailed:
		return true
	}
	return false
}

// Artifact is an uploaded source file awaiting or having undergone conversion.
//
// Identity fields (ID, Root, OriginalName, StoredName, OutputName, StorageKey,
// Location, Size, Extension, Checksum) are fixed at intake. Only Status, OutputPath,
// Error and UpdatedAt move afterwards.
type Artifact struct {
	ID           uuid.UUID      `json:"id"`
	Root         string         `json:"root"`
	OriginalName string         `json:"original_name"`
	StoredName   string         `json:"stored_name"`
	OutputName   string         `json:"output_name"`
	StorageKey   string         `json:"storage_key"`
	Location     string         `json:"location"`
	Size         int64          `json:"size"`
	Extension    string         `json:"extension"`
	MimeType     string         `json:"mime_type,omitempty"`
	Checksum     string         `json:"checksum,omitempty"`
	Status       ArtifactStatus `json:"status"`
	OutputPath   string         `json:"output_path,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NodeKind tags a node as a file or a directory. It is taken from the storage
// entry itself, never inferred from the name.
type NodeKind string

const (
	NodeKindFile      NodeKind = "file"
	NodeKindDirectory NodeKind = "directory"
)

// MediaKind is the coarse media classification of a leaf file.
type MediaKind string

const (
	MediaKindImage   MediaKind = "image"
	MediaKindJSON    MediaKind = "json"
	MediaKindText    MediaKind = "text"
	MediaKindArchive MediaKind = "archive"
	MediaKindData    MediaKind = "data"
	MediaKindOther   MediaKind = "other"
)

var mediaKindsByExt = map[string]MediaKind{
	".jpg":  MediaKindImage,
	".jpeg": MediaKindImage,
	".png":  MediaKindImage,
	".gif":  MediaKindImage,
	".json": MediaKindJSON,
	".txt":  MediaKindText,
	".csv":  MediaKindText,
	".zip":  MediaKindArchive,
	".npy":  MediaKindData,
	".h5":   MediaKindData,
	".hdf5": MediaKindData,
	".dcm":  MediaKindData,
	".nii":  MediaKindData,
}

// MediaKindOf classifies a file name by extension.
func MediaKindOf(name string) MediaKind {
	if kind, ok := mediaKindsByExt[strings.ToLower(path.Ext(name))]; ok {
		return kind
	}
	return MediaKindOther
}

// Node is one entry of an output root.
type Node struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Kind      NodeKind  `json:"kind"`
	Size      int64     `json:"size"`
	MediaKind MediaKind `json:"media_kind,omitempty"`
	ModTime   time.Time `json:"mod_time"`
}

// IsDir reports whether the node is a directory.
func (n Node) IsDir() bool {
	return n.Kind == NodeKindDirectory
}
