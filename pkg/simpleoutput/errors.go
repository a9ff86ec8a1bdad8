package simpleoutput

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrUnsupportedFileType indicates the declared extension is not on the allow-list
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrEmptyUpload indicates the upload carried no bytes or no file name
	ErrEmptyUpload = errors.New("empty upload")

	// ErrPathTraversalDenied indicates a client path tried to leave the output root
	ErrPathTraversalDenied = errors.New("path traversal denied")

	// ErrNotFound indicates a path does not exist in the output root
	ErrNotFound = errors.New("not found")

	// ErrNotADirectory indicates a path resolved to a file where a directory was required
	ErrNotADirectory = errors.New("not a directory")

	// ErrNotAFile indicates a path resolved to a directory where a file was required
	ErrNotAFile = errors.New("not a file")

	// ErrConversionFailed indicates the external transform did not produce output
	ErrConversionFailed = errors.New("conversion failed")

	// ErrStorageIO indicates a storage level failure (disk full, permission denied, ...)
	ErrStorageIO = errors.New("storage i/o error")

	// ErrArtifactNotFound indicates an artifact was not found
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrRootNotFound indicates the requested output root is not configured
	ErrRootNotFound = errors.New("output root not found")

	// ErrNameTaken indicates a stored name is already reserved
	ErrNameTaken = errors.New("stored name already taken")

	// ErrAlreadyExists indicates a published node or stored object already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidStatusTransition indicates an artifact was not in the expected state
	ErrInvalidStatusTransition = errors.New("invalid artifact status transition")

	// ErrQueueFull indicates the conversion queue could not take another job
	ErrQueueFull = errors.New("conversion queue full")
)

// Machine readable error codes returned to clients.
const (
	CodeUnsupportedFileType = "UnsupportedFileType"
	CodeEmptyUpload         = "EmptyUpload"
	CodePathTraversalDenied = "PathTraversalDenied"
	CodeNotFound            = "NotFound"
	CodeNotADirectory       = "NotADirectory"
	CodeNotAFile            = "NotAFile"
	CodeConversionFailed    = "ConversionFailed"
	CodeStorageIOError      = "StorageIOError"
	CodeArtifactNotFound    = "ArtifactNotFound"
	CodeRootNotFound        = "RootNotFound"
	CodeInternal            = "InternalError"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUnsupportedFileType, CodeUnsupportedFileType},
	{ErrEmptyUpload, CodeEmptyUpload},
	{ErrPathTraversalDenied, CodePathTraversalDenied},
	{ErrNotADirectory, CodeNotADirectory},
	{ErrNotAFile, CodeNotAFile},
	{ErrArtifactNotFound, CodeArtifactNotFound},
	{ErrRootNotFound, CodeRootNotFound},
	{ErrNotFound, CodeNotFound},
	{ErrConversionFailed, CodeConversionFailed},
	{ErrStorageIO, CodeStorageIOError},
}

// ErrorCode maps an error to its stable client facing code.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

// ArtifactError represents an error related to artifact operations
type ArtifactError struct {
	ArtifactID uuid.UUID
	Op         string
	Err        error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact operation %s failed for artifact %s: %v", e.Op, e.ArtifactID, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations.
// It always matches ErrStorageIO.
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorageIO) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageIO
}
