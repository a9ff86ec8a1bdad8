package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/spf13/afero"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// ManifestFile is the name of the manifest written by ManifestConverter
const ManifestFile = "artifact.json"

// ManifestConverter is used when no external transform is configured. It
// writes artifact.json describing the upload and keeps a copy of the source
// under source/.
type ManifestConverter struct{}

// Manifest returns a ManifestConverter
func Manifest() *ManifestConverter {
	return &ManifestConverter{}
}

type manifest struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
	StoredName   string `json:"stored_name"`
	Extension    string `json:"extension"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum,omitempty"`
	UploadedAt   string `json:"uploaded_at"`
	Source       string `json:"source"`
}

func (c *ManifestConverter) Convert(ctx context.Context, req simpleoutput.ConvertRequest) error {
	a := req.Artifact
	source := path.Join("source", a.StoredName)

	if err := req.Output.MkdirAll("source", 0755); err != nil {
		return err
	}
	src, err := req.Open(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := req.Output.Create(source)
	if err != nil {
		return fmt.Errorf("create %s: %w", source, err)
	}
	_, err = io.Copy(dst, &contextReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("copy source: %w", err)
	}

	data, err := json.MarshalIndent(manifest{
		ID:           a.ID.String(),
		OriginalName: a.OriginalName,
		StoredName:   a.StoredName,
		Extension:    a.Extension,
		MimeType:     a.MimeType,
		Size:         a.Size,
		Checksum:     a.Checksum,
		UploadedAt:   a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Source:       source,
	}, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(req.Output, ManifestFile, append(data, '\n'), 0644)
}
