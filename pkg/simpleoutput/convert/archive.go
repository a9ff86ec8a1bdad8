package convert

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// DefaultMaxExtractBytes caps the uncompressed size of an extracted archive.
const DefaultMaxExtractBytes int64 = 64 << 30

// ArchiveConverter extracts a zip artifact (a folder submitted as one file)
// into the staging directory.
type ArchiveConverter struct {
	// Subdir places the members below this staging subdirectory
	Subdir string

	// MaxBytes caps the total uncompressed size; zero means DefaultMaxExtractBytes
	MaxBytes int64

	// Spool is where the archive is copied for random access. Defaults to
	// the OS temp directory.
	Spool afero.Fs
}

// Archive returns an ArchiveConverter extracting into subdir
func Archive(subdir string) *ArchiveConverter {
	return &ArchiveConverter{Subdir: subdir}
}

func (c *ArchiveConverter) Convert(ctx context.Context, req simpleoutput.ConvertRequest) error {
	spool := c.Spool
	if spool == nil {
		spool = afero.NewOsFs()
	}
	maxBytes := c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxExtractBytes
	}

	tmp, size, err := spoolArtifact(ctx, spool, req, "*.zip")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		_ = spool.Remove(tmp.Name())
	}()

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return fmt.Errorf("%w: open archive: %v", simpleoutput.ErrConversionFailed, err)
	}

	var written int64
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, err := memberPath(f.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}
		if c.Subdir != "" {
			name = path.Join(c.Subdir, name)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := req.Output.MkdirAll(name, 0755); err != nil {
				return err
			}
			continue
		case !mode.IsRegular():
			// symlinks and devices are dropped
			continue
		}

		n, err := extractMember(ctx, req.Output, f, name, maxBytes-written)
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// memberPath cleans an archive member name and rejects names that would
// leave the extraction directory.
func memberPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: unsafe archive member %q", simpleoutput.ErrConversionFailed, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: unsafe archive member %q", simpleoutput.ErrConversionFailed, name)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

func extractMember(ctx context.Context, out afero.Fs, f *zip.File, name string, budget int64) (int64, error) {
	if err := out.MkdirAll(path.Dir(name), 0755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", simpleoutput.ErrConversionFailed, f.Name, err)
	}
	defer rc.Close()

	dst, err := out.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", name, err)
	}
	n, err := io.Copy(dst, io.LimitReader(&contextReader{ctx: ctx, r: rc}, budget+1))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("%w: extract %s: %v", simpleoutput.ErrConversionFailed, f.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("%w: archive expands beyond limit", simpleoutput.ErrConversionFailed)
	}
	return n, nil
}

// spoolArtifact copies the stored artifact into a temp file on spool.
func spoolArtifact(ctx context.Context, spool afero.Fs, req simpleoutput.ConvertRequest, pattern string) (afero.File, int64, error) {
	src, err := req.Open(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	tmp, err := afero.TempFile(spool, "", pattern)
	if err != nil {
		return nil, 0, err
	}
	size, err := io.Copy(tmp, &contextReader{ctx: ctx, r: src})
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		tmp.Close()
		_ = spool.Remove(tmp.Name())
		return nil, 0, err
	}
	return tmp, size, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
