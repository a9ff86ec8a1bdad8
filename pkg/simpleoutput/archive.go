package simpleoutput

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strings"
)

// FolderArchive streams a directory of an output root as a zip archive.
type FolderArchive struct {
	// Name is the suggested download name, "<folder>.zip"
	Name string

	root OutputRoot
	dir  string
}

// Write streams the archive to w. Members are the leaf files under the
// folder, named relative to it and written in lexicographic order. The
// write stops with ctx.Err() once ctx is cancelled.
func (a *FolderArchive) Write(ctx context.Context, w io.Writer) error {
	prefix := ""
	if a.dir != "" {
		prefix = a.dir + "/"
	}

	zw := zip.NewWriter(w)
	err := a.root.Walk(ctx, a.dir, func(n Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr := &zip.FileHeader{
			Name:     strings.TrimPrefix(n.Path, prefix),
			Method:   zip.Deflate,
			Modified: n.ModTime,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("add %s: %w", hdr.Name, err)
		}

		f, _, err := a.root.Open(ctx, n.Path)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := io.Copy(fw, &contextReader{ctx: ctx, r: f}); err != nil {
			return fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		return nil
	})
	if err != nil {
		// The central directory is left unwritten so the truncated
		// download is not mistaken for a complete archive.
		return err
	}
	return zw.Close()
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
