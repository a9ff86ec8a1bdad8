package outputtree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// Stage reserves a staging directory that Publish will move into the root
// as the top level entry name.
func (t *Tree) Stage(ctx context.Context, name string) (simpleoutput.Staging, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := Resolve(name)
	if err != nil {
		return nil, err
	}
	if rel == "" || rel != name {
		return nil, fmt.Errorf("%w: invalid output name %q", simpleoutput.ErrPathTraversalDenied, name)
	}

	if _, err := t.lstat(t.abs(rel)); err == nil {
		return nil, fmt.Errorf("%w: %s", simpleoutput.ErrAlreadyExists, rel)
	}

	dir, err := afero.TempDir(t.fs, t.stagingDir, rel+"-")
	if err != nil {
		return nil, &simpleoutput.StorageError{Backend: "output", Key: rel, Op: "stage", Err: err}
	}
	return &staging{tree: t, name: rel, dir: dir}, nil
}

type staging struct {
	tree *Tree
	name string
	dir  string

	mu        sync.Mutex
	published bool
}

func (s *staging) FS() afero.Fs {
	return afero.NewBasePathFs(s.tree.fs, s.dir)
}

func (s *staging) Dir() string {
	return s.dir
}

// Publish strips anything that is not a regular file or directory from the
// staged tree and renames it into the root. An existing entry is never
// replaced.
func (s *staging) Publish(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.published {
		return "", fmt.Errorf("%w: %s already published", simpleoutput.ErrAlreadyExists, s.name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.strip(); err != nil {
		return "", &simpleoutput.StorageError{Backend: "output", Key: s.name, Op: "strip", Err: err}
	}

	t := s.tree
	target := t.abs(s.name)

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	if _, err := t.lstat(target); err == nil {
		return "", fmt.Errorf("%w: %s", simpleoutput.ErrAlreadyExists, s.name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", &simpleoutput.StorageError{Backend: "output", Key: s.name, Op: "publish", Err: err}
	}

	if err := t.fs.Rename(s.dir, target); err != nil {
		return "", &simpleoutput.StorageError{Backend: "output", Key: s.name, Op: "publish", Err: err}
	}
	s.published = true

	if err := syncDir(t.fs, t.dir); err != nil {
		return "", &simpleoutput.StorageError{Backend: "output", Key: s.name, Op: "sync", Err: err}
	}
	return s.name, nil
}

// strip removes symlinks and special files so published trees only hold
// regular files and directories.
func (s *staging) strip() error {
	var doomed []string
	err := afero.Walk(s.tree.fs, s.dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Mode().IsRegular() {
			return nil
		}
		doomed = append(doomed, p)
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range doomed {
		if err := s.tree.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *staging) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published {
		return nil
	}
	return s.tree.fs.RemoveAll(s.dir)
}

func syncDir(fsys afero.Fs, dir string) error {
	if _, ok := fsys.(*afero.OsFs); !ok {
		return nil
	}
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
