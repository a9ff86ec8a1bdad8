package outputtree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/afero"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// Tree is an output root backed by a directory. Converted subtrees arrive
// through Stage/Publish only; nothing in a Tree is modified or removed.
type Tree struct {
	fs         afero.Fs
	dir        string
	stagingDir string

	// publishMu orders the exists check and rename of concurrent publishes.
	// Readers never take it.
	publishMu sync.Mutex
}

// Config options for a Tree
type Config struct {
	Fs         afero.Fs // defaults to the OS filesystem
	Dir        string   // root directory served to clients
	StagingDir string   // private directory on the same volume as Dir
}

// New creates the root and staging directories if needed.
func New(config Config) (*Tree, error) {
	if config.Dir == "" {
		return nil, errors.New("output directory is required")
	}
	if config.StagingDir == "" {
		return nil, errors.New("staging directory is required")
	}
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}

	rel, err := filepath.Rel(config.Dir, config.StagingDir)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("staging directory %s must not be inside %s", config.StagingDir, config.Dir)
	}

	for _, dir := range []string{config.Dir, config.StagingDir} {
		if err := config.Fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &Tree{
		fs:         config.Fs,
		dir:        config.Dir,
		stagingDir: config.StagingDir,
	}, nil
}

// Dir returns the directory the tree serves
func (t *Tree) Dir() string {
	return t.dir
}

// Resolve turns an untrusted client path into a clean root relative slash
// path. NUL bytes, backslashes, absolute paths and ".." segments are
// rejected; empty and "." segments collapse. The root itself resolves to "".
func Resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) || strings.ContainsRune(p, '\\') {
		return "", fmt.Errorf("%w: %q", simpleoutput.ErrPathTraversalDenied, p)
	}
	if strings.HasPrefix(p, "/") || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: absolute path %q", simpleoutput.ErrPathTraversalDenied, p)
	}

	segments := strings.Split(p, "/")
	clean := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q", simpleoutput.ErrPathTraversalDenied, p)
		}
		clean = append(clean, seg)
	}
	return strings.Join(clean, "/"), nil
}

func (t *Tree) abs(rel string) string {
	if rel == "" {
		return t.dir
	}
	return filepath.Join(t.dir, filepath.FromSlash(rel))
}

func (t *Tree) lstat(name string) (os.FileInfo, error) {
	if l, ok := t.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return t.fs.Stat(name)
}

func (t *Tree) stat(ctx context.Context, p string) (*simpleoutput.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := Resolve(p)
	if err != nil {
		return nil, err
	}

	info, err := t.lstat(t.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotFound, rel)
		}
		return nil, &simpleoutput.StorageError{Backend: "output", Key: rel, Op: "stat", Err: err}
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		// symlinks and special files are never served
		return nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotFound, rel)
	}

	node := newNode(rel, info)
	return &node, nil
}

func newNode(rel string, info os.FileInfo) simpleoutput.Node {
	node := simpleoutput.Node{
		Name:    path.Base(rel),
		Path:    rel,
		Kind:    simpleoutput.NodeKindFile,
		ModTime: info.ModTime().UTC(),
	}
	if rel == "" {
		node.Name = ""
	}
	if info.IsDir() {
		node.Kind = simpleoutput.NodeKindDirectory
	} else {
		node.Size = info.Size()
		node.MediaKind = simpleoutput.MediaKindOf(node.Name)
	}
	return node
}

// Stat returns the node at p
func (t *Tree) Stat(ctx context.Context, p string) (*simpleoutput.Node, error) {
	return t.stat(ctx, p)
}

// List returns the direct children of the directory at p sorted by name.
func (t *Tree) List(ctx context.Context, p string) ([]simpleoutput.Node, error) {
	dir, err := t.stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotADirectory, dir.Path)
	}
	return t.readDir(dir.Path)
}

func (t *Tree) readDir(rel string) ([]simpleoutput.Node, error) {
	infos, err := afero.ReadDir(t.fs, t.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotFound, rel)
		}
		return nil, &simpleoutput.StorageError{Backend: "output", Key: rel, Op: "list", Err: err}
	}

	nodes := make([]simpleoutput.Node, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() && !info.Mode().IsRegular() {
			continue
		}
		nodes = append(nodes, newNode(path.Join(rel, info.Name()), info))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

// Open opens the leaf file at p
func (t *Tree) Open(ctx context.Context, p string) (simpleoutput.File, *simpleoutput.Node, error) {
	node, err := t.stat(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if node.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotAFile, node.Path)
	}
	f, err := t.fs.Open(t.abs(node.Path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", simpleoutput.ErrNotFound, node.Path)
		}
		return nil, nil, &simpleoutput.StorageError{Backend: "output", Key: node.Path, Op: "open", Err: err}
	}
	return f, node, nil
}

// Walk calls fn for every leaf file below the directory at p, ordered by
// root relative path.
func (t *Tree) Walk(ctx context.Context, p string, fn func(simpleoutput.Node) error) error {
	dir, err := t.stat(ctx, p)
	if err != nil {
		return err
	}
	if !dir.IsDir() {
		return fmt.Errorf("%w: %s", simpleoutput.ErrNotADirectory, dir.Path)
	}

	var files []simpleoutput.Node
	pending := []string{dir.Path}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		children, err := t.readDir(rel)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.IsDir() {
				pending = append(pending, child.Path)
			} else {
				files = append(files, child)
			}
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	for _, f := range files {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

var _ simpleoutput.OutputRoot = (*Tree)(nil)
