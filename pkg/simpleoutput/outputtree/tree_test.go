package outputtree

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

func newTestTree(t *testing.T) (*Tree, string) {
	t.Helper()
	base := t.TempDir()
	tree, err := New(Config{
		Dir:        filepath.Join(base, "output", "default"),
		StagingDir: filepath.Join(base, ".staging", "default"),
	})
	require.NoError(t, err)
	return tree, base
}

// publish stages files (relative path -> content) under name and publishes them.
func publish(t *testing.T, tree *Tree, name string, files map[string]string) {
	t.Helper()
	ctx := context.Background()
	stage, err := tree.Stage(ctx, name)
	require.NoError(t, err)
	for p, content := range files {
		require.NoError(t, stage.FS().MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, afero.WriteFile(stage.FS(), p, []byte(content), 0644))
	}
	got, err := stage.Publish(ctx)
	require.NoError(t, err)
	require.Equal(t, name, got)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: ".", want: ""},
		{in: "scan_output", want: "scan_output"},
		{in: "scan_output/", want: "scan_output"},
		{in: "scan_output//a/./b.png", want: "scan_output/a/b.png"},
		{in: "a..b/c", want: "a..b/c"},
		{in: "..", wantErr: true},
		{in: "../etc/passwd", wantErr: true},
		{in: "scan_output/../../x", wantErr: true},
		{in: "a/..", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "a\\..\\b", wantErr: true},
		{in: "a\x00b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Resolve(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, simpleoutput.ErrPathTraversalDenied)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_RejectsStagingInsideRoot(t *testing.T) {
	base := t.TempDir()
	_, err := New(Config{Dir: base, StagingDir: filepath.Join(base, ".staging")})
	assert.Error(t, err)
}

func TestTree_ListRootAndNested(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	publish(t, tree, "scan_output", map[string]string{
		"summary.json":        `{"ok":true}`,
		"images/slice_01.png": "png",
		"images/slice_00.png": "png",
		"tables/metrics.csv":  "a,b",
		"looks_like_file.json/readme.txt": "a directory named like a file",
	})

	root, err := tree.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "scan_output", root[0].Name)
	assert.True(t, root[0].IsDir())

	entries, err := tree.List(ctx, "scan_output")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"images", "looks_like_file.json", "summary.json", "tables"}, names)

	// kind comes from the entry, not the name
	assert.True(t, entries[1].IsDir())
	assert.False(t, entries[2].IsDir())
	assert.Equal(t, simpleoutput.MediaKindJSON, entries[2].MediaKind)
	assert.Equal(t, "scan_output/summary.json", entries[2].Path)
	assert.EqualValues(t, len(`{"ok":true}`), entries[2].Size)

	images, err := tree.List(ctx, "scan_output/images")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "slice_00.png", images[0].Name)
	assert.Equal(t, "slice_01.png", images[1].Name)
}

func TestTree_ListIsRepeatable(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()
	publish(t, tree, "a_output", map[string]string{"x.txt": "x", "y/z.txt": "z"})

	first, err := tree.List(ctx, "a_output")
	require.NoError(t, err)
	second, err := tree.List(ctx, "a_output")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTree_ListErrors(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()
	publish(t, tree, "scan_output", map[string]string{"summary.json": "{}"})

	_, err := tree.List(ctx, "missing")
	assert.ErrorIs(t, err, simpleoutput.ErrNotFound)

	_, err = tree.List(ctx, "scan_output/summary.json")
	assert.ErrorIs(t, err, simpleoutput.ErrNotADirectory)

	_, err = tree.List(ctx, "scan_output/summary.json/deeper")
	assert.ErrorIs(t, err, simpleoutput.ErrNotFound)

	_, err = tree.List(ctx, "../")
	assert.ErrorIs(t, err, simpleoutput.ErrPathTraversalDenied)
}

func TestTree_Open(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()
	publish(t, tree, "scan_output", map[string]string{"summary.json": `{"ok":true}`})

	f, node, err := tree.Open(ctx, "scan_output/summary.json")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
	assert.Equal(t, "summary.json", node.Name)

	_, _, err = tree.Open(ctx, "scan_output")
	assert.ErrorIs(t, err, simpleoutput.ErrNotAFile)
}

func TestTree_WalkOrdersByPath(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()
	publish(t, tree, "w_output", map[string]string{
		"b.txt":   "b",
		"a/x.txt": "x",
		"a-b.txt": "ab",
		"a/c/d":   "d",
	})

	var paths []string
	err := tree.Walk(ctx, "w_output", func(n simpleoutput.Node) error {
		paths = append(paths, n.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"w_output/a-b.txt",
		"w_output/a/c/d",
		"w_output/a/x.txt",
		"w_output/b.txt",
	}, paths)

	err = tree.Walk(ctx, "w_output/b.txt", func(simpleoutput.Node) error { return nil })
	assert.ErrorIs(t, err, simpleoutput.ErrNotADirectory)
}

func TestTree_WalkHonoursCancellation(t *testing.T) {
	tree, _ := newTestTree(t)
	publish(t, tree, "w_output", map[string]string{"a.txt": "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tree.Walk(ctx, "w_output", func(simpleoutput.Node) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaging_InvisibleUntilPublished(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	stage, err := tree.Stage(ctx, "scan_output")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(stage.FS(), "summary.json", []byte("{}"), 0644))

	entries, err := tree.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = stage.Publish(ctx)
	require.NoError(t, err)

	entries, err = tree.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scan_output", entries[0].Name)

	// discard after publish leaves the published tree alone
	require.NoError(t, stage.Discard())
	_, err = tree.Stat(ctx, "scan_output/summary.json")
	assert.NoError(t, err)
}

func TestStaging_DiscardRemovesStagedFiles(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	stage, err := tree.Stage(ctx, "scan_output")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(stage.FS(), "partial.bin", []byte("x"), 0644))
	require.NoError(t, stage.Discard())

	_, err = os.Stat(stage.Dir())
	assert.True(t, os.IsNotExist(err))

	_, err = tree.Stat(ctx, "scan_output")
	assert.ErrorIs(t, err, simpleoutput.ErrNotFound)
}

func TestStaging_NeverOverwrites(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	first, err := tree.Stage(ctx, "scan_output")
	require.NoError(t, err)
	second, err := tree.Stage(ctx, "scan_output")
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(first.FS(), "one.txt", []byte("1"), 0644))
	require.NoError(t, afero.WriteFile(second.FS(), "two.txt", []byte("2"), 0644))

	_, err = first.Publish(ctx)
	require.NoError(t, err)
	_, err = second.Publish(ctx)
	assert.ErrorIs(t, err, simpleoutput.ErrAlreadyExists)
	require.NoError(t, second.Discard())

	_, err = tree.Stage(ctx, "scan_output")
	assert.ErrorIs(t, err, simpleoutput.ErrAlreadyExists)

	entries, err := tree.List(ctx, "scan_output")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "one.txt", entries[0].Name)
}

func TestStaging_StripsSymlinks(t *testing.T) {
	tree, base := newTestTree(t)
	ctx := context.Background()

	secret := filepath.Join(base, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0600))

	stage, err := tree.Stage(ctx, "evil_output")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(stage.FS(), "ok.txt", []byte("ok"), 0644))
	require.NoError(t, os.Symlink(secret, filepath.Join(stage.Dir(), "leak.txt")))
	require.NoError(t, os.Symlink(base, filepath.Join(stage.Dir(), "escape")))

	_, err = stage.Publish(ctx)
	require.NoError(t, err)

	entries, err := tree.List(ctx, "evil_output")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok.txt", entries[0].Name)

	_, _, err = tree.Open(ctx, "evil_output/leak.txt")
	assert.ErrorIs(t, err, simpleoutput.ErrNotFound)
}

func TestStage_RejectsNestedNames(t *testing.T) {
	tree, _ := newTestTree(t)
	ctx := context.Background()

	for _, name := range []string{"", "a/b", "../x", "/abs"} {
		_, err := tree.Stage(ctx, name)
		assert.ErrorIs(t, err, simpleoutput.ErrPathTraversalDenied, name)
	}
}
