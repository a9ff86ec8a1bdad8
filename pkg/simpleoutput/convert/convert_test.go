package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

type member struct {
	name    string
	body    string
	symlink bool
}

func zipBytes(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		hdr := &zip.FileHeader{Name: m.name, Method: zip.Deflate}
		if m.symlink {
			hdr.SetMode(os.ModeSymlink | 0777)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(m.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newRequest(t *testing.T, storedName string, payload []byte) (simpleoutput.ConvertRequest, string) {
	t.Helper()
	dir := t.TempDir()
	_, ext := simpleoutput.SplitExt(storedName)
	return simpleoutput.ConvertRequest{
		Artifact: &simpleoutput.Artifact{
			ID:           uuid.New(),
			Root:         simpleoutput.DefaultRoot,
			OriginalName: storedName,
			StoredName:   storedName,
			Extension:    ext,
			Size:         int64(len(payload)),
			CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		},
		Output:    afero.NewBasePathFs(afero.NewOsFs(), dir),
		OutputDir: dir,
	}, dir
}

func TestArchiveConverter_Extracts(t *testing.T) {
	payload := zipBytes(t,
		member{name: "series/"},
		member{name: "series/IM0001.dcm", body: "one"},
		member{name: "series/IM0002.dcm", body: "two"},
		member{name: "notes.txt", body: "hello"},
	)
	req, dir := newRequest(t, "study.zip", payload)

	require.NoError(t, Archive("dicom").Convert(context.Background(), req))

	data, err := os.ReadFile(filepath.Join(dir, "dicom", "series", "IM0002.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	data, err = os.ReadFile(filepath.Join(dir, "dicom", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestArchiveConverter_RejectsZipSlip(t *testing.T) {
	for _, name := range []string{"../evil.txt", "a/../../evil.txt", "/etc/evil"} {
		t.Run(name, func(t *testing.T) {
			req, dir := newRequest(t, "evil.zip", zipBytes(t, member{name: name, body: "x"}))
			err := Archive("").Convert(context.Background(), req)
			assert.ErrorIs(t, err, simpleoutput.ErrConversionFailed)

			_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "evil.txt"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestArchiveConverter_SkipsSymlinks(t *testing.T) {
	payload := zipBytes(t,
		member{name: "link", body: "/etc/passwd", symlink: true},
		member{name: "real.txt", body: "real"},
	)
	req, dir := newRequest(t, "links.zip", payload)
	require.NoError(t, Archive("").Convert(context.Background(), req))

	_, err := os.Lstat(filepath.Join(dir, "link"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "real.txt"))
	assert.NoError(t, err)
}

func TestArchiveConverter_EnforcesLimit(t *testing.T) {
	payload := zipBytes(t, member{name: "big.bin", body: string(make([]byte, 4096))})
	req, _ := newRequest(t, "big.zip", payload)

	err := (&ArchiveConverter{MaxBytes: 1024}).Convert(context.Background(), req)
	assert.ErrorIs(t, err, simpleoutput.ErrConversionFailed)
}

func TestArchiveConverter_NotAZip(t *testing.T) {
	req, _ := newRequest(t, "broken.zip", []byte("not a zip"))
	err := Archive("").Convert(context.Background(), req)
	assert.ErrorIs(t, err, simpleoutput.ErrConversionFailed)
}

func TestExecConverter_SubstitutesPlaceholders(t *testing.T) {
	req, dir := newRequest(t, "scan_1.h5", []byte("hdf5"))

	var got execute.ExecTask
	var inputBody []byte
	conv := &ExecConverter{
		Command: "h5convert --in {input} --out {output}/{name}",
		Runner: func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
			got = task
			var err error
			inputBody, err = os.ReadFile(task.Args[1])
			return execute.ExecResult{}, err
		},
	}

	require.NoError(t, conv.Convert(context.Background(), req))
	assert.Equal(t, "h5convert", got.Command)
	require.Len(t, got.Args, 4)
	assert.Equal(t, "--in", got.Args[0])
	assert.Equal(t, ".h5", filepath.Ext(got.Args[1]))
	assert.Equal(t, filepath.Join(dir)+"/scan_1", got.Args[3])
	assert.Equal(t, dir, got.Cwd)
	assert.Equal(t, "hdf5", string(inputBody))

	// the spooled input is removed afterwards
	_, err := os.Stat(got.Args[1])
	assert.True(t, os.IsNotExist(err))
}

func TestExecConverter_InputFromOutput(t *testing.T) {
	req, dir := newRequest(t, "study.zip", nil)

	var got execute.ExecTask
	conv := &ExecConverter{
		Command:         "dcm2png {input} {output}",
		InputFromOutput: "dicom",
		Runner: func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
			got = task
			return execute.ExecResult{}, nil
		},
	}
	require.NoError(t, conv.Convert(context.Background(), req))
	assert.Equal(t, []string{filepath.Join(dir, "dicom"), dir}, got.Args)
}

func TestExecConverter_Failures(t *testing.T) {
	req, _ := newRequest(t, "scan.h5", []byte("x"))

	nonZero := &ExecConverter{
		Command: "h5convert {input}",
		Runner: func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
			return execute.ExecResult{ExitCode: 2, Stderr: "bad header\n"}, nil
		},
	}
	err := nonZero.Convert(context.Background(), req)
	require.ErrorIs(t, err, simpleoutput.ErrConversionFailed)
	assert.Contains(t, err.Error(), "bad header")

	broken := &ExecConverter{
		Command: "missing-binary {input}",
		Runner: func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
			return execute.ExecResult{}, errors.New("executable file not found")
		},
	}
	assert.ErrorIs(t, broken.Convert(context.Background(), req), simpleoutput.ErrConversionFailed)

	empty := &ExecConverter{Command: "   "}
	assert.ErrorIs(t, empty.Convert(context.Background(), req), simpleoutput.ErrConversionFailed)
}

func TestManifestConverter(t *testing.T) {
	req, dir := newRequest(t, "brain.nii.gz", []byte("nifti"))
	require.NoError(t, Manifest().Convert(context.Background(), req))

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "brain.nii.gz", m["stored_name"])
	assert.Equal(t, ".nii.gz", m["extension"])
	assert.Equal(t, "source/brain.nii.gz", m["source"])

	source, err := os.ReadFile(filepath.Join(dir, "source", "brain.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, "nifti", string(source))
}

func TestRouter(t *testing.T) {
	var called []string
	named := func(name string) simpleoutput.Converter {
		return simpleoutput.ConverterFunc(func(ctx context.Context, req simpleoutput.ConvertRequest) error {
			called = append(called, name)
			return nil
		})
	}

	router := NewRouter(named("fallback")).
		Handle(named("hdf5"), ".h5", ".HDF5").
		Handle(Chain(named("unzip"), named("dicom")), ".zip")

	for _, stored := range []string{"a.h5", "b.hdf5", "c.zip", "d.nii"} {
		req, _ := newRequest(t, stored, nil)
		require.NoError(t, router.Convert(context.Background(), req))
	}
	assert.Equal(t, []string{"hdf5", "hdf5", "unzip", "dicom", "fallback"}, called)

	req, _ := newRequest(t, "x.dcm", nil)
	assert.ErrorIs(t, NewRouter(nil).Convert(context.Background(), req), simpleoutput.ErrConversionFailed)
}

func TestChain_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	chain := Chain(
		simpleoutput.ConverterFunc(func(ctx context.Context, req simpleoutput.ConvertRequest) error { return boom }),
		simpleoutput.ConverterFunc(func(ctx context.Context, req simpleoutput.ConvertRequest) error {
			ran = true
			return nil
		}),
	)
	req, _ := newRequest(t, "x.h5", nil)
	assert.ErrorIs(t, chain.Convert(context.Background(), req), boom)
	assert.False(t, ran)
}
