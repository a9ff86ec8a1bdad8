package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

func TestMemoryBackend_PutOpen(t *testing.T) {
	backend := New()
	ctx := context.Background()

	obj, err := backend.Put(ctx, "default/scan.nii", bytes.NewReader([]byte("nifti")))
	require.NoError(t, err)
	assert.EqualValues(t, 5, obj.Size)
	assert.Equal(t, "memory://default/scan.nii", obj.Location)
	assert.Len(t, obj.Checksum, 64)

	rc, err := backend.Open(ctx, "default/scan.nii")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "nifti", string(data))

	stat, err := backend.Stat(ctx, "default/scan.nii")
	require.NoError(t, err)
	assert.Equal(t, obj.Checksum, stat.Checksum)
}

func TestMemoryBackend_ExclusivePut(t *testing.T) {
	backend := New()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := backend.Put(ctx, "default/data.h5", bytes.NewReader([]byte("x")))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, simpleoutput.ErrAlreadyExists):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)
}

func TestMemoryBackend_Missing(t *testing.T) {
	backend := New()
	_, err := backend.Open(context.Background(), "nope")
	assert.ErrorIs(t, err, simpleoutput.ErrNotFound)
}
