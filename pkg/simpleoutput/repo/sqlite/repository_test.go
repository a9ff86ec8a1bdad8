package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-output/pkg/simpleoutput"
	"github.com/tendant/simple-output/pkg/simpleoutput/repo/repotest"
	"github.com/tendant/simple-output/pkg/simpleoutput/repo/sqlite"
)

func openTestRepo(t *testing.T, path string) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) simpleoutput.Repository {
		return openTestRepo(t, filepath.Join(t.TempDir(), "artifacts.db"))
	})
}

func TestSQLiteRepository_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.db")
	ctx := context.Background()

	first, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	a := repotest.NewArtifact("default", "scan.h5")
	require.NoError(t, first.CreateArtifact(ctx, a))
	require.NoError(t, first.Close())

	second := openTestRepo(t, path)
	got, err := second.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "scan.h5", got.StoredName)

	// the reservation is still held after a restart
	err = second.CreateArtifact(ctx, repotest.NewArtifact("default", "scan.h5"))
	assert.ErrorIs(t, err, simpleoutput.ErrNameTaken)
}
