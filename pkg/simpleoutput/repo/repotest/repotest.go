// Package repotest holds the behaviour every simpleoutput.Repository must show.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// NewArtifact returns a pending artifact for root/storedName
func NewArtifact(root, storedName string) *simpleoutput.Artifact {
	now := time.Now().UTC().Truncate(time.Microsecond)
	_, ext := simpleoutput.SplitExt(storedName)
	return &simpleoutput.Artifact{
		ID:           uuid.New(),
		Root:         root,
		OriginalName: storedName,
		StoredName:   storedName,
		OutputName:   simpleoutput.OutputDirName(storedName),
		StorageKey:   simpleoutput.StorageKey(root, storedName),
		Extension:    ext,
		Status:       simpleoutput.ArtifactStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Run exercises repo. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) simpleoutput.Repository) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := NewArtifact("default", "scan.h5")
		require.NoError(t, repo.CreateArtifact(ctx, a))

		got, err := repo.GetArtifact(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, "scan.h5", got.StoredName)
		assert.Equal(t, "scan_output", got.OutputName)
		assert.Equal(t, "default/scan.h5", got.StorageKey)
		assert.Equal(t, ".h5", got.Extension)
		assert.Equal(t, simpleoutput.ArtifactStatusPending, got.Status)
		assert.True(t, a.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetArtifact(context.Background(), uuid.New())
		assert.ErrorIs(t, err, simpleoutput.ErrArtifactNotFound)
	})

	t.Run("NameTaken", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		require.NoError(t, repo.CreateArtifact(ctx, NewArtifact("default", "data.h5")))
		err := repo.CreateArtifact(ctx, NewArtifact("default", "data.h5"))
		assert.ErrorIs(t, err, simpleoutput.ErrNameTaken)

		// the same name in another root is free
		assert.NoError(t, repo.CreateArtifact(ctx, NewArtifact("lab", "data.h5")))
	})

	t.Run("OutputNameTaken", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		require.NoError(t, repo.CreateArtifact(ctx, NewArtifact("default", "scan.h5")))
		// a different extension still publishes as scan_output
		err := repo.CreateArtifact(ctx, NewArtifact("default", "scan.hdf5"))
		assert.ErrorIs(t, err, simpleoutput.ErrNameTaken)

		assert.NoError(t, repo.CreateArtifact(ctx, NewArtifact("default", "scan_1.hdf5")))
		assert.NoError(t, repo.CreateArtifact(ctx, NewArtifact("lab", "scan.hdf5")))
	})

	t.Run("DeleteReleasesPendingReservation", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := NewArtifact("default", "data.h5")
		require.NoError(t, repo.CreateArtifact(ctx, a))
		require.NoError(t, repo.DeleteArtifact(ctx, a.ID))

		_, err := repo.GetArtifact(ctx, a.ID)
		assert.ErrorIs(t, err, simpleoutput.ErrArtifactNotFound)
		list, err := repo.ListArtifacts(ctx, "default")
		require.NoError(t, err)
		assert.Empty(t, list)

		// both names are free again
		require.NoError(t, repo.CreateArtifact(ctx, NewArtifact("default", "data.h5")))

		err = repo.DeleteArtifact(ctx, uuid.New())
		assert.ErrorIs(t, err, simpleoutput.ErrArtifactNotFound)
	})

	t.Run("DeleteKeepsStoredArtifacts", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := NewArtifact("default", "kept.h5")
		require.NoError(t, repo.CreateArtifact(ctx, a))
		_, err := repo.UpdateArtifact(ctx, a.ID, simpleoutput.ArtifactStatusPending, simpleoutput.ArtifactUpdate{Status: simpleoutput.ArtifactStatusStored})
		require.NoError(t, err)

		err = repo.DeleteArtifact(ctx, a.ID)
		assert.ErrorIs(t, err, simpleoutput.ErrInvalidStatusTransition)

		got, err := repo.GetArtifact(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, simpleoutput.ArtifactStatusStored, got.Status)
	})

	t.Run("ConcurrentReservation", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- repo.CreateArtifact(ctx, NewArtifact("default", "race.h5"))
			}()
		}
		wg.Wait()
		close(errs)

		won := 0
		for err := range errs {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, simpleoutput.ErrNameTaken)
		}
		assert.Equal(t, 1, won)
	})

	t.Run("UpdateIsCompareAndSet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := NewArtifact("default", "scan.h5")
		require.NoError(t, repo.CreateArtifact(ctx, a))

		stored, err := repo.UpdateArtifact(ctx, a.ID, simpleoutput.ArtifactStatusPending, simpleoutput.ArtifactUpdate{
			Status:   simpleoutput.ArtifactStatusStored,
			Location: "/data/uploads/default/scan.h5",
			Size:     42,
			Checksum: "abc",
			MimeType: "application/x-hdf5",
		})
		require.NoError(t, err)
		assert.Equal(t, simpleoutput.ArtifactStatusStored, stored.Status)
		assert.EqualValues(t, 42, stored.Size)
		assert.Equal(t, "/data/uploads/default/scan.h5", stored.Location)
		assert.Equal(t, "default/scan.h5", stored.StorageKey)

		_, err = repo.UpdateArtifact(ctx, a.ID, simpleoutput.ArtifactStatusPending, simpleoutput.ArtifactUpdate{
			Status: simpleoutput.ArtifactStatusFailed,
		})
		assert.ErrorIs(t, err, simpleoutput.ErrInvalidStatusTransition)

		_, err = repo.UpdateArtifact(ctx, uuid.New(), simpleoutput.ArtifactStatusPending, simpleoutput.ArtifactUpdate{
			Status: simpleoutput.ArtifactStatusStored,
		})
		assert.ErrorIs(t, err, simpleoutput.ErrArtifactNotFound)

		got, err := repo.GetArtifact(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, simpleoutput.ArtifactStatusStored, got.Status)
		assert.EqualValues(t, 42, got.Size)
	})

	t.Run("SingleClaimWins", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		a := NewArtifact("default", "claim.h5")
		require.NoError(t, repo.CreateArtifact(ctx, a))
		_, err := repo.UpdateArtifact(ctx, a.ID, simpleoutput.ArtifactStatusPending, simpleoutput.ArtifactUpdate{Status: simpleoutput.ArtifactStatusStored})
		require.NoError(t, err)

		const claimers = 8
		var wg sync.WaitGroup
		wins := make(chan struct{}, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.UpdateArtifact(ctx, a.ID, simpleoutput.ArtifactStatusStored, simpleoutput.ArtifactUpdate{Status: simpleoutput.ArtifactStatusConverting})
				if err == nil {
					wins <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(wins)
		assert.Len(t, wins, 1)
	})

	t.Run("ListByRootAndStatus", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			a := NewArtifact("default", fmt.Sprintf("file_%d.h5", i))
			a.CreatedAt = a.CreatedAt.Add(time.Duration(i) * time.Second)
			require.NoError(t, repo.CreateArtifact(ctx, a))
			ids = append(ids, a.ID)
		}
		require.NoError(t, repo.CreateArtifact(ctx, NewArtifact("lab", "other.h5")))

		for _, id := range ids[:2] {
			_, err := repo.UpdateArtifact(ctx, id, simpleoutput.ArtifactStatusPending, simpleoutput.ArtifactUpdate{Status: simpleoutput.ArtifactStatusStored})
			require.NoError(t, err)
		}

		list, err := repo.ListArtifacts(ctx, "default")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, ids[0], list[0].ID)
		assert.Equal(t, ids[2], list[2].ID)

		stored, err := repo.ListArtifactsByStatus(ctx, simpleoutput.ArtifactStatusStored, 10)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, ids[0], stored[0].ID)

		limited, err := repo.ListArtifactsByStatus(ctx, simpleoutput.ArtifactStatusStored, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}
