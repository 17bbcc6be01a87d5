package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/placement-fulfillment/internal/domain/model"
	apperrors "github.com/target/placement-fulfillment/internal/errors"
	"github.com/target/placement-fulfillment/internal/testutil"
)

func TestProviderRepo_ListAndUsage(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewProviderRepo(db, nil)
		ctx := context.Background()

		active := testutil.InsertProvider(t, db, testutil.ProviderFixture{Domain: "alpha.example.org"})
		testutil.InsertProvider(t, db, testutil.ProviderFixture{Domain: "beta.example.org", Status: model.ProviderMaintenance})

		list, err := repo.List(ctx, model.ProviderActive)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "alpha.example.org", list[0].Domain)
		assert.Equal(t, "publisher", list[0].Credentials.Username)
		assert.Equal(t, "app-pass", list[0].Credentials.Password)
		assert.Equal(t, model.DefaultResultURLPath, list[0].URLPath())

		all, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		at := time.Now().UTC()
		require.NoError(t, repo.RecordUsage(ctx, model.ProviderUsage{ProviderID: active, Success: true, At: at}))
		require.NoError(t, repo.RecordUsage(ctx, model.ProviderUsage{ProviderID: active, Success: false, At: at}))
		got, err := repo.GetByID(ctx, active)
		require.NoError(t, err)
		assert.Equal(t, 1, got.SuccessCount)
		assert.Equal(t, 1, got.FailureCount)
		require.NotNil(t, got.LastUsedAt)
	})
}

func TestProviderRepo_UpdateStatusConditional(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewProviderRepo(db, nil)
		ctx := context.Background()
		id := testutil.InsertProvider(t, db, testutil.ProviderFixture{Domain: "gamma.example.org"})

		expected := model.ProviderMaintenance
		ok, err := repo.UpdateStatus(ctx, model.ProviderStatusUpdate{ProviderID: id, Expected: &expected, To: model.ProviderActive})
		require.NoError(t, err)
		assert.False(t, ok, "expected status does not match")

		cred := true
		ok, err = repo.UpdateStatus(ctx, model.ProviderStatusUpdate{ProviderID: id, To: model.ProviderMaintenance, CredentialFailure: &cred})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ProviderMaintenance, got.Status)
		assert.True(t, got.CredentialFailure)

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, model.ErrProviderNotFound)
	})
}

func TestAdvisoryLocker_TryWithLock(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		locker := NewAdvisoryLocker(db)
		ctx := context.Background()

		ran := false
		locked, err := locker.TryWithLock(ctx, "periodic:test", func(ctx context.Context) error {
			inner, innerErr := locker.TryWithLock(ctx, "periodic:test", func(context.Context) error {
				t.Fatal("nested holder must not run")
				return nil
			})
			assert.False(t, inner)
			assert.NoError(t, innerErr)
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, locked)
		assert.True(t, ran)
	})
}

func TestProviderRepo_CreateDuplicateDomainIsConflict(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewProviderRepo(db, nil)
		ctx := context.Background()

		created, err := repo.Create(ctx, &model.Provider{Domain: "delta.example.org"})
		require.NoError(t, err)
		assert.Equal(t, model.ProviderActive, created.Status)

		_, err = repo.Create(ctx, &model.Provider{Domain: "delta.example.org"})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
		assert.Equal(t, "domain", apperrors.GetField(err))
	})
}
