package config_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/convolog/pkg/cli/config"
	"github.com/secmon-lab/convolog/pkg/domain/model"
	"github.com/secmon-lab/convolog/pkg/domain/types"
)

func TestRepositoryConfigure(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		repo, err := config.NewRepositoryForTest(config.BackendMemory, "", true).Configure(ctx)
		gt.NoError(t, err).Required()
		defer func() { gt.NoError(t, repo.Close()) }()
		gt.Value(t, repo).NotNil()
	})

	t.Run("sqlite is migrated on configure", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "convolog.db")
		repo, err := config.NewRepositoryForTest(config.BackendSQLite, path, true).Configure(ctx)
		gt.NoError(t, err).Required()
		defer func() { gt.NoError(t, repo.Close()) }()

		user, err := repo.User().Put(ctx, &model.User{ID: types.UserID("alice"), Name: "Alice"})
		gt.NoError(t, err).Required()
		gt.Value(t, user.ID).Equal(types.UserID("alice"))
	})

	t.Run("missing postgres url", func(t *testing.T) {
		_, err := config.NewRepositoryForTest(config.BackendPostgres, "", true).Configure(ctx)
		gt.Error(t, err).Is(config.ErrMissingRequired)
	})

	t.Run("missing mysql dsn", func(t *testing.T) {
		_, err := config.NewRepositoryForTest(config.BackendMySQL, "", true).Configure(ctx)
		gt.Error(t, err).Is(config.ErrMissingRequired)
	})

	t.Run("missing firestore project", func(t *testing.T) {
		_, err := config.NewRepositoryForTest(config.BackendFirestore, "", true).Configure(ctx)
		gt.Error(t, err).Is(config.ErrMissingRequired)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := config.NewRepositoryForTest("cassandra", "", true).Configure(ctx)
		gt.Error(t, err).Is(config.ErrUnknownBackend)
	})
}
