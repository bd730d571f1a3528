package pgstore_test

import (
	"context"
	"testing"

	"github.com/mcdev12/buzzroom/go/internal/store"
	"github.com/mcdev12/buzzroom/go/internal/store/pgstore"
	"github.com/mcdev12/buzzroom/go/internal/store/storetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestPostgresStore(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("buzzroom"),
		postgres.WithUsername("buzzroom"),
		postgres.WithPassword("buzzroom"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storetest.Run(t, func(t *testing.T) store.Store {
		cfg := pgstore.DefaultConfig()
		cfg.DatabaseURL = dsn

		s, err := pgstore.New(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
