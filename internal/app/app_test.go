package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/activity-etl/internal/config"
	"github.com/nadmax/activity-etl/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestOpenRunRepository_InMemoryWithoutDSN(t *testing.T) {
	repo, err := openRunRepository(context.Background(), "", discardLogger())
	require.NoError(t, err)

	_, ok := repo.(*repository.MemoryRunRepository)
	assert.True(t, ok)
}

func TestNew_FailsOnUnreachableRedis(t *testing.T) {
	cfg := config.Config{RedisAddr: "127.0.0.1:1", StagingTTL: time.Hour}

	a, err := New(context.Background(), cfg, discardLogger())
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "Redis")
}

func TestNew_FailsOnUnreachableSource(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{
		RedisAddr:  mr.Addr(),
		StagingTTL: time.Hour,
		SourceDSN:  "host=127.0.0.1 port=1 user=etl dbname=source sslmode=disable connect_timeout=1",
	}

	a, err := New(context.Background(), cfg, discardLogger())
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "source database")
}

func TestClose_PartiallyWired(t *testing.T) {
	(&App{}).Close()
}
