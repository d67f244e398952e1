package redisrepo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsml/gomediate/idempotent"
	"github.com/fxsml/gomediate/idempotent/idempotenttest"
	"github.com/fxsml/gomediate/idempotent/redisrepo"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRepository_Suite(t *testing.T) {
	suite := &idempotenttest.RepositorySuite{
		Name: "redis",
		NewRepository: func(t *testing.T) idempotent.Repository {
			_, client := newClient(t)
			return redisrepo.New(client, redisrepo.Config{})
		},
	}
	suite.Run(t)
}

func TestRepository_TTL(t *testing.T) {
	mr, client := newClient(t)
	repo := redisrepo.New(client, redisrepo.Config{TTL: time.Minute})
	ctx := context.Background()

	present, err := repo.Add(ctx, "k")
	require.NoError(t, err)
	assert.False(t, present)
	assert.Equal(t, time.Minute, mr.TTL(redisrepo.DefaultPrefix+"k"))

	mr.FastForward(2 * time.Minute)
	ok, err := repo.Contains(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "key should expire")
}

func TestRepository_ClearKeepsForeignKeys(t *testing.T) {
	mr, client := newClient(t)
	repo := redisrepo.New(client, redisrepo.Config{Prefix: "dedupe:", ScanCount: 2})
	ctx := context.Background()

	require.NoError(t, mr.Set("other", "value"))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := repo.Add(ctx, k)
		require.NoError(t, err)
	}
	require.NoError(t, repo.Clear(ctx))

	assert.True(t, mr.Exists("other"))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		assert.False(t, mr.Exists("dedupe:"+k))
	}
}

func TestRepository_BackendFailure(t *testing.T) {
	mr, client := newClient(t)
	repo := redisrepo.New(client, redisrepo.Config{})
	mr.Close()

	_, err := repo.Add(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, idempotent.ErrRepository))

	var re *idempotent.RepositoryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "add", re.Op)
	assert.Equal(t, "k", re.Key)
}
