package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("Hit", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := newRedisCacheFromClient(client)

		mock.ExpectGet("kestrel:score:latest:acc-1").SetVal(`{"id":"r1"}`)

		got, err := c.Get(ctx, "score:latest:acc-1")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"id":"r1"}`), got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MissIsNotAnError", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := newRedisCacheFromClient(client)

		mock.ExpectGet("kestrel:missing").RedisNil()

		got, err := c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ErrorPropagates", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := newRedisCacheFromClient(client)

		mock.ExpectGet("kestrel:k").SetErr(errors.New("connection reset"))

		_, err := c.Get(ctx, "k")
		assert.EqualError(t, err, "connection reset")
	})
}

func TestRedisCache_SetAndDelete(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	c := newRedisCacheFromClient(client)

	mock.ExpectSet("kestrel:k", []byte("v"), time.Minute).SetVal("OK")
	mock.ExpectDel("kestrel:k").SetVal(1)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCache_Sets(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	c := newRedisCacheFromClient(client)

	ttl := 30 * 24 * time.Hour
	mock.ExpectEvalSha(addToSetScript.Hash(), []string{"kestrel:ip:accounts:8.8.8.8"}, "acc-1", ttl.Milliseconds()).SetVal(int64(3))
	mock.ExpectSCard("kestrel:ip:accounts:8.8.8.8").SetVal(3)

	n, err := c.AddToSet(ctx, "ip:accounts:8.8.8.8", "acc-1", ttl)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	size, err := c.SetSize(ctx, "ip:accounts:8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCache_Ping(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := newRedisCacheFromClient(client)

	mock.ExpectPing().SetErr(errors.New("down"))

	assert.Error(t, c.Ping(context.Background()))
}
