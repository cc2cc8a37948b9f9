package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	s := NewRedisStore(RedisConfig{Addr: server.Addr(), Prefix: "ens:"})
	t.Cleanup(func() { _ = s.Close() })
	return s, server
}

func TestRedisStore_Contract(t *testing.T) {
	s, server := newTestRedis(t)
	runKVContract(t, s, server.FastForward)
}

func TestRedisStore_PrefixIsApplied(t *testing.T) {
	s, server := newTestRedis(t)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Put(context.Background(), "k", []byte("v"), time.Minute))

	assert.True(t, server.Exists("ens:k"))
	assert.Equal(t, time.Minute, server.TTL("ens:k"))
}

func TestKVSuspensionStore_Redis(t *testing.T) {
	s, _ := newTestRedis(t)
	runSuspensionContract(t, NewKVSuspensionStore(s))
}
