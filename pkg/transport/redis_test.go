package transport

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-streambatch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisConfigFromAddress(t *testing.T) {
	t.Run("channels and db", func(t *testing.T) {
		cfg, err := RedisConfigFromAddress(mustParse(t, "redis://:pw@cache:6380/2?channel=prices,%20trades"))
		require.NoError(t, err)
		assert.Equal(t, []string{"prices", "trades"}, cfg.Channels)
		assert.False(t, cfg.Pattern)
		require.NotNil(t, cfg.Options)
		assert.Equal(t, "cache:6380", cfg.Options.Addr)
		assert.Equal(t, 2, cfg.Options.DB)
		assert.Equal(t, "pw", cfg.Options.Password)
	})

	t.Run("pattern subscription", func(t *testing.T) {
		cfg, err := RedisConfigFromAddress(mustParse(t, "redis://cache:6379?channel=devices.*&pattern=true"))
		require.NoError(t, err)
		assert.True(t, cfg.Pattern)
		assert.Equal(t, []string{"devices.*"}, cfg.Channels)
	})

	t.Run("no channel", func(t *testing.T) {
		_, err := RedisConfigFromAddress(mustParse(t, "redis://cache:6379/0"))
		assert.Error(t, err)
	})
}

func TestRedis_ConnectWithoutOptionsFails(t *testing.T) {
	r := NewRedisWithConfig(RedisConfig{Channels: []string{"c"}}, zerolog.Nop())
	err := r.Connect(context.Background(), func(types.Frame) {})
	require.Error(t, err)
	<-r.Done()
	assert.Error(t, r.Err())
	assert.NoError(t, r.Close())
}
