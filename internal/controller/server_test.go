package controller

import (
	"context"
	"errors"
	"projectsync/internal/cache"
	"projectsync/internal/config"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func() error

func (f pingerFunc) Health() error { return f() }

func TestHealthReportsEveryDependency(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(config.RedisConfig{Address: mr.Addr(), Prefix: "test"})
	require.NoError(t, err)
	defer c.Close()

	sc := NewServer(
		pingerFunc(func() error { return nil }),
		c,
		pingerFunc(func() error { return errors.New("connection closed") }),
	)

	report := sc.Health(context.Background())
	assert.False(t, report.Healthy)
	assert.Equal(t, map[string]string{
		"database": "ok",
		"cache":    "ok",
		"rabbitmq": "connection closed",
	}, report.Checks)
}

func TestHealthRunsChecksConcurrently(t *testing.T) {
	slow := pingerFunc(func() error { time.Sleep(100 * time.Millisecond); return nil })
	sc := NewServer(slow, nil, slow)

	started := time.Now()
	report := sc.Health(context.Background())

	assert.True(t, report.Healthy)
	assert.Len(t, report.Checks, 2)
	assert.Less(t, time.Since(started), 190*time.Millisecond)
}

func TestOnline(t *testing.T) {
	assert.Equal(t, "Online", NewServer(nil, nil, nil).Online())
}
