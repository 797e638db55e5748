package repository

import (
	"context"
	"testing"
	"time"

	"github.com/example/grabandgo/pkg/config"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "feed:orders", FeedChannel("orders"))
	assert.Equal(t, "notifications:cust-1", NotificationChannel("cust-1"))
}

func TestDecodeChange(t *testing.T) {
	c, err := DecodeChange("feed:orders", `{"table":"orders","id":"o1"}`)
	require.NoError(t, err)
	assert.Equal(t, Change{Table: "orders", ID: "o1"}, c)

	// The channel name wins over whatever the payload claims.
	c, err = DecodeChange("feed:test_orders", `{"table":"orders","id":"o2"}`)
	require.NoError(t, err)
	assert.Equal(t, "test_orders", c.Table)

	c, err = DecodeChange("feed:orders", "not json")
	require.NoError(t, err)
	assert.Equal(t, Change{Table: "orders"}, c)

	_, err = DecodeChange("notifications:u1", "{}")
	assert.Error(t, err)
}

func TestSignalsCoalesce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Change, 10)
	signals := Signals(ctx, changes)
	for i := 0; i < 5; i++ {
		changes <- Change{Table: "orders", ID: "o1"}
	}

	select {
	case <-signals:
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}

	close(changes)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-signals:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestRedisUnavailable(t *testing.T) {
	cfg := &config.RedisConfig{Addr: "127.0.0.1:1"}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	repo := NewRedisRepositoryFromClient(client, cfg, zaptest.NewLogger(t))
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := repo.TestMode(ctx)
	assert.Error(t, err)
	assert.Error(t, repo.Publish(ctx, "orders", "o1"))
}
