package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/grabandgo/pkg/config"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	feedChannelPrefix         = "feed:"
	notificationChannelPrefix = "notifications:"
	testModeKey               = "settings:test_mode"
)

// Change says that a row in Table changed. Subscribers re-query the row
// instead of trusting any payload.
type Change struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// RedisRepository carries the realtime feed, notification fan-out and the
// global test-mode switch.
type RedisRepository struct {
	client *redis.Client
	config *config.RedisConfig
	logger *zap.Logger
}

func NewRedisRepository(cfg *config.RedisConfig, logger *zap.Logger) *RedisRepository {
	return NewRedisRepositoryFromClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}), cfg, logger)
}

func NewRedisRepositoryFromClient(client *redis.Client, cfg *config.RedisConfig, logger *zap.Logger) *RedisRepository {
	return &RedisRepository{client: client, config: cfg, logger: logger.Named("redis")}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func FeedChannel(table string) string {
	return feedChannelPrefix + table
}

func NotificationChannel(userID string) string {
	return notificationChannelPrefix + userID
}

// Publish announces a change on feed:<table>.
func (r *RedisRepository) Publish(ctx context.Context, table, id string) error {
	data, err := json.Marshal(Change{Table: table, ID: id})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, FeedChannel(table), data).Err()
}

// Subscribe streams changes of the given tables until ctx is done. The
// returned channel is closed when the subscription ends.
func (r *RedisRepository) Subscribe(ctx context.Context, tables ...string) (<-chan Change, error) {
	channels := make([]string, len(tables))
	for i, t := range tables {
		channels[i] = FeedChannel(t)
	}
	sub, err := r.subscribe(ctx, channels...)
	if err != nil {
		return nil, err
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				change, err := DecodeChange(msg.Channel, msg.Payload)
				if err != nil {
					r.logger.Warn("Dropping malformed feed message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Signals turns a change stream into bare wake-ups, coalescing bursts.
func Signals(ctx context.Context, changes <-chan Change) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// DecodeChange parses a feed message. An empty or foreign payload still
// yields the table from the channel name.
func DecodeChange(channel, payload string) (Change, error) {
	if !strings.HasPrefix(channel, feedChannelPrefix) {
		return Change{}, fmt.Errorf("not a feed channel: %q", channel)
	}
	table := strings.TrimPrefix(channel, feedChannelPrefix)
	var c Change
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return Change{Table: table}, nil
		}
	}
	c.Table = table
	return c, nil
}

func (r *RedisRepository) PublishNotification(ctx context.Context, n notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, NotificationChannel(n.UserID), data).Err()
}

// SubscribeNotifications streams the notifications of one user until ctx is done.
func (r *RedisRepository) SubscribeNotifications(ctx context.Context, userID string) (<-chan notify.Notification, error) {
	sub, err := r.subscribe(ctx, NotificationChannel(userID))
	if err != nil {
		return nil, err
	}

	out := make(chan notify.Notification, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n notify.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					r.logger.Warn("Dropping malformed notification", zap.String("user_id", userID), zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisRepository) subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	sub := r.client.Subscribe(ctx, channels...)
	// Wait for the subscription to be confirmed so no message is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}
	return sub, nil
}

// TestMode reports the global switch. An unset key means off.
func (r *RedisRepository) TestMode(ctx context.Context) (bool, error) {
	v, err := r.client.Get(ctx, testModeKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (r *RedisRepository) SetTestMode(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return r.client.Set(ctx, testModeKey, v, 0).Err()
}
