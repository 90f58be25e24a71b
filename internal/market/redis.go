package market

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig locates the pub/sub server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisClient opens a client and checks connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("market: redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisFeed receives quote batches published on a redis channel.
type RedisFeed struct {
	Client  *redis.Client
	Channel string
	Logger  *zap.Logger
}

// Subscribe confirms the subscription before returning.
func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan []Record, error) {
	channel := f.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sub := f.Client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("market: subscribe %s: %w", channel, err)
	}
	logger.Info("market: redis feed subscribed", zap.String("channel", channel))

	out := make(chan []Record, 16)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				recs, err := Decode([]byte(msg.Payload))
				if err != nil {
					logger.Warn("market: bad redis payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- recs:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RedisPublisher writes quote batches to a redis channel.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
}

// Publish sends one batch.
func (p *RedisPublisher) Publish(ctx context.Context, recs []Record) error {
	channel := p.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	payload, err := Encode(recs)
	if err != nil {
		return err
	}
	if err := p.Client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("market: publish %s: %w", channel, err)
	}
	return nil
}
