package events

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/reviewyai/reviewy/internal/config"
)

// Open builds the bus selected by cfg.Driver.
func Open(ctx context.Context, cfg config.BusConfig) (Bus, error) {
	switch cfg.Driver {
	case "", config.BusMemory:
		return NewMemoryBus(0), nil
	case config.BusRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if errPing := client.Ping(ctx).Err(); errPing != nil {
			_ = client.Close()
			return nil, fmt.Errorf("events: redis ping: %w", errPing)
		}
		bus, errBus := NewRedisBus(ctx, client, cfg.RedisStream, cfg.RedisGroup)
		if errBus != nil {
			_ = client.Close()
			return nil, errBus
		}
		bus.SetClaimIdle(cfg.RedisClaimIdle)
		return bus, nil
	case config.BusSQS:
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.SQSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.SQSRegion))
		}
		awsCfg, errAWS := awsconfig.LoadDefaultConfig(ctx, opts...)
		if errAWS != nil {
			return nil, fmt.Errorf("events: load aws config: %w", errAWS)
		}
		return NewSQSBus(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL), nil
	default:
		return nil, fmt.Errorf("events: unsupported bus driver %q", cfg.Driver)
	}
}
