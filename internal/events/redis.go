package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	redisEventField = "event"
	redisReadCount  = 10
	redisBlock      = 2 * time.Second
	redisErrBackoff = time.Second
	redisClaimIdle  = 5 * time.Minute
)

// RedisBus carries events on a Redis stream read through a consumer group.
type RedisBus struct {
	client *redis.Client
	stream string
	group  string
	block  time.Duration

	// Entries idle longer than claimIdle in another consumer's pending list are
	// claimed every claimEvery.
	claimIdle  time.Duration
	claimEvery time.Duration
}

// NewRedisBus creates the consumer group (and stream) when missing.
func NewRedisBus(ctx context.Context, client *redis.Client, stream, group string) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("events: nil redis client")
	}
	errCreate := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if errCreate != nil && !strings.HasPrefix(errCreate.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("events: create consumer group: %w", errCreate)
	}
	bus := &RedisBus{client: client, stream: stream, group: group, block: redisBlock}
	bus.SetClaimIdle(redisClaimIdle)
	return bus, nil
}

// SetClaimIdle sets the minimum idle time before a stuck entry is claimed from
// another consumer. Non-positive values are ignored.
func (b *RedisBus) SetClaimIdle(idle time.Duration) {
	if idle <= 0 {
		return
	}
	b.claimIdle = idle
	b.claimEvery = idle / 2
}

// Publish appends evt to the stream.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	raw, errEncode := encode(evt)
	if errEncode != nil {
		return errEncode
	}
	errAdd := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{redisEventField: string(raw)},
	}).Err()
	if errAdd != nil {
		return fmt.Errorf("events: xadd: %w", errAdd)
	}
	return nil
}

// Consume first re-delivers this consumer's pending entries, then reads new ones.
// Entries left pending by a consumer that died are claimed once idle for claimIdle.
// Entries are acknowledged only after h returns nil.
func (b *RedisBus) Consume(ctx context.Context, consumer string, h Handler) error {
	cursor := "0"
	lastClaim := time.Now()
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= b.claimEvery {
			b.claim(ctx, consumer, h)
			lastClaim = time.Now()
		}
		streams, errRead := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, cursor},
			Count:    redisReadCount,
			Block:    b.block,
		}).Result()
		if errRead != nil {
			if errors.Is(errRead, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(errRead).WithField("consumer", consumer).Warn("events: xreadgroup failed")
			sleepCtx(ctx, redisErrBackoff)
			continue
		}

		var messages []redis.XMessage
		for _, stream := range streams {
			messages = append(messages, stream.Messages...)
		}
		if cursor != ">" {
			if len(messages) == 0 {
				cursor = ">"
				continue
			}
			cursor = messages[len(messages)-1].ID
		}

		for _, msg := range messages {
			b.handle(ctx, consumer, msg, h)
		}
	}
	return nil
}

// claim takes over entries idle in any consumer's pending list and handles them.
func (b *RedisBus) claim(ctx context.Context, consumer string, h Handler) {
	start := "0-0"
	for ctx.Err() == nil {
		messages, next, errClaim := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream,
			Group:    b.group,
			MinIdle:  b.claimIdle,
			Start:    start,
			Count:    redisReadCount,
			Consumer: consumer,
		}).Result()
		if errClaim != nil {
			if ctx.Err() == nil && !errors.Is(errClaim, redis.Nil) {
				log.WithError(errClaim).WithField("consumer", consumer).Warn("events: xautoclaim failed")
			}
			return
		}
		if len(messages) > 0 {
			log.WithField("consumer", consumer).Infof("events: claimed %d idle message(s)", len(messages))
		}
		for _, msg := range messages {
			b.handle(ctx, consumer, msg, h)
		}
		if next == "" || next == "0-0" || len(messages) == 0 {
			return
		}
		start = next
	}
}

func (b *RedisBus) handle(ctx context.Context, consumer string, msg redis.XMessage, h Handler) {
	fields := log.Fields{"consumer": consumer, "message_id": msg.ID}
	raw, _ := msg.Values[redisEventField].(string)
	evt, errDecode := decode([]byte(raw))
	if errDecode != nil {
		log.WithError(errDecode).WithFields(fields).Error("events: dropping malformed message")
		b.ack(ctx, msg.ID)
		return
	}
	if errHandle := h(ctx, evt); errHandle != nil {
		log.WithError(errHandle).WithFields(fields).WithField("event", evt.Name).Warn("events: handler failed, leaving message pending")
		return
	}
	b.ack(ctx, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, id string) {
	if errAck := b.client.XAck(context.WithoutCancel(ctx), b.stream, b.group, id).Err(); errAck != nil {
		log.WithError(errAck).WithField("message_id", id).Warn("events: xack failed")
	}
}

// Pending reports entries delivered but not yet acknowledged.
func (b *RedisBus) Pending(ctx context.Context) (int64, error) {
	summary, errPending := b.client.XPending(ctx, b.stream, b.group).Result()
	if errPending != nil {
		return 0, fmt.Errorf("events: xpending: %w", errPending)
	}
	return summary.Count, nil
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
