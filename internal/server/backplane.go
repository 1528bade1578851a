package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/npezzotti/residence-chat/internal/types"
	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "residence-chat:residence:"

// RedisBackplane shares persisted messages between server instances over
// redis pub/sub, one channel per residence.
type RedisBackplane struct {
	rdb    *redis.Client
	prefix string
	log    *log.Logger
}

func NewRedisBackplane(rdb *redis.Client, logger *log.Logger) *RedisBackplane {
	return &RedisBackplane{
		rdb:    rdb,
		prefix: defaultChannelPrefix,
		log:    logger,
	}
}

func (b *RedisBackplane) channel(residenceId int) string {
	return b.prefix + strconv.Itoa(residenceId)
}

func (b *RedisBackplane) Publish(ctx context.Context, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	return b.rdb.Publish(ctx, b.channel(msg.ResidenceId), data).Err()
}

// Run subscribes to every residence channel and hands each received message
// to deliver until ctx is cancelled.
func (b *RedisBackplane) Run(ctx context.Context, deliver func(*types.Message)) error {
	pubsub := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}

			msg, err := b.decode(m.Channel, m.Payload)
			if err != nil {
				b.log.Println("backplane:", err)
				continue
			}
			deliver(msg)
		}
	}
}

func (b *RedisBackplane) decode(channel, payload string) (*types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, fmt.Errorf("decode payload on %s: %w", channel, err)
	}

	if channel != b.channel(msg.ResidenceId) {
		return nil, fmt.Errorf("message %d for residence %d received on %s", msg.Id, msg.ResidenceId, channel)
	}

	return &msg, nil
}
