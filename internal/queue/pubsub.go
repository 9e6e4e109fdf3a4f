package queue

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Pub/sub channels on the queue store. Events is the lightweight fan-out for
// in-process observers and bridges; Control carries operational commands from
// the CLI to the running service.
const (
	ChannelEvents  = "appview:events"
	ChannelControl = "appview:control"
)

// Control commands understood by the running service.
const (
	ControlReconnect    = "reconnect"
	ControlRetryPending = "retry-pending"
)

// PublishEvent broadcasts an event on the fan-out channel. Delivery is
// fire-and-forget: subscribers that are not listening miss the event, which
// is fine because the durable copy is already on the stream.
func PublishEvent(ctx context.Context, rdb *redis.Client, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, ChannelEvents, payload).Err()
}

// PublishControl sends an operational command to every listening service
// instance. Returns the number of receivers.
func PublishControl(ctx context.Context, rdb *redis.Client, command string) (int64, error) {
	return rdb.Publish(ctx, ChannelControl, command).Result()
}

// SubscribeControl listens for operational commands and invokes handle for
// each one until ctx is cancelled. Runs in the calling goroutine.
func SubscribeControl(ctx context.Context, rdb *redis.Client, logger *zap.Logger, handle func(command string)) {
	sub := rdb.Subscribe(ctx, ChannelControl)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logger.Info("control command received", zap.String("command", msg.Payload))
			handle(msg.Payload)
		}
	}
}

// SubscribeEvents yields fan-out events until ctx is cancelled. Malformed
// payloads are skipped.
func SubscribeEvents(ctx context.Context, rdb *redis.Client, handle func(e Event)) {
	sub := rdb.Subscribe(ctx, ChannelEvents)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			handle(e)
		}
	}
}
