// Package relay mirrors relayed room events between server nodes over Redis
// pub/sub. Each room maps to one channel, so events for a room are received
// by peers in the order this node published them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabtext/syncd/internal/collab"
)

const channelPrefix = "collab:room:"

const defaultQueueSize = 1024

type Redis struct {
	client *redis.Client
	queue  chan collab.Envelope
}

func NewRedis(client *redis.Client, queueSize int) *Redis {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Redis{
		client: client,
		queue:  make(chan collab.Envelope, queueSize),
	}
}

func Channel(roomID string) string {
	return channelPrefix + roomID
}

// Publish queues env for the publish loop. When the queue is full the event
// is dropped for remote nodes; local delivery has already happened.
func (r *Redis) Publish(env collab.Envelope) {
	select {
	case r.queue <- env:
	default:
		glog.Warningf("[relay]queue full, dropped %s for %s\n", env.Event, env.Room)
	}
}

// Run publishes queued envelopes and delivers envelopes from other nodes
// until ctx is done.
func (r *Redis) Run(ctx context.Context, deliver func(collab.Envelope)) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	redisChan := pubsub.Channel()

	go r.publishLoop(ctx)

	for {
		select {
		case msg, ok := <-redisChan:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope(msg.Channel, msg.Payload)
			if err != nil {
				glog.Warningf("[relay]bad envelope on %s = %s\n", msg.Channel, err)
				continue
			}
			deliver(env)
		case <-ctx.Done():
			return nil
		}
	}
}

// decodeEnvelope parses a message received on channel. An envelope without a
// room belongs to the room named by the channel.
func decodeEnvelope(channel, payload string) (collab.Envelope, error) {
	var env collab.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, err
	}
	if env.Room == "" {
		env.Room = strings.TrimPrefix(channel, channelPrefix)
	}
	if env.Room == "" || env.Event == "" {
		return env, errors.New("envelope missing room or event")
	}
	return env, nil
}

func (r *Redis) publishLoop(ctx context.Context) {
	for {
		select {
		case env := <-r.queue:
			buf, err := json.Marshal(env)
			if err != nil {
				glog.Warningf("[relay]failed to encode envelope = %s\n", err)
				continue
			}
			if err := r.client.Publish(ctx, Channel(env.Room), buf).Err(); err != nil {
				glog.Warningf("[relay]error publishing to Redis = %s\n", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
