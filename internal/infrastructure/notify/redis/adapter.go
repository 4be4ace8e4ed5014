// Package redis implements repository.NotifyAdapter over Redis pub/sub,
// fanning out to per-job-type and per-chain channels.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/domain/service"
)

// Adapter is a repository.NotifyAdapter backed by a Redis client.
type Adapter struct {
	client *goredis.Client
	logger service.Logger
}

// Config holds the Redis connection string.
type Config struct {
	URL string
}

// New connects to Redis and verifies the connection with a Ping, the way
// NewRedisPubSub does.
func New(cfg Config, logger service.Logger) (*Adapter, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("queuert/notify/redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("queuert/notify/redis: ping: %w", err)
	}

	return &Adapter{client: client, logger: logger}, nil
}

func scheduledChannel(typeName string) string {
	return "queuert:scheduled:" + typeName
}

func completedChannel(chainID uuid.UUID) string {
	return "queuert:completed:" + chainID.String()
}

func ownershipChannel(jobID uuid.UUID) string {
	return "queuert:ownership-lost:" + jobID.String()
}

type scheduledMessage struct {
	Count int `json:"count"`
}

func (a *Adapter) PublishJobScheduled(ctx context.Context, typeName string, count int) error {
	data, err := json.Marshal(scheduledMessage{Count: count})
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, scheduledChannel(typeName), data).Err()
}

func (a *Adapter) SubscribeJobScheduled(ctx context.Context, typeNames []string) (<-chan repository.JobScheduledEvent, repository.Unsubscribe, error) {
	channels := make([]string, len(typeNames))
	typeByChannel := make(map[string]string, len(typeNames))
	for i, t := range typeNames {
		ch := scheduledChannel(t)
		channels[i] = ch
		typeByChannel[ch] = t
	}

	sub := a.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("queuert/notify/redis: subscribe: %w", err)
	}

	out := make(chan repository.JobScheduledEvent, 16)
	go func() {
		defer close(out)
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var payload scheduledMessage
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					a.logger.Error("failed to unmarshal jobScheduled message", "channel", msg.Channel, "error", err)
					continue
				}
				event := repository.JobScheduledEvent{TypeName: typeByChannel[msg.Channel], Count: payload.Count}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { sub.Close() }, nil
}

func (a *Adapter) PublishJobChainCompleted(ctx context.Context, chainID uuid.UUID) error {
	return a.client.Publish(ctx, completedChannel(chainID), []byte("1")).Err()
}

func (a *Adapter) SubscribeJobChainCompleted(ctx context.Context, chainID uuid.UUID) (<-chan struct{}, repository.Unsubscribe, error) {
	sub := a.client.Subscribe(ctx, completedChannel(chainID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("queuert/notify/redis: subscribe: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { sub.Close() }, nil
}

func (a *Adapter) PublishJobOwnershipLost(ctx context.Context, jobID uuid.UUID) error {
	return a.client.Publish(ctx, ownershipChannel(jobID), []byte("1")).Err()
}

func (a *Adapter) SubscribeJobOwnershipLost(ctx context.Context, jobID uuid.UUID) (<-chan struct{}, repository.Unsubscribe, error) {
	sub := a.client.Subscribe(ctx, ownershipChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("queuert/notify/redis: subscribe: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { sub.Close() }, nil
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ repository.NotifyAdapter = (*Adapter)(nil)
