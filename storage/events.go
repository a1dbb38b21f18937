package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-tasks/domain"
	"prism-tasks/metrics"
)

// RedisPublisher broadcasts task events on a pub/sub channel.
type RedisPublisher struct {
	redis   *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{redis: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := sonic.Marshal(ev)
	if err == nil {
		err = p.redis.Publish(ctx, p.channel, payload).Err()
	}
	metrics.RecordEvent("redis", err)
	return err
}

type messageQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueuePublisher appends task events to an Azure Storage queue.
type QueuePublisher struct {
	queue messageQueue
}

func NewQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueuePublisher{queue: q}, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := sonic.Marshal(ev)
	if err == nil {
		_, err = p.queue.EnqueueMessage(ctx, string(payload), nil)
	}
	metrics.RecordEvent("queue", err)
	return err
}

// Publishers sends each event to every publisher and joins their errors.
type Publishers []domain.Publisher

func (ps Publishers) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubscribeEvents delivers events published on channel until ctx is done,
// resubscribing whenever the subscription drops.
func SubscribeEvents(ctx context.Context, client *redis.Client, channel string, deliver func(domain.Event)) {
	for {
		sub := client.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev domain.Event
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					log.WithError(err).Error("unable to parse task event")
					continue
				}
				deliver(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Error("task event subscription closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
