// Package redis forwards job events to Redis pub/sub so other processes can
// follow generation progress.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
	goredis "github.com/redis/go-redis/v9"
)

const (
	publishTimeout = 5 * time.Second
	bufferSize     = 1024
)

type envelope struct {
	channel string
	event   domain.JobEvent
}

// Publisher buffers events and publishes them from a single goroutine, so
// Publish never waits on the network.
type Publisher struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger

	queue chan envelope
	done  chan struct{}
	once  sync.Once
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher. Call Run to start delivery.
func NewPublisher(client *goredis.Client, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger,
		queue:  make(chan envelope, bufferSize),
		done:   make(chan struct{}),
	}
}

// NewClient builds a client and checks the server is reachable.
func NewClient(ctx context.Context, cfg domain.EventsConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// Channel returns the Redis channel an engine channel maps to.
func (p *Publisher) Channel(channel string) string {
	if p.prefix == "" {
		return channel
	}
	return p.prefix + ":" + channel
}

// Publish queues the event. It drops the event when the buffer is full.
func (p *Publisher) Publish(channel string, event domain.JobEvent) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- envelope{channel: channel, event: event}:
	default:
		p.logger.Warn("redis publish buffer full, dropping event", "channel", channel, "job_id", event.JobID)
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already buffered. Blocks.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case env := <-p.queue:
			p.send(ctx, env)
		case <-ctx.Done():
			p.once.Do(func() { close(p.done) })
			for {
				select {
				case env := <-p.queue:
					p.send(context.WithoutCancel(ctx), env)
				default:
					return nil
				}
			}
		}
	}
}

func (p *Publisher) send(ctx context.Context, env envelope) {
	payload, err := json.Marshal(env.event)
	if err != nil {
		p.logger.Error("failed to marshal event", "job_id", env.event.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Channel(env.channel), payload).Err(); err != nil {
		p.logger.Warn("redis publish failed", "channel", env.channel, "job_id", env.event.JobID, "error", err)
	}
}
