package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
)

// EventBus is the in-process publisher. Subscribers receive events for one
// channel (or every channel via SubscribeGlobal) on a buffered Go channel.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan domain.JobEvent // Key: channel
	global []chan domain.JobEvent
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan domain.JobEvent),
	}
}

// Subscribe returns a channel that receives events published on channel.
func (b *EventBus) Subscribe(channel string) (<-chan domain.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.JobEvent, 100) // Buffer to prevent blocking publisher
	b.subs[channel] = append(b.subs[channel], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[channel]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[channel] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
		})
	}

	return ch, unsub
}

// SubscribeGlobal receives every event regardless of channel.
func (b *EventBus) SubscribeGlobal() (<-chan domain.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.JobEvent, 256)
	b.global = append(b.global, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.global {
				if sub == ch {
					close(ch)
					b.global = append(b.global[:i], b.global[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Publish sends an event to all subscribers of channel. It never blocks.
func (b *EventBus) Publish(channel string, e domain.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[channel] {
		select {
		case ch <- e:
		default:
			// If channel is full, drop event to prevent blocking the scheduler
			b.logger.Warn("event bus channel full, dropping event", "channel", channel, "job_id", e.JobID)
		}
	}
	for _, ch := range b.global {
		select {
		case ch <- e:
		default:
			b.logger.Warn("global subscriber full, dropping event", "job_id", e.JobID)
		}
	}
}

// MultiPublisher fans each event out to several transports.
type MultiPublisher []ports.EventPublisher

func (m MultiPublisher) Publish(channel string, e domain.JobEvent) {
	for _, p := range m {
		if p != nil {
			p.Publish(channel, e)
		}
	}
}
