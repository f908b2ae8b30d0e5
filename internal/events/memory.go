package events

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrBusClosed is returned when publishing to a closed in-process bus.
var ErrBusClosed = errors.New("events: bus closed")

// MemoryBus is an in-process bus for local development and tests. It is not durable.
type MemoryBus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewMemoryBus creates a bus buffering up to size events.
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 1024
	}
	return &MemoryBus{ch: make(chan Event, size)}
}

// Publish enqueues evt, blocking while the buffer is full.
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers events until ctx is done. A failed event is put back on the queue.
func (b *MemoryBus) Consume(ctx context.Context, consumer string, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-b.ch:
			if !ok {
				return nil
			}
			if errHandle := h(ctx, evt); errHandle != nil {
				log.WithError(errHandle).WithFields(log.Fields{"consumer": consumer, "event": evt.Name, "event_id": evt.ID}).Warn("events: handler failed, requeueing")
				if errRequeue := b.requeue(evt); errRequeue != nil {
					log.WithError(errRequeue).WithField("event_id", evt.ID).Error("events: requeue failed")
				}
			}
		}
	}
}

// requeue puts evt back without blocking the consumer.
func (b *MemoryBus) requeue(evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- evt:
		return nil
	default:
		return errors.New("events: queue full")
	}
}

// Len reports queued events.
func (b *MemoryBus) Len() int {
	return len(b.ch)
}

// Close stops accepting events and ends consumers once the queue drains.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}
