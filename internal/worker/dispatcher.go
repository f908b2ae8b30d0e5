// Package worker runs event consumers with retry and dead-letter handling.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/reviewyai/reviewy/internal/events"
	"github.com/reviewyai/reviewy/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultConcurrency = 4
	defaultMaxAttempts = 3
)

// Options configures a Dispatcher.
type Options struct {
	Name        string
	Concurrency int
	MaxAttempts int
}

// Dispatcher routes bus events to registered handlers.
type Dispatcher struct {
	bus         events.Bus
	db          *gorm.DB
	name        string
	concurrency int
	maxAttempts int

	mu       sync.RWMutex
	handlers map[string]events.Handler
	wg       sync.WaitGroup
}

// NewDispatcher constructs a dispatcher. db receives dead letters.
func NewDispatcher(bus events.Bus, db *gorm.DB, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	return &Dispatcher{
		bus:         bus,
		db:          db,
		name:        opts.Name,
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		handlers:    make(map[string]events.Handler),
	}
}

// Register binds h to events named name.
func (d *Dispatcher) Register(name string, h events.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Start launches the consumers in background goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	if d == nil {
		return
	}
	for i := 0; i < d.concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", d.name, i)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if errConsume := d.bus.Consume(ctx, consumer, d.Handle); errConsume != nil {
				log.WithError(errConsume).WithField("consumer", consumer).Error("worker: consumer stopped")
			}
		}()
	}
	log.Infof("worker dispatcher started (consumers=%d, max_attempts=%d)", d.concurrency, d.maxAttempts)
}

// Wait blocks until every consumer has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle runs the handler for evt. A failed attempt is re-published with the next attempt
// number; the last failed attempt is stored as a dead letter. It returns an error only when
// neither could be recorded, so the bus redelivers.
func (d *Dispatcher) Handle(ctx context.Context, evt events.Event) error {
	d.mu.RLock()
	h := d.handlers[evt.Name]
	d.mu.RUnlock()

	fields := log.Fields{"event": evt.Name, "event_id": evt.ID, "attempt": evt.Attempt}
	if h == nil {
		log.WithFields(fields).Warn("worker: no handler registered, dropping event")
		return nil
	}

	errHandle := safeCall(ctx, h, evt)
	if errHandle == nil {
		log.WithFields(fields).Debug("worker: event handled")
		return nil
	}

	if evt.Attempt < d.maxAttempts {
		log.WithError(errHandle).WithFields(fields).Warn("worker: handler failed, scheduling retry")
		if errPublish := d.bus.Publish(ctx, evt.Next()); errPublish != nil {
			return fmt.Errorf("worker: republish %s: %w", evt.ID, errPublish)
		}
		return nil
	}

	log.WithError(errHandle).WithFields(fields).Error("worker: attempts exhausted, dead-lettering event")
	if errDead := d.deadLetter(ctx, evt, errHandle); errDead != nil {
		return errDead
	}
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, evt events.Event, cause error) error {
	if d.db == nil {
		return nil
	}
	row := models.DeadLetter{
		EventID: evt.ID,
		Name:    evt.Name,
		Attempt: evt.Attempt,
		Payload: datatypes.JSON(evt.Payload),
		Error:   cause.Error(),
	}
	if errCreate := d.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("worker: store dead letter %s: %w", evt.ID, errCreate)
	}
	return nil
}

func safeCall(ctx context.Context, h events.Handler, evt events.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithField("event_id", evt.ID).Errorf("worker: handler panic: %v\n%s", recovered, debug.Stack())
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return h(ctx, evt)
}
