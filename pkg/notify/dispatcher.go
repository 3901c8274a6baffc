package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/driftwatch/pkg/telemetry"
)

// ErrBufferFull is returned by Publish when the queue cannot take another event.
var ErrBufferFull = errors.New("notification buffer full, event dropped")

// ErrStopped is returned by Publish after Shutdown.
var ErrStopped = errors.New("notification dispatcher stopped")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// BufferSize is the number of queued events before Publish drops.
	BufferSize int `yaml:"buffer_size" validate:"min=1"`

	// DeliveryTimeout bounds a single Notify call.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" validate:"min=0"`
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:      256,
		DeliveryTimeout: 10 * time.Second,
	}
}

type sinkEntry struct {
	sink   Sink
	filter Filter
}

// Dispatcher queues events and delivers them to every registered sink on a
// background goroutine. A nil *Dispatcher drops events silently.
type Dispatcher struct {
	config  DispatcherConfig
	buffer  chan Event
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu    sync.RWMutex
	sinks []sinkEntry

	// stateMu orders Publish sends against Shutdown so nothing is enqueued
	// after the drain starts.
	stateMu sync.Mutex
	stopped bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher and starts its delivery loop.
func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultDispatcherConfig().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:  cfg,
		buffer:  make(chan Event, cfg.BufferSize),
		logger:  logger.With().Str("component", "notify").Logger(),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	d.wg.Add(1)
	go d.processEvents()

	return d
}

// Register adds a sink. filter may be nil.
func (d *Dispatcher) Register(sink Sink, filter Filter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sinkEntry{sink: sink, filter: filter})
}

// Publish queues event without blocking.
func (d *Dispatcher) Publish(event Event) error {
	if d == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.stopped {
		return ErrStopped
	}

	select {
	case d.buffer <- event:
		return nil
	default:
		d.metrics.RecordNotification("dispatcher", "dropped")
		return ErrBufferFull
	}
}

func (d *Dispatcher) processEvents() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.buffer:
			d.deliver(event)

		case <-d.ctx.Done():
			// Drain what was queued before shutdown.
			for {
				select {
				case event := <-d.buffer:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver hands event to each matching sink in registration order.
func (d *Dispatcher) deliver(event Event) {
	d.mu.RLock()
	sinks := append([]sinkEntry(nil), d.sinks...)
	d.mu.RUnlock()

	for _, entry := range sinks {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if d.config.DeliveryTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, d.config.DeliveryTimeout)
		}
		err := entry.sink.Notify(ctx, event)
		cancel()

		if err != nil {
			d.metrics.RecordNotification(entry.sink.Name(), "failed")
			d.logger.Warn().
				Err(err).
				Str("sink", entry.sink.Name()).
				Str("event_id", event.ID).
				Str("server_id", event.ServerID).
				Str("pack", event.PackName).
				Msg("Notification delivery failed")
			continue
		}
		d.metrics.RecordNotification(entry.sink.Name(), "delivered")
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}

	d.stateMu.Lock()
	d.stopped = true
	d.cancel()
	d.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification dispatcher shutdown: %w", ctx.Err())
	}
}
