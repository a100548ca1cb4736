// Package events fans session lifecycle transitions out to external sinks
// (message broker, databases) without ever blocking the registry.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"framegeist/internal/models"
)

// Publisher delivers one event to an external system
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event models.SessionEvent) error
	Close() error
}

// Config holds dispatcher configuration
type Config struct {
	QueueSize      int           // Buffered events before dropping (default: 256)
	WorkerPoolSize int           // Number of workers (default: 4)
	PublishTimeout time.Duration // Per publisher call (default: 5s)
}

// Stats is a snapshot of dispatcher counters
type Stats struct {
	Publishers  int    `json:"publishers"`
	QueueLength int    `json:"queue_length"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
}

// Dispatcher queues events and delivers them to every publisher from a
// fixed worker pool. Delivery order across workers is not guaranteed.
type Dispatcher struct {
	config     Config
	publishers []Publisher
	jobQueue   chan models.SessionEvent
	stopCh     chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once

	// stopMu orders Publish against Stop: once stopped is set no send is in
	// flight, so drain sees every accepted event.
	stopMu  sync.RWMutex
	stopped bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher; call Start to begin delivery.
func NewDispatcher(config Config, publishers ...Publisher) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 4
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}

	return &Dispatcher{
		config:     config,
		publishers: publishers,
		jobQueue:   make(chan models.SessionEvent, config.QueueSize),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.config.WorkerPoolSize; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
		slog.Info("events: dispatcher started", "workers", d.config.WorkerPoolSize, "publishers", len(d.publishers))
	})
}

// Stop delivers what is still queued, stops the workers and closes every
// publisher.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.stopMu.Lock()
		d.stopped = true
		close(d.stopCh)
		d.stopMu.Unlock()

		d.wg.Wait()
		d.drain()

		for _, p := range d.publishers {
			if err := p.Close(); err != nil {
				slog.Warn("events: failed to close publisher", "publisher", p.Name(), "error", err)
			}
		}
		slog.Info("events: dispatcher stopped",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
	})
}

// Publish enqueues an event. It never blocks; when the queue is full or the
// dispatcher is stopped the event is dropped.
func (d *Dispatcher) Publish(event models.SessionEvent) {
	if len(d.publishers) == 0 {
		return
	}

	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		d.dropped.Add(1)
		return
	}

	select {
	case d.jobQueue <- event:
	default:
		d.dropped.Add(1)
		slog.Warn("events: queue full, dropping event", "stream_id", event.SessionID, "status", event.Status)
	}
}

// Stats returns current counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Publishers:  len(d.publishers),
		QueueLength: len(d.jobQueue),
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
		Dropped:     d.dropped.Load(),
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	slog.Debug("events: worker started", "worker", id)

	for {
		select {
		case <-d.stopCh:
			return
		case event := <-d.jobQueue:
			d.deliver(id, event)
		}
	}
}

// drain delivers whatever is left in the queue after the workers exit
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.jobQueue:
			d.deliver(-1, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(workerID int, event models.SessionEvent) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.PublishTimeout)
		err := p.Publish(ctx, event)
		cancel()

		if err != nil {
			d.failed.Add(1)
			slog.Warn("events: publish failed",
				"worker", workerID,
				"publisher", p.Name(),
				"stream_id", event.SessionID,
				"status", event.Status,
				"error", err,
			)
			continue
		}
		d.delivered.Add(1)
	}
}
