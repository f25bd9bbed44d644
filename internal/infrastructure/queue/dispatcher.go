package queue

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/99minutos/auth-service/internal/core/domain"
	"github.com/99minutos/auth-service/internal/core/ports"
)

const (
	defaultWorkers = 4
	channelBuffer  = 256
)

// Dispatcher routes committed audit events to a fixed set of workers using
// consistent hashing on the user id, guaranteeing per-user event ordering.
type Dispatcher struct {
	workers []chan domain.AuditLog
	sink    ports.EventSink
	log     zerolog.Logger
	onDrop  func(domain.AuditLog)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ ports.EventPublisher = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used.
func NewDispatcher(numWorkers int, sink ports.EventSink, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher{
		workers: make([]chan domain.AuditLog, numWorkers),
		sink:    sink,
		log:     log,
	}
	for i := range d.workers {
		d.workers[i] = make(chan domain.AuditLog, channelBuffer)
	}
	return d
}

// OnDrop registers a callback for events discarded because a shard is full.
func (d *Dispatcher) OnDrop(fn func(domain.AuditLog)) {
	d.onDrop = fn
}

// Start launches all worker goroutines. Workers stop when ctx is cancelled
// or after Stop has drained their queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx, i, ch)
	}
}

// Publish hands events to their shard without blocking. An event that does
// not fit in the shard buffer is dropped and logged.
func (d *Dispatcher) Publish(events ...domain.AuditLog) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, e := range events {
		select {
		case d.workers[d.shardIndex(shardKey(e))] <- e:
		default:
			d.log.Warn().
				Str("event_type", string(e.EventType)).
				Str("event_id", e.ID).
				Msg("audit dispatcher full, dropping event")
			if d.onDrop != nil {
				d.onDrop(e)
			}
		}
	}
}

// Stop closes the shards and waits for workers to drain them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.workers {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func shardKey(e domain.AuditLog) string {
	if e.UserID != nil {
		return *e.UserID
	}
	return e.IPAddress
}

// shardIndex maps a key deterministically to a worker index.
func (d *Dispatcher) shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, ch <-chan domain.AuditLog) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := d.sink.Handle(ctx, event); err != nil {
				d.log.Error().Err(err).
					Str("event_type", string(event.EventType)).
					Int("worker_id", id).
					Msg("audit event handling failed")
			}
		}
	}
}
