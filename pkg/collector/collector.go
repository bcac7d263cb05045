// Package collector batches single events from producers and hands them to
// the store as ingestion batches.
package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/lineage-store/pkg/event"
)

// Ingester accepts a batch of events. Implemented by store.WriteStore.
type Ingester interface {
	Ingest(batch []event.Event) error
}

// Config for the event collector
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// EventCollector buffers events and flushes them to the ingester every
// BatchSize events or FlushInterval, whichever comes first.
type EventCollector struct {
	cfg  Config
	log  *logrus.Logger
	sink Ingester

	eventChan chan event.Event

	mu      sync.Mutex
	pending []event.Event

	// Stats
	eventsSent    atomic.Int64
	eventsDropped atomic.Int64
	flushErrors   atomic.Int64
}

// New creates a new EventCollector
func New(cfg Config, sink Ingester, log *logrus.Logger) *EventCollector {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &EventCollector{
		cfg:       cfg,
		log:       log,
		sink:      sink,
		eventChan: make(chan event.Event, cfg.BufferSize),
		pending:   make([]event.Event, 0, cfg.BatchSize),
	}
}

// EventChannel returns the channel for sending events
func (ec *EventCollector) EventChannel() chan<- event.Event {
	return ec.eventChan
}

// Submit enqueues ev without blocking. Returns false and counts a drop when
// the buffer is full.
func (ec *EventCollector) Submit(ev event.Event) bool {
	select {
	case ec.eventChan <- ev:
		return true
	default:
		ec.eventsDropped.Add(1)
		return false
	}
}

// Start begins collecting; it flushes whatever is pending when ctx ends.
func (ec *EventCollector) Start(ctx context.Context) error {
	ec.log.WithFields(logrus.Fields{
		"batch_size":     ec.cfg.BatchSize,
		"flush_interval": ec.cfg.FlushInterval,
	}).Info("Starting event collector")

	ticker := time.NewTicker(ec.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ec.drain()
			ec.Flush()
			return ctx.Err()

		case ev := <-ec.eventChan:
			if ec.add(ev) {
				ec.Flush()
			}

		case <-ticker.C:
			ec.Flush()
		}
	}
}

func (ec *EventCollector) add(ev event.Event) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.pending = append(ec.pending, ev)
	return len(ec.pending) >= ec.cfg.BatchSize
}

func (ec *EventCollector) drain() {
	for {
		select {
		case ev := <-ec.eventChan:
			ec.add(ev)
		default:
			return
		}
	}
}

// Flush hands the pending events to the ingester as one batch. A repeated
// id within the batch is dropped after its first occurrence.
func (ec *EventCollector) Flush() {
	ec.mu.Lock()
	pending := ec.pending
	ec.pending = make([]event.Event, 0, ec.cfg.BatchSize)
	ec.mu.Unlock()

	batch := ec.dedupe(pending)
	if len(batch) == 0 {
		return
	}
	if err := ec.sink.Ingest(batch); err != nil {
		ec.flushErrors.Add(1)
		ec.eventsDropped.Add(int64(len(batch)))
		ec.log.WithError(err).WithField("events", len(batch)).Warn("Failed to ingest batch")
		return
	}
	ec.eventsSent.Add(int64(len(batch)))
	ec.log.WithField("events", len(batch)).Debug("Flushed batch")
}

func (ec *EventCollector) dedupe(pending []event.Event) []event.Event {
	seen := sets.New[uuid.UUID]()
	batch := pending[:0]
	for _, ev := range pending {
		if seen.Has(ev.ID) {
			ec.eventsDropped.Add(1)
			ec.log.WithField("event_id", ev.ID).Debug("Dropping repeated event")
			continue
		}
		seen.Insert(ev.ID)
		batch = append(batch, ev)
	}
	return batch
}

// GetStats returns collector statistics
func (ec *EventCollector) GetStats() (sent, dropped int64) {
	return ec.eventsSent.Load(), ec.eventsDropped.Load()
}
