// Package controller wires the write store, read view, query engine,
// exporter and event producers of the lineage service together.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/lineage-store/internal/config"
	"github.com/invisible-tech/lineage-store/internal/types"
	"github.com/invisible-tech/lineage-store/pkg/collector"
	"github.com/invisible-tech/lineage-store/pkg/event"
	"github.com/invisible-tech/lineage-store/pkg/export"
	"github.com/invisible-tech/lineage-store/pkg/forward"
	"github.com/invisible-tech/lineage-store/pkg/lineage"
	"github.com/invisible-tech/lineage-store/pkg/procscan"
	"github.com/invisible-tech/lineage-store/pkg/spool"
	"github.com/invisible-tech/lineage-store/pkg/store"
)

// Prometheus metrics (registered once).
var (
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineage_events_received_total",
			Help: "Total events handed to the write store, by producer",
		},
		[]string{"source"},
	)
	viewLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineage_view_generation_lag",
			Help: "Write store generations not yet merged into the read view",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(viewLag)
}

// ErrNotFound is returned by queries naming an id that is not stored.
var ErrNotFound = errors.New("event not found")

// Controller owns the store and everything that feeds or reads it.
type Controller struct {
	cfg config.ServiceConfig
	log *logrus.Logger

	writes    *store.WriteStore
	view      *store.ReadView
	syncer    *store.Syncer
	engine    *lineage.Engine
	exporter  *export.Exporter
	collector *collector.EventCollector
	forwarder *forward.Client
}

// New creates a Controller with the given config and logger.
func New(cfg config.ServiceConfig, log *logrus.Logger) *Controller {
	ws := store.NewWriteStore(store.Config{
		LargeBatchThreshold: cfg.LargeBatchThreshold,
		ChunkSize:           cfg.ChunkSize,
		MaxRecords:          cfg.MaxRecords,
		NotifyBuffer:        cfg.NotifyBuffer,
	}, log)
	view := store.NewReadView()

	c := &Controller{
		cfg:      cfg,
		log:      log,
		writes:   ws,
		view:     view,
		syncer:   store.NewSyncer(ws, view, cfg.MergeDebounce, log),
		engine:   lineage.New(view, cfg.MaxTreeDepth, log),
		exporter: export.New(ws, cfg.ExportWorkers, log),
	}
	c.collector = collector.New(collector.Config{
		BatchSize:     cfg.CollectorBatchSize,
		FlushInterval: cfg.CollectorFlushInterval,
		BufferSize:    cfg.CollectorBufferSize,
	}, c.ingester("collector"), log)
	c.initForwarder()
	return c
}

func (c *Controller) initForwarder() {
	if !c.cfg.ForwardEnabled {
		return
	}
	c.forwarder = forward.NewClient(forward.Config{
		APIEndpoint: c.cfg.ForwardEndpoint,
		APIKey:      c.cfg.ForwardAPIKey,
		Timeout:     c.cfg.ForwardTimeout,
	}, c.log)
}

// sourceIngester counts events per producer before handing them on.
type sourceIngester struct {
	source string
	ws     *store.WriteStore
}

func (s sourceIngester) Ingest(batch []event.Event) error {
	if err := s.ws.Ingest(batch); err != nil {
		return err
	}
	eventsReceived.WithLabelValues(s.source).Add(float64(len(batch)))
	return nil
}

func (c *Controller) ingester(source string) sourceIngester {
	return sourceIngester{source: source, ws: c.writes}
}

// Start launches the syncer, the collector and the configured producers.
// Caller must run the HTTP server separately.
func (c *Controller) Start(ctx context.Context) {
	go c.syncer.Run(ctx)
	go func() { _ = c.collector.Start(ctx) }()

	if c.cfg.SpoolDir != "" {
		w, err := spool.New(c.cfg.SpoolDir, c.ingester("spool"), c.log)
		if err != nil {
			c.log.WithError(err).WithField("dir", c.cfg.SpoolDir).Error("Spool watcher disabled")
		} else {
			go w.Start(ctx)
		}
	}

	if c.cfg.ProcScanEnabled {
		scanner := procscan.New(procscan.Config{
			Root:         c.cfg.ProcRoot,
			ScanInterval: c.cfg.ProcScanInterval,
		}, c.ingester("procscan"), c.log)
		go scanner.Start(ctx)
	}

	if c.forwarder != nil {
		go func() {
			hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.forwarder.HealthCheck(hctx); err != nil {
				c.log.WithError(err).Warn("Forward collector health check failed, will retry on first forward")
			} else {
				c.log.Info("Forward collector connection verified")
			}
		}()
	}

	go wait.UntilWithContext(ctx, c.reportLag, 10*time.Second)
}

func (c *Controller) reportLag(context.Context) {
	viewLag.Set(float64(c.writes.Generation() - c.view.Generation()))
}

// Ingest decodes envelopes and stores them as one batch. Readers see the
// batch after the next merge.
func (c *Controller) Ingest(envs []event.Envelope) (int, error) {
	batch, err := decodeEnvelopes(envs)
	if err != nil {
		return 0, err
	}
	if err := c.ingester("api").Ingest(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// Enqueue hands envelopes to the collector without waiting for ingestion.
// Returns how many were queued before the buffer filled.
func (c *Controller) Enqueue(envs []event.Envelope) (int, error) {
	batch, err := decodeEnvelopes(envs)
	if err != nil {
		return 0, err
	}
	for i, ev := range batch {
		if !c.collector.Submit(ev) {
			return i, fmt.Errorf("collector buffer full after %d events", i)
		}
	}
	return len(batch), nil
}

func decodeEnvelopes(envs []event.Envelope) ([]event.Event, error) {
	batch := make([]event.Event, 0, len(envs))
	for i, env := range envs {
		ev, err := event.FromEnvelope(env)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", store.ErrMalformedBatch, i, err)
		}
		batch = append(batch, ev)
	}
	return batch, nil
}

// Flush merges pending writes into the read view now.
func (c *Controller) Flush() {
	c.syncer.Flush()
}

// Clear removes every stored event from both sides.
func (c *Controller) Clear() {
	c.syncer.Clear()
}

// Get returns a record from the read view.
func (c *Controller) Get(id uuid.UUID) (store.Record, error) {
	rec, ok := c.engine.Get(id)
	if !ok {
		return store.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Tree returns the record and its ancestors, nearest first.
func (c *Controller) Tree(id uuid.UUID) (store.Record, []store.Record, error) {
	return c.query(id, c.engine.ProcessTree)
}

// Group returns the record and the execs of its process group.
func (c *Controller) Group(id uuid.UUID) (store.Record, []store.Record, error) {
	return c.query(id, c.engine.ProcessGroup)
}

// Session returns the record and the execs of its session.
func (c *Controller) Session(id uuid.UUID) (store.Record, []store.Record, error) {
	return c.query(id, c.engine.SessionGroup)
}

func (c *Controller) query(id uuid.UUID, fn func(store.Record) []store.Record) (store.Record, []store.Record, error) {
	rec, err := c.Get(id)
	if err != nil {
		return store.Record{}, nil, err
	}
	return rec, fn(rec), nil
}

// Export serializes the given ids, or every record when ids is empty.
func (c *Controller) Export(ctx context.Context, ids []uuid.UUID, format export.Format) []byte {
	if len(ids) == 0 {
		return c.exporter.All(format)
	}
	return c.exporter.Selected(ctx, ids, format)
}

// ExportFile writes an export under the export directory and returns its
// path and size. name is reduced to its base so it cannot escape the
// directory. When nothing matches, no file is written and the path is empty.
func (c *Controller) ExportFile(ctx context.Context, ids []uuid.UUID, format export.Format, name string) (string, int, error) {
	base := filepath.Base(name)
	switch base {
	case ".", "..", string(filepath.Separator):
		return "", 0, fmt.Errorf("invalid export file name %q", name)
	}
	path := filepath.Join(c.cfg.ExportDir, base)
	n, err := c.exporter.WriteFile(path, c.Export(ctx, ids, format))
	if err != nil || n == 0 {
		return "", 0, err
	}
	return path, n, nil
}

// Forward exports and posts the result to the configured collector.
func (c *Controller) Forward(ctx context.Context, ids []uuid.UUID, format export.Format) (int, error) {
	if c.forwarder == nil {
		return 0, forward.ErrNotConfigured
	}
	content := c.Export(ctx, ids, format)
	if err := c.forwarder.SendExport(ctx, content, format); err != nil {
		c.log.WithError(err).Error("Failed to forward export")
		return 0, err
	}
	if err := c.forwarder.SendStats(ctx, c.forwardStats()); err != nil {
		c.log.WithError(err).Debug("Failed to forward stats")
	}
	return len(content), nil
}

func (c *Controller) forwardStats() forward.Stats {
	return forward.Stats{
		Timestamp:  time.Now(),
		Records:    c.writes.Len(),
		Generation: c.writes.Generation(),
		Merges:     c.syncer.Merges(),
	}
}

// Stats summarizes the store and its producers.
func (c *Controller) Stats() types.StatsResponse {
	sent, dropped := c.collector.GetStats()
	return types.StatsResponse{
		Records:          c.writes.Len(),
		ViewRecords:      c.view.Len(),
		Generation:       c.writes.Generation(),
		ViewGeneration:   c.view.Generation(),
		Merges:           c.syncer.Merges(),
		CollectorSent:    sent,
		CollectorDropped: dropped,
	}
}
