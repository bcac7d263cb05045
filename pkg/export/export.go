// Package export renders stored records into JSON artifacts.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/lineage-store/pkg/store"
)

// Format selects how records are serialized.
type Format int

const (
	// FormatJSONLines writes one compact JSON object per line.
	FormatJSONLines Format = iota
	// FormatPretty writes indented JSON objects separated by newlines.
	FormatPretty
)

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat maps "jsonl"/"ndjson" and "pretty"/"json" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jsonl", "ndjson":
		return FormatJSONLines, nil
	case "pretty", "json":
		return FormatPretty, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

func (f Format) String() string {
	if f == FormatPretty {
		return "pretty"
	}
	return "jsonl"
}

var recordsExported = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lineage_export_records_total",
		Help: "Records written to export artifacts",
	},
	[]string{"format"},
)

func init() {
	prometheus.MustRegister(recordsExported)
}

// Source is the record set exports read from.
type Source interface {
	Get(id uuid.UUID) (store.Record, bool)
	All() []store.Record
}

// DefaultWorkers is the fetch parallelism of Selected.
const DefaultWorkers = 8

// Exporter serializes records from a Source.
type Exporter struct {
	src     Source
	workers int
	log     *logrus.Logger
}

// New creates an exporter. workers <= 0 selects DefaultWorkers.
func New(src Source, workers int, log *logrus.Logger) *Exporter {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Exporter{src: src, workers: workers, log: log}
}

// All serializes every record. No ordering is guaranteed.
func (x *Exporter) All(format Format) []byte {
	return x.render(x.src.All(), format)
}

// Selected fetches ids concurrently, drops those not found, and serializes
// the rest ascending by mach time.
func (x *Exporter) Selected(ctx context.Context, ids []uuid.UUID, format Format) []byte {
	return x.render(x.fetch(ctx, ids), format)
}

func (x *Exporter) fetch(ctx context.Context, ids []uuid.UUID) []store.Record {
	unique := sets.New(ids...)
	jobs := make(chan uuid.UUID)
	var (
		mu    sync.Mutex
		found []store.Record
		wg    sync.WaitGroup
	)
	for i := 0; i < min(x.workers, unique.Len()); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				r, ok := x.src.Get(id)
				if !ok {
					x.log.WithField("event_id", id).Debug("Export skipped missing record")
					continue
				}
				mu.Lock()
				found = append(found, r)
				mu.Unlock()
			}
		}()
	}
feed:
	for id := range unique {
		select {
		case jobs <- id:
		case <-ctx.Done():
			x.log.WithError(ctx.Err()).Warn("Export fetch cancelled, remaining ids treated as missing")
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(found, func(i, j int) bool {
		if found[i].MachTime != found[j].MachTime {
			return found[i].MachTime < found[j].MachTime
		}
		return bytes.Compare(found[i].ID[:], found[j].ID[:]) < 0
	})
	return found
}

func (x *Exporter) render(records []store.Record, format Format) []byte {
	lines := make([][]byte, 0, len(records))
	for _, r := range records {
		var (
			data []byte
			err  error
		)
		if format == FormatPretty {
			data, err = json.MarshalIndent(r.Event, "", "  ")
		} else {
			data, err = json.Marshal(r.Event)
		}
		if err != nil {
			x.log.WithError(err).WithField("event_id", r.ID).Warn("Failed to serialize record")
			continue
		}
		lines = append(lines, data)
	}
	recordsExported.WithLabelValues(format.String()).Add(float64(len(lines)))
	return bytes.Join(lines, []byte("\n"))
}

// ExportAll writes every record to path.
func (x *Exporter) ExportAll(format Format, path string) error {
	_, err := x.WriteFile(path, x.All(format))
	return err
}

// ExportSelected writes the selected records to path. Nothing is written
// when none of the ids are found.
func (x *Exporter) ExportSelected(ctx context.Context, ids []uuid.UUID, format Format, path string) error {
	_, err := x.WriteFile(path, x.Selected(ctx, ids, format))
	return err
}

// WriteFile writes rendered content to path and returns the bytes written.
// Empty content writes nothing and returns 0.
func (x *Exporter) WriteFile(path string, content []byte) (int, error) {
	if len(content) == 0 {
		x.log.WithField("path", path).Info("Nothing to export")
		return 0, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		x.log.WithError(err).WithField("path", path).Error("Failed to write export")
		return 0, fmt.Errorf("write export %s: %w", path, err)
	}
	x.log.WithFields(logrus.Fields{"path": path, "bytes": len(content)}).Info("Export written")
	return len(content), nil
}
