// Package store holds the transient event store: an authoritative write
// side that ingests and correlates batches, and a read view kept
// eventually consistent with it by a debounced syncer.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/lineage-store/pkg/event"
)

var (
	// ErrMalformedBatch is returned for batches violating ingestion
	// preconditions. Nothing of such a batch is committed.
	ErrMalformedBatch = errors.New("malformed batch")
	// ErrStoreFull is returned when a commit would exceed MaxRecords.
	ErrStoreFull = errors.New("store full")
)

// Config tunes the write store.
type Config struct {
	// Batches larger than LargeBatchThreshold are committed in ChunkSize chunks.
	LargeBatchThreshold int
	ChunkSize           int
	// MaxRecords bounds the store; 0 means unbounded.
	MaxRecords int
	// NotifyBuffer is the capacity of the change notification channel.
	NotifyBuffer int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		LargeBatchThreshold: 5000,
		ChunkSize:           1000,
		NotifyBuffer:        64,
	}
}

// Change tells the read side that commits happened after generation Since,
// up to and including Gen.
type Change struct {
	Since uint64
	Gen   uint64
}

type dirtyEntry struct {
	gen uint64
	id  uuid.UUID
}

// WriteStore is the authoritative record set. Ingest and Clear are
// serialized against each other; reads may run concurrently.
type WriteStore struct {
	indexed

	cfg Config
	log *logrus.Logger

	ingestMu sync.Mutex

	// guarded by indexed.mu
	gen   uint64
	seq   uint64
	dirty []dirtyEntry

	changes chan Change
}

// NewWriteStore creates an empty write store.
func NewWriteStore(cfg Config, log *logrus.Logger) *WriteStore {
	def := DefaultConfig()
	if cfg.LargeBatchThreshold <= 0 {
		cfg.LargeBatchThreshold = def.LargeBatchThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = def.NotifyBuffer
	}
	return &WriteStore{
		indexed: indexed{ix: newIndex()},
		cfg:     cfg,
		log:     log,
		changes: make(chan Change, cfg.NotifyBuffer),
	}
}

// Changes delivers a notification after every commit. Notifications are
// dropped while the channel is full; a full channel already guarantees a
// pending merge that will catch up to the latest generation.
func (ws *WriteStore) Changes() <-chan Change {
	return ws.changes
}

// Generation returns the generation of the last commit or clear.
func (ws *WriteStore) Generation() uint64 {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.gen
}

// Ingest stores a batch and correlates it with itself and with records
// already stored. An empty batch is a no-op. Events whose id is already
// stored are skipped; the rest of the batch is ingested. Errors are logged and
// returned; chunks committed before a failing chunk stay visible.
func (ws *WriteStore) Ingest(batch []event.Event) error {
	if len(batch) == 0 {
		return nil
	}

	ws.ingestMu.Lock()
	defer ws.ingestMu.Unlock()

	fresh, err := ws.admit(batch)
	if err != nil {
		ingestBatches.WithLabelValues("rejected").Inc()
		ws.log.WithError(err).WithField("batch_size", len(batch)).Error("Rejected event batch")
		return err
	}
	batch = fresh
	if len(batch) == 0 {
		ingestBatches.WithLabelValues("ok").Inc()
		return nil
	}

	tokens := sets.New[event.AuditToken]()
	for _, e := range batch {
		if tok := e.OwningToken(); tok != "" {
			tokens.Insert(tok)
		}
	}
	persisted := ws.prefetch(tokens)

	// First pass: materialize, registering every exec/fork by the token it
	// creates. Later events for the same token overwrite earlier ones.
	records := make([]*Record, len(batch))
	inBatch := make(map[event.AuditToken]*Record)
	for i, e := range batch {
		r := &Record{Event: e}
		records[i] = r
		if !e.Kind().CreatesProcess() {
			continue
		}
		if tok := e.TargetToken(); tok != "" {
			inBatch[tok] = r
		}
	}

	// Second pass: in-batch parents take precedence over persisted ones.
	storeParents := make(map[int]*Record)
	batchEdges := 0
	for i, r := range records {
		tok := r.OwningToken()
		if tok == "" {
			continue
		}
		if parent, ok := inBatch[tok]; ok {
			if parent.ID != r.ID {
				parent.Correlated = append(parent.Correlated, r.ID)
				batchEdges++
			}
			continue
		}
		if parent, ok := persisted[tok]; ok && parent.ID != r.ID {
			storeParents[i] = parent
		}
	}
	correlationEdges.WithLabelValues("batch").Add(float64(batchEdges))

	chunk := len(records)
	if len(records) > ws.cfg.LargeBatchThreshold {
		chunk = ws.cfg.ChunkSize
	}
	for lo := 0; lo < len(records); lo += chunk {
		hi := min(lo+chunk, len(records))
		if err := ws.commit(records[lo:hi], lo, storeParents); err != nil {
			result := "failed"
			if lo > 0 {
				result = "partial"
			}
			ingestBatches.WithLabelValues(result).Inc()
			ws.log.WithError(err).WithFields(logrus.Fields{
				"batch_size": len(records),
				"committed":  lo,
			}).Error("Failed to commit event batch")
			return fmt.Errorf("commit events %d-%d: %w", lo, hi, err)
		}
	}

	ingestBatches.WithLabelValues("ok").Inc()
	ws.log.WithFields(logrus.Fields{
		"batch_size":  len(records),
		"batch_edges": batchEdges,
		"store_edges": len(storeParents),
	}).Debug("Ingested event batch")
	return nil
}

// admit checks the batch preconditions and returns the events not yet
// stored. A nil or repeated id rejects the whole batch; an id that is
// already stored only drops that event.
func (ws *WriteStore) admit(batch []event.Event) ([]event.Event, error) {
	seen := sets.New[uuid.UUID]()
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	fresh := batch[:0:0]
	for i, e := range batch {
		if e.ID == uuid.Nil {
			return nil, fmt.Errorf("%w: event %d has no id", ErrMalformedBatch, i)
		}
		if seen.Has(e.ID) {
			return nil, fmt.Errorf("%w: duplicate id %s in batch", ErrMalformedBatch, e.ID)
		}
		seen.Insert(e.ID)
		if _, ok := ws.ix.byID[e.ID]; ok {
			eventsSkipped.WithLabelValues("already_stored").Inc()
			ws.log.WithField("event_id", e.ID).Warn("Skipping event already stored")
			continue
		}
		fresh = append(fresh, e)
	}
	return fresh, nil
}

// prefetch returns, per token, the most recently committed exec or fork
// record that created it.
func (ws *WriteStore) prefetch(tokens sets.Set[event.AuditToken]) map[event.AuditToken]*Record {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make(map[event.AuditToken]*Record, tokens.Len())
	for tok := range tokens {
		for _, candidates := range [][]*Record{ws.ix.execByTarget[tok], ws.ix.forkByChild[tok]} {
			for _, r := range candidates {
				if cur, ok := out[tok]; !ok || r.seq > cur.seq {
					out[tok] = r
				}
			}
		}
	}
	return out
}

// commit makes one chunk visible atomically and attaches the edges from
// persisted parents to children in the chunk.
func (ws *WriteStore) commit(chunk []*Record, offset int, storeParents map[int]*Record) error {
	ws.mu.Lock()
	if limit := ws.cfg.MaxRecords; limit > 0 && len(ws.ix.byID)+len(chunk) > limit {
		held := len(ws.ix.byID)
		ws.mu.Unlock()
		return fmt.Errorf("%w: %d records held, limit %d", ErrStoreFull, held, limit)
	}
	since := ws.gen
	ws.gen++
	edges := 0
	for i, r := range chunk {
		ws.seq++
		r.seq = ws.seq
		ws.ix.insert(r)
		ws.dirty = append(ws.dirty, dirtyEntry{gen: ws.gen, id: r.ID})
		if parent, ok := storeParents[offset+i]; ok {
			parent.Correlated = append(parent.Correlated, r.ID)
			ws.dirty = append(ws.dirty, dirtyEntry{gen: ws.gen, id: parent.ID})
			edges++
		}
	}
	change := Change{Since: since, Gen: ws.gen}
	held := len(ws.ix.byID)
	ws.mu.Unlock()

	for _, r := range chunk {
		eventsIngested.WithLabelValues(r.Kind().String()).Inc()
	}
	correlationEdges.WithLabelValues("store").Add(float64(edges))
	storeRecords.Set(float64(held))
	ws.notify(change)
	return nil
}

func (ws *WriteStore) notify(c Change) {
	select {
	case ws.changes <- c:
	default:
		ws.log.WithField("gen", c.Gen).Debug("Change channel full, merge already pending")
	}
}

// Delta returns copies of every record created or given new edges after
// generation since, together with the current generation.
func (ws *WriteStore) Delta(since uint64) ([]Record, uint64) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	start := sort.Search(len(ws.dirty), func(i int) bool { return ws.dirty[i].gen > since })
	seen := sets.New[uuid.UUID]()
	var out []Record
	for _, d := range ws.dirty[start:] {
		if seen.Has(d.id) {
			continue
		}
		seen.Insert(d.id)
		if r, ok := ws.ix.byID[d.id]; ok {
			out = append(out, r.clone())
		}
	}
	return out, ws.gen
}

// trim forgets change tracking up to and including generation upTo.
func (ws *WriteStore) trim(upTo uint64) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := sort.Search(len(ws.dirty), func(i int) bool { return ws.dirty[i].gen > upTo })
	ws.dirty = append(ws.dirty[:0:0], ws.dirty[n:]...)
}

// Clear deletes every record. It waits for an in-flight batch to finish and
// returns the generation of the clear.
func (ws *WriteStore) Clear() uint64 {
	ws.ingestMu.Lock()
	defer ws.ingestMu.Unlock()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.ix = newIndex()
	ws.dirty = nil
	ws.gen++
	storeRecords.Set(0)
	return ws.gen
}
