package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMergeDebounce is the coalescing window for change notifications.
const DefaultMergeDebounce = 100 * time.Millisecond

// Syncer propagates write store commits to a read view. Notifications
// arriving within the debounce window of each other collapse into a single
// merge.
type Syncer struct {
	ws     *WriteStore
	view   *ReadView
	window time.Duration
	log    *logrus.Logger

	// mergeMu makes merges and clears atomic with respect to each other.
	mergeMu sync.Mutex
	merges  atomic.Int64
}

// NewSyncer creates a syncer from ws into view.
func NewSyncer(ws *WriteStore, view *ReadView, window time.Duration, log *logrus.Logger) *Syncer {
	if window <= 0 {
		window = DefaultMergeDebounce
	}
	return &Syncer{ws: ws, view: view, window: window, log: log}
}

// Run consumes change notifications until ctx is done. Only the latest
// pending notification is kept; each new one re-arms the timer.
func (s *Syncer) Run(ctx context.Context) {
	timer := time.NewTimer(s.window)
	stopTimer(timer)
	defer stopTimer(timer)

	var pending *Change
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.ws.Changes():
			pending = &c
			stopTimer(timer)
			timer.Reset(s.window)
		case <-timer.C:
			if pending == nil {
				continue
			}
			s.log.WithFields(logrus.Fields{"since": pending.Since, "gen": pending.Gen}).Debug("Merging into read view")
			pending = nil
			s.merge()
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Flush merges outstanding changes immediately.
func (s *Syncer) Flush() {
	s.merge()
}

func (s *Syncer) merge() {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	delta, gen := s.ws.Delta(s.view.Generation())
	s.view.apply(delta, gen)
	s.ws.trim(gen)
	s.merges.Add(1)
	viewMerges.Inc()
	s.log.WithFields(logrus.Fields{"records": len(delta), "gen": gen}).Debug("Read view merged")
}

// Merges returns how many merges have been applied.
func (s *Syncer) Merges() int64 {
	return s.merges.Load()
}

// Clear empties the write store and the read view. It returns once both
// reflect the deletion.
func (s *Syncer) Clear() {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	gen := s.ws.Clear()
	s.view.reset(gen)
	s.log.WithField("gen", gen).Info("Event store cleared")
}
