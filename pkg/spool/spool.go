// Package spool ingests events that producers drop into a directory as
// JSON-lines files of event envelopes.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/lineage-store/pkg/event"
)

const fileSuffix = ".jsonl"

// Ingester accepts a batch of events.
type Ingester interface {
	Ingest(batch []event.Event) error
}

// Watcher tails *.jsonl files in a directory. Each read of new complete
// lines from one file becomes one ingestion batch.
type Watcher struct {
	dir     string
	log     *logrus.Logger
	sink    Ingester
	watcher *fsnotify.Watcher

	cursors map[string]cursor
	mu      sync.Mutex
}

// cursor marks the first unread line of a file.
type cursor struct {
	offset int64
	line   int
}

// New creates a Watcher on dir.
func New(dir string, sink Ingester, log *logrus.Logger) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat spool dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("spool path %s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		dir:     dir,
		log:     log,
		sink:    sink,
		watcher: watcher,
		cursors: make(map[string]cursor),
	}, nil
}

// Scan reads every spool file already present in the directory.
func (w *Watcher) Scan() {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*"+fileSuffix))
	if err != nil {
		w.log.WithError(err).Warn("Failed to list spool directory")
		return
	}
	for _, path := range matches {
		if _, err := w.readFile(path); err != nil {
			w.log.WithError(err).WithField("path", path).Warn("Failed to read spool file")
		}
	}
}

// Start scans existing files and then follows the directory until ctx ends.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("dir", w.dir).Info("Starting spool watcher")
	defer w.watcher.Close()

	w.Scan()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Spool watcher stopping")
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, fileSuffix) {
		return
	}

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		delete(w.cursors, ev.Name)
		w.mu.Unlock()

	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if _, err := w.readFile(ev.Name); err != nil {
			w.log.WithError(err).WithField("path", ev.Name).Warn("Failed to read spool file")
		}
	}
}

// readFile ingests the complete lines appended to path since the last read
// and returns how many events were handed to the ingester. A trailing
// partial line is left for the next read.
func (w *Watcher) readFile(path string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	cur := w.cursors[path]
	if info.Size() < cur.offset {
		// truncated; start over
		cur = cursor{}
	}
	if _, err := f.Seek(cur.offset, io.SeekStart); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		w.cursors[path] = cur
		return 0, nil
	}
	complete := data[:end+1]
	w.cursors[path] = cursor{
		offset: cur.offset + int64(len(complete)),
		line:   cur.line + bytes.Count(complete, []byte{'\n'}),
	}

	batch := w.decodeLines(path, complete, cur.line)
	if len(batch) == 0 {
		return 0, nil
	}
	if err := w.sink.Ingest(batch); err != nil {
		return 0, fmt.Errorf("ingest %d events from %s: %w", len(batch), filepath.Base(path), err)
	}
	w.log.WithFields(logrus.Fields{
		"path":   path,
		"events": len(batch),
	}).Debug("Ingested spool batch")
	return len(batch), nil
}

// decodeLines decodes data whose first line is line first+1 of path.
func (w *Watcher) decodeLines(path string, data []byte, first int) []event.Event {
	var batch []event.Event
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		lineNo := first + i + 1
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env event.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"path": path, "line": lineNo}).Warn("Skipping malformed spool line")
			continue
		}
		ev, err := event.FromEnvelope(env)
		if err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"path": path, "line": lineNo}).Warn("Skipping spool line")
			continue
		}
		batch = append(batch, ev)
	}
	return batch
}
