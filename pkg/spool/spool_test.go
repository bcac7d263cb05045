package spool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/lineage-store/pkg/event"
)

type fakeIngester struct {
	mu      sync.Mutex
	batches [][]event.Event
}

func (f *fakeIngester) Ingest(batch []event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeIngester) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

const (
	execLine  = `{"id":"6f1c1b9e-8a0e-4c39-9b5e-3c1a2f4d5e6f","mach_time":10,"process":{"audit_token":"1:1:0:0:0:0:1:0","pid":1},"event_type":"exec","event":{"target":{"audit_token":"2:1:0:0:0:0:1:0","pid":2}}}`
	closeLine = `{"mach_time":11,"process":{"audit_token":"2:1:0:0:0:0:1:0","pid":2},"event_type":"close","event":{"path":"/etc/hosts"}}`
)

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestNew_RejectsMissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), &fakeIngester{}, quietLogger())
	assert.Error(t, err)
}

func TestReadFile_Incremental(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeIngester{}
	w, err := New(dir, sink, quietLogger())
	require.NoError(t, err)
	defer w.watcher.Close()

	path := filepath.Join(dir, "events.jsonl")
	appendFile(t, path, execLine+"\n"+closeLine[:20])

	n, err := w.readFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "partial trailing line is deferred")

	appendFile(t, path, closeLine[20:]+"\n")
	n, err = w.readFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, sink.batches, 2)
	assert.Equal(t, event.KindExec, sink.batches[0][0].Kind())
	assert.Equal(t, event.KindClose, sink.batches[1][0].Kind())
	_, target := sink.batches[1][0].Summary()
	assert.Equal(t, "/etc/hosts", target)

	n, err = w.readFile(path)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new to read")
}

func TestReadFile_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeIngester{}
	w, err := New(dir, sink, quietLogger())
	require.NoError(t, err)
	defer w.watcher.Close()

	path := filepath.Join(dir, "bad.jsonl")
	appendFile(t, path, "not json\n"+`{"id":"nope","event_type":"exit"}`+"\n"+closeLine+"\n")

	n, err := w.readFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReadFile_Truncation(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeIngester{}
	w, err := New(dir, sink, quietLogger())
	require.NoError(t, err)
	defer w.watcher.Close()

	path := filepath.Join(dir, "t.jsonl")
	appendFile(t, path, closeLine+"\n"+closeLine+"\n")
	_, err = w.readFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(closeLine+"\n"), 0o644))
	n, err := w.readFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, sink.total())
}

func TestScan_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	appendFile(t, filepath.Join(dir, "a.jsonl"), closeLine+"\n")
	appendFile(t, filepath.Join(dir, "b.txt"), closeLine+"\n")

	sink := &fakeIngester{}
	w, err := New(dir, sink, quietLogger())
	require.NoError(t, err)
	defer w.watcher.Close()

	w.Scan()
	assert.Equal(t, 1, sink.total())
}

func TestStart_FollowsNewFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeIngester{}
	w, err := New(dir, sink, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	appendFile(t, filepath.Join(dir, "live.jsonl"), execLine+"\n"+closeLine+"\n")

	err = wait.PollUntilContextTimeout(ctx, 20*time.Millisecond, 5*time.Second, true, func(context.Context) (bool, error) {
		return sink.total() == 2, nil
	})
	require.NoError(t, err)
}

func TestReadFile_MalformedLineNumbersCountFromFileStart(t *testing.T) {
	dir := t.TempDir()
	log, hook := logtest.NewNullLogger()
	w, err := New(dir, &fakeIngester{}, log)
	require.NoError(t, err)
	defer w.watcher.Close()

	path := filepath.Join(dir, "events.jsonl")
	appendFile(t, path, closeLine+"\n{not json\n")
	_, err = w.readFile(path)
	require.NoError(t, err)

	appendFile(t, path, closeLine+"\n{still not json\n")
	_, err = w.readFile(path)
	require.NoError(t, err)

	var lines []interface{}
	for _, e := range hook.AllEntries() {
		if e.Message == "Skipping malformed spool line" {
			lines = append(lines, e.Data["line"])
		}
	}
	assert.Equal(t, []interface{}{2, 4}, lines)
}
