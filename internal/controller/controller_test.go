package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/lineage-store/internal/config"
	"github.com/invisible-tech/lineage-store/pkg/event"
	"github.com/invisible-tech/lineage-store/pkg/export"
	"github.com/invisible-tech/lineage-store/pkg/forward"
	"github.com/invisible-tech/lineage-store/pkg/store"
)

func testConfig(t *testing.T) config.ServiceConfig {
	return config.ServiceConfig{
		LargeBatchThreshold:    5000,
		ChunkSize:              1000,
		NotifyBuffer:           16,
		MergeDebounce:          20 * time.Millisecond,
		MaxTreeDepth:           64,
		ExportWorkers:          2,
		ExportDir:              t.TempDir(),
		CollectorBatchSize:     10,
		CollectorFlushInterval: 20 * time.Millisecond,
		CollectorBufferSize:    100,
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func proc(pid, group, session int32) *event.Process {
	return &event.Process{
		AuditToken: event.MakeAuditToken(event.AuditFields{PID: pid, PIDVersion: 1}),
		PID:        pid,
		PIDVersion: 1,
		GroupID:    group,
		SessionID:  session,
	}
}

func execEnv(t *testing.T, mach uint64, owner, target *event.Process) (event.Envelope, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	payload, err := json.Marshal(event.Exec{Target: target})
	require.NoError(t, err)
	return event.Envelope{ID: id.String(), MachTime: mach, Process: owner, EventType: "exec", Event: payload}, id
}

func openEnv(mach uint64, owner *event.Process, path string) (event.Envelope, uuid.UUID) {
	id := uuid.New()
	return event.Envelope{
		ID: id.String(), MachTime: mach, Process: owner, EventType: "open",
		Event: json.RawMessage(`{"path":"` + path + `","fflag":1}`),
	}, id
}

// chain ingests launchd(1) -exec-> shell(2) -exec-> tool(3) and an open by tool.
func chain(t *testing.T, c *Controller) (exec1, exec2, open uuid.UUID) {
	launchd, shell, tool := proc(1, 1, 1), proc(2, 2, 2), proc(3, 3, 2)
	e1, exec1 := execEnv(t, 10, launchd, shell)
	e2, exec2 := execEnv(t, 20, shell, tool)
	o, open := openEnv(30, tool, "/etc/passwd")
	n, err := c.Ingest([]event.Envelope{e1, e2, o})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	return exec1, exec2, open
}

func TestNew(t *testing.T) {
	c := New(testConfig(t), quietLogger())
	require.NotNil(t, c)
	assert.Nil(t, c.forwarder, "forwarding is off by default")
}

func TestController_IngestVisibleAfterFlush(t *testing.T) {
	c := New(testConfig(t), quietLogger())
	exec1, _, _ := chain(t, c)

	_, err := c.Get(exec1)
	assert.ErrorIs(t, err, ErrNotFound, "reader sees nothing before a merge")

	c.Flush()
	rec, err := c.Get(exec1)
	require.NoError(t, err)
	assert.Equal(t, event.KindExec, rec.Kind())
	assert.Len(t, rec.Correlated, 1)

	stats := c.Stats()
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 3, stats.ViewRecords)
	assert.Equal(t, stats.Generation, stats.ViewGeneration)
}

func TestController_Queries(t *testing.T) {
	c := New(testConfig(t), quietLogger())
	exec1, exec2, open := chain(t, c)
	c.Flush()

	rec, tree, err := c.Tree(open)
	require.NoError(t, err)
	assert.Equal(t, open, rec.ID)
	require.Len(t, tree, 2)
	assert.Equal(t, exec2, tree[0].ID)
	assert.Equal(t, exec1, tree[1].ID)

	_, group, err := c.Group(exec2)
	require.NoError(t, err)
	require.Len(t, group, 1, "only exec2 targets group 3")
	assert.Equal(t, exec2, group[0].ID)

	_, session, err := c.Session(open)
	require.NoError(t, err)
	require.Len(t, session, 2, "both execs target session 2")
	assert.Equal(t, exec2, session[0].ID, "newest first")
	assert.Equal(t, exec1, session[1].ID)

	_, _, err = c.Tree(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestController_IngestMalformed(t *testing.T) {
	c := New(testConfig(t), quietLogger())
	_, err := c.Ingest([]event.Envelope{{ID: "not-a-uuid", EventType: "exit"}})
	assert.ErrorIs(t, err, store.ErrMalformedBatch)

	env, _ := openEnv(1, proc(1, 1, 1), "/tmp/x")
	_, err = c.Ingest([]event.Envelope{env, env})
	assert.ErrorIs(t, err, store.ErrMalformedBatch, "duplicate id within batch")
	assert.Zero(t, c.Stats().Records)
}

func TestController_ExportAndFile(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, quietLogger())
	exec1, _, open := chain(t, c)

	all := c.Export(context.Background(), nil, export.FormatJSONLines)
	assert.Len(t, strings.Split(string(all), "\n"), 3, "exports read the write store without a merge")

	sel := c.Export(context.Background(), []uuid.UUID{open, exec1}, export.FormatJSONLines)
	lines := strings.Split(string(sel), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"event_type":"exec"`, "ascending by mach time")

	path, n, err := c.ExportFile(context.Background(), []uuid.UUID{open}, export.FormatPretty, "../../escape.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ExportDir, "escape.json"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Contains(t, string(data), "/etc/passwd")

	for _, name := range []string{"/", ".", "..", "a/.."} {
		_, _, err = c.ExportFile(context.Background(), nil, export.FormatJSONLines, name)
		assert.Error(t, err, name)
	}
}

func TestController_ExportFile_NothingMatched(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, quietLogger())
	chain(t, c)

	path, n, err := c.ExportFile(context.Background(), []uuid.UUID{uuid.New()}, export.FormatJSONLines, "none.jsonl")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Zero(t, n)
	_, err = os.Stat(filepath.Join(cfg.ExportDir, "none.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestController_Clear(t *testing.T) {
	c := New(testConfig(t), quietLogger())
	exec1, _, _ := chain(t, c)
	c.Flush()

	c.Clear()
	_, err := c.Get(exec1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, c.Stats().Records)
	assert.Empty(t, c.Export(context.Background(), nil, export.FormatJSONLines))
}

func TestController_ForwardNotConfigured(t *testing.T) {
	c := New(testConfig(t), quietLogger())
	_, err := c.Forward(context.Background(), nil, export.FormatJSONLines)
	assert.ErrorIs(t, err, forward.ErrNotConfigured)
}

func TestController_Forward(t *testing.T) {
	paths := make(chan string, 4)
	var telemetry []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/api/v1/telemetry" {
			telemetry = body
		}
		paths <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.ForwardEnabled = true
	cfg.ForwardEndpoint = server.URL
	cfg.ForwardAPIKey = "k"
	c := New(cfg, quietLogger())
	chain(t, c)

	n, err := c.Forward(context.Background(), nil, export.FormatJSONLines)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, "/api/v1/telemetry", <-paths)
	assert.Equal(t, "/api/v1/stats", <-paths)
	assert.Len(t, telemetry, n)
}

func TestController_StartMergesAndCollects(t *testing.T) {
	cfg := testConfig(t)
	cfg.SpoolDir = t.TempDir()
	c := New(cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	exec1, _, _ := chain(t, c)
	env, queued := openEnv(40, proc(3, 3, 2), "/etc/hosts")
	n, err := c.Enqueue([]event.Envelope{env})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	spooled, spoolID := openEnv(50, proc(3, 3, 2), "/etc/shadow")
	line, err := json.Marshal(spooled)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SpoolDir, "batch.jsonl"), append(line, '\n'), 0o644))

	err = wait.PollUntilContextTimeout(ctx, 10*time.Millisecond, 5*time.Second, true, func(context.Context) (bool, error) {
		return c.Stats().ViewRecords == 5, nil
	})
	require.NoError(t, err, "debounced merges bring every producer's events into the view")

	for _, id := range []uuid.UUID{exec1, queued, spoolID} {
		_, err := c.Get(id)
		assert.NoError(t, err)
	}
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.CollectorSent)
	assert.Positive(t, stats.Merges)
}
