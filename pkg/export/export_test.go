package export

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/lineage-store/pkg/event"
	"github.com/invisible-tech/lineage-store/pkg/store"
)

func execAt(mt uint64) event.Event {
	return event.Event{
		ID:       uuid.New(),
		MachTime: mt,
		Process:  &event.Process{AuditToken: "parent"},
		Payload:  event.Exec{Target: &event.Process{AuditToken: event.AuditToken(uuid.NewString())}},
	}
}

func newExporter(t *testing.T, batch ...event.Event) *Exporter {
	t.Helper()
	log := logrus.New()
	ws := store.NewWriteStore(store.Config{}, log)
	require.NoError(t, ws.Ingest(batch))
	return New(ws, 2, log)
}

func decodeLines(t *testing.T, content []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(content, []byte("\n")) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", FormatJSONLines},
		{"jsonl", FormatJSONLines},
		{"NDJSON", FormatJSONLines},
		{"pretty", FormatPretty},
		{" json ", FormatPretty},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "ParseFormat(%q)", tt.in)
	}
	_, err := ParseFormat("xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestSelected_SortsAndSkipsMissing(t *testing.T) {
	a, b, c := execAt(3), execAt(1), execAt(2)
	x := newExporter(t, a, b, c)

	content := x.Selected(context.Background(), []uuid.UUID{a.ID, uuid.New(), b.ID, c.ID}, FormatJSONLines)
	lines := decodeLines(t, content)
	require.Len(t, lines, 3)
	assert.Equal(t, b.ID.String(), lines[0]["id"])
	assert.Equal(t, c.ID.String(), lines[1]["id"])
	assert.Equal(t, a.ID.String(), lines[2]["id"])
}

func TestSelected_DuplicateIDsExportOnce(t *testing.T) {
	a := execAt(1)
	x := newExporter(t, a)
	lines := decodeLines(t, x.Selected(context.Background(), []uuid.UUID{a.ID, a.ID}, FormatJSONLines))
	assert.Len(t, lines, 1)
}

func TestSelected_NothingFound(t *testing.T) {
	x := newExporter(t, execAt(1))
	assert.Empty(t, x.Selected(context.Background(), []uuid.UUID{uuid.New()}, FormatJSONLines))
	assert.Empty(t, x.Selected(context.Background(), nil, FormatJSONLines))
}

func TestAll_Pretty(t *testing.T) {
	x := newExporter(t, execAt(1), execAt(2))
	content := x.All(FormatPretty)
	assert.Contains(t, string(content), "\n  \"event_type\": \"exec\"")

	var count int
	dec := json.NewDecoder(bytes.NewReader(content))
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		count++
	}
	assert.Equal(t, 2, count)
}

func TestExportSelected_WritesFile(t *testing.T) {
	a, b := execAt(2), execAt(1)
	x := newExporter(t, a, b)
	path := filepath.Join(t.TempDir(), "selection.jsonl")

	require.NoError(t, x.ExportSelected(context.Background(), []uuid.UUID{a.ID, b.ID}, FormatJSONLines, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, data)
	require.Len(t, lines, 2)
	assert.Equal(t, b.ID.String(), lines[0]["id"])
}

func TestExportSelected_EmptyWritesNothing(t *testing.T) {
	x := newExporter(t, execAt(1))
	path := filepath.Join(t.TempDir(), "none.jsonl")
	require.NoError(t, x.ExportSelected(context.Background(), []uuid.UUID{uuid.New()}, FormatJSONLines, path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestExportAll_WriteFailure(t *testing.T) {
	x := newExporter(t, execAt(1))
	path := filepath.Join(t.TempDir(), "missing-dir", "all.jsonl")
	assert.Error(t, x.ExportAll(FormatJSONLines, path))
}
