package types

import (
	"github.com/invisible-tech/lineage-store/pkg/event"
)

// IngestRequest is the body of POST /api/v1/events.
type IngestRequest struct {
	Events []event.Envelope `json:"events"`
}

// IngestResponse reports how many events were accepted.
type IngestResponse struct {
	Accepted int  `json:"accepted"`
	Queued   bool `json:"queued,omitempty"`
}

// LineageResponse answers tree, group and session queries.
type LineageResponse struct {
	Record  RecordView   `json:"record"`
	Related []RecordView `json:"related"`
}

// ExportRequest selects records for export. Empty IDs exports everything.
// When File is set the export is written under the export directory
// instead of returned.
type ExportRequest struct {
	IDs    []string `json:"ids,omitempty"`
	Format string   `json:"format,omitempty"`
	File   string   `json:"file,omitempty"`
}

// ExportResponse is returned for file and forward exports.
type ExportResponse struct {
	Path  string `json:"path,omitempty"`
	Bytes int    `json:"bytes"`
}

// StatsResponse summarizes the store and its producers.
type StatsResponse struct {
	Records          int    `json:"records"`
	ViewRecords      int    `json:"view_records"`
	Generation       uint64 `json:"generation"`
	ViewGeneration   uint64 `json:"view_generation"`
	Merges           int64  `json:"merges"`
	CollectorSent    int64  `json:"collector_sent"`
	CollectorDropped int64  `json:"collector_dropped"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}
