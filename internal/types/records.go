// Package types defines the request and response shapes of the lineage
// HTTP API.
package types

import (
	"github.com/google/uuid"

	"github.com/invisible-tech/lineage-store/pkg/event"
	"github.com/invisible-tech/lineage-store/pkg/store"
)

// RecordView is the API representation of a stored event. Unlike the
// export encoding it always carries the id, so clients can follow up with
// lineage queries for any kind.
type RecordView struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	MachTime   uint64         `json:"mach_time"`
	Context    string         `json:"context,omitempty"`
	TargetPath string         `json:"target_path,omitempty"`
	Process    *event.Process `json:"process,omitempty"`
	Target     *event.Process `json:"target,omitempty"`
	Correlated []string       `json:"correlated,omitempty"`
}

// NewRecordView converts a stored record.
func NewRecordView(r store.Record) RecordView {
	ctx, target := r.Summary()
	v := RecordView{
		ID:         r.ID.String(),
		EventType:  r.Kind().String(),
		MachTime:   r.MachTime,
		Context:    ctx,
		TargetPath: target,
		Process:    r.Process,
		Target:     r.Target(),
	}
	for _, id := range r.Correlated {
		v.Correlated = append(v.Correlated, id.String())
	}
	return v
}

// NewRecordViews converts records, preserving order.
func NewRecordViews(rs []store.Record) []RecordView {
	out := make([]RecordView, 0, len(rs))
	for _, r := range rs {
		out = append(out, NewRecordView(r))
	}
	return out
}

// ParseIDs parses a list of textual event ids.
func ParseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
