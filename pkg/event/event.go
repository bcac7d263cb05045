// Package event defines the typed security event records handled by the
// lineage store, and the decode boundary producers hand raw events through.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event is an immutable security event record.
type Event struct {
	ID       uuid.UUID
	MachTime uint64
	Process  *Process
	Payload  Payload
}

// Kind returns the payload kind, KindUnknown when there is no payload.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// OwningToken is the audit token of the process that produced the event.
func (e Event) OwningToken() AuditToken {
	return e.Process.Token()
}

// TargetToken is the audit token an exec or fork event brings into being,
// or "" for every other kind.
func (e Event) TargetToken() AuditToken {
	switch p := e.Payload.(type) {
	case Exec:
		return p.Target.Token()
	case Fork:
		return p.Child.Token()
	}
	return ""
}

// Target returns the process created by an exec or fork event.
func (e Event) Target() *Process {
	switch p := e.Payload.(type) {
	case Exec:
		return p.Target
	case Fork:
		return p.Child
	}
	return nil
}

// Summary returns the display context and target path of the event.
func (e Event) Summary() (context, targetPath string) {
	return Describe(e.Payload)
}

// Envelope is the inbound JSON shape producers use to hand over events.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	MachTime  uint64          `json:"mach_time"`
	Process   *Process        `json:"process,omitempty"`
	EventType string          `json:"event_type"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// FromEnvelope decodes an envelope into an Event. A missing id is assigned
// a fresh one; a malformed id is an error.
func FromEnvelope(env Envelope) (Event, error) {
	id := uuid.New()
	if env.ID != "" {
		parsed, err := uuid.Parse(env.ID)
		if err != nil {
			return Event{}, fmt.Errorf("parse event id %q: %w", env.ID, err)
		}
		id = parsed
	}
	p, _, _, _ := Decode(RawEvent{Type: env.EventType, Data: env.Event})
	return Event{
		ID:       id,
		MachTime: env.MachTime,
		Process:  env.Process,
		Payload:  p,
	}, nil
}

type eventJSON struct {
	ID         string   `json:"id,omitempty"`
	EventType  string   `json:"event_type"`
	MachTime   uint64   `json:"mach_time"`
	Process    *Process `json:"process,omitempty"`
	Context    string   `json:"context,omitempty"`
	TargetPath string   `json:"target_path,omitempty"`
	Event      Payload  `json:"event"`
}

// MarshalJSON serializes the record. The id is only written for kinds
// that are Identified.
func (e Event) MarshalJSON() ([]byte, error) {
	ctx, target := e.Summary()
	out := eventJSON{
		EventType:  e.Kind().String(),
		MachTime:   e.MachTime,
		Process:    e.Process,
		Context:    ctx,
		TargetPath: target,
		Event:      e.Payload,
	}
	if e.Kind().Identified() {
		out.ID = e.ID.String()
	}
	return json.Marshal(out)
}
