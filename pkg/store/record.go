package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/invisible-tech/lineage-store/pkg/event"
)

// Record is a stored event plus the ids of the events correlated to it as
// children. Records handed out by the store are copies.
type Record struct {
	event.Event
	Correlated []uuid.UUID

	seq uint64
}

func (r *Record) clone() Record {
	out := *r
	if r.Correlated != nil {
		out.Correlated = append([]uuid.UUID(nil), r.Correlated...)
	}
	return out
}

// GroupKey is the process group a record is indexed under: the exec
// target's group when there is one, else the owning process's group. A fork
// child starts in its parent's group, so forks key on the owner.
func GroupKey(e event.Event) (int32, bool) {
	if t := execTarget(e); t != nil {
		return t.GroupID, true
	}
	if e.Process != nil {
		return e.Process.GroupID, true
	}
	return 0, false
}

// SessionKey is GroupKey for session ids.
func SessionKey(e event.Event) (int32, bool) {
	if t := execTarget(e); t != nil {
		return t.SessionID, true
	}
	if e.Process != nil {
		return e.Process.SessionID, true
	}
	return 0, false
}

func execTarget(e event.Event) *event.Process {
	if x, ok := e.Payload.(event.Exec); ok {
		return x.Target
	}
	return nil
}

type index struct {
	byID          map[uuid.UUID]*Record
	order         []*Record
	execByTarget  map[event.AuditToken][]*Record
	forkByChild   map[event.AuditToken][]*Record
	execByGroup   map[int32][]*Record
	execBySession map[int32][]*Record
}

func newIndex() *index {
	return &index{
		byID:          make(map[uuid.UUID]*Record),
		execByTarget:  make(map[event.AuditToken][]*Record),
		forkByChild:   make(map[event.AuditToken][]*Record),
		execByGroup:   make(map[int32][]*Record),
		execBySession: make(map[int32][]*Record),
	}
}

func (ix *index) insert(r *Record) {
	ix.byID[r.ID] = r
	ix.order = append(ix.order, r)

	switch r.Kind() {
	case event.KindExec:
		if tok := r.TargetToken(); tok != "" {
			ix.execByTarget[tok] = append(ix.execByTarget[tok], r)
		}
		if gid, ok := GroupKey(r.Event); ok {
			ix.execByGroup[gid] = append(ix.execByGroup[gid], r)
		}
		if sid, ok := SessionKey(r.Event); ok {
			ix.execBySession[sid] = append(ix.execBySession[sid], r)
		}
	case event.KindFork:
		if tok := r.TargetToken(); tok != "" {
			ix.forkByChild[tok] = append(ix.forkByChild[tok], r)
		}
	}
}

func snapshot(rs []*Record) []Record {
	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = r.clone()
	}
	return out
}

// indexed carries the read accessors shared by the write store and the
// read view.
type indexed struct {
	mu sync.RWMutex
	ix *index
}

// Get returns the record with the given id.
func (s *indexed) Get(id uuid.UUID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ix.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// ExecsByTarget returns exec records whose target carries tok, oldest first.
func (s *indexed) ExecsByTarget(tok event.AuditToken) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.ix.execByTarget[tok])
}

// ForksByChild returns fork records whose child carries tok, oldest first.
func (s *indexed) ForksByChild(tok event.AuditToken) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.ix.forkByChild[tok])
}

// ExecsByGroup returns exec records keyed under the process group gid.
func (s *indexed) ExecsByGroup(gid int32) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.ix.execByGroup[gid])
}

// ExecsBySession returns exec records keyed under the session sid.
func (s *indexed) ExecsBySession(sid int32) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.ix.execBySession[sid])
}

// All returns every record in insertion order.
func (s *indexed) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.ix.order)
}

// Len returns the number of records held.
func (s *indexed) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ix.byID)
}
