// Package lineage answers lineage questions over stored events: parent
// resolution, process and session groups, and ancestor chains.
package lineage

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/lineage-store/pkg/event"
	"github.com/invisible-tech/lineage-store/pkg/store"
)

// DefaultMaxDepth bounds ancestor walks.
const DefaultMaxDepth = 1024

// Source is the record set queries run against. Both store.ReadView and
// store.WriteStore satisfy it.
type Source interface {
	Get(id uuid.UUID) (store.Record, bool)
	ExecsByTarget(tok event.AuditToken) []store.Record
	ForksByChild(tok event.AuditToken) []store.Record
	ExecsByGroup(gid int32) []store.Record
	ExecsBySession(sid int32) []store.Record
}

// Engine runs lineage queries.
type Engine struct {
	src      Source
	maxDepth int
	log      *logrus.Logger
}

// New creates an engine over src. maxDepth <= 0 selects DefaultMaxDepth.
func New(src Source, maxDepth int, log *logrus.Logger) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{src: src, maxDepth: maxDepth, log: log}
}

// Get looks a record up by id. A miss is not an error.
func (e *Engine) Get(id uuid.UUID) (store.Record, bool) {
	return e.src.Get(id)
}

// Parent resolves the event that created the process owning rec: an exec
// targeting its token, else a fork whose child it is. The earliest stored
// match wins.
func (e *Engine) Parent(rec store.Record) (store.Record, bool) {
	tok := rec.OwningToken()
	if tok == "" {
		return store.Record{}, false
	}
	if execs := e.src.ExecsByTarget(tok); len(execs) > 0 {
		return execs[0], true
	}
	if forks := e.src.ForksByChild(tok); len(forks) > 0 {
		return forks[0], true
	}
	return store.Record{}, false
}

// ProcessGroup returns the exec records sharing rec's process group,
// newest first.
func (e *Engine) ProcessGroup(rec store.Record) []store.Record {
	gid, ok := store.GroupKey(rec.Event)
	if !ok {
		return nil
	}
	return newestFirst(e.src.ExecsByGroup(gid))
}

// SessionGroup returns the exec records sharing rec's session, newest
// first.
func (e *Engine) SessionGroup(rec store.Record) []store.Record {
	sid, ok := store.SessionKey(rec.Event)
	if !ok {
		return nil
	}
	return newestFirst(e.src.ExecsBySession(sid))
}

// ProcessTree returns the ancestors of rec, nearest first. The walk stops
// at the first record without a resolvable parent, at a record already
// visited, or after the configured depth.
func (e *Engine) ProcessTree(rec store.Record) []store.Record {
	var chain []store.Record
	visited := sets.New[uuid.UUID](rec.ID)
	cur := rec
	for len(chain) < e.maxDepth {
		parent, ok := e.Parent(cur)
		if !ok {
			return chain
		}
		if visited.Has(parent.ID) {
			e.log.WithFields(logrus.Fields{
				"event_id":  rec.ID,
				"parent_id": parent.ID,
				"depth":     len(chain),
			}).Warn("Cycle in process lineage, stopping walk")
			return chain
		}
		visited.Insert(parent.ID)
		chain = append(chain, parent)
		cur = parent
	}
	e.log.WithFields(logrus.Fields{"event_id": rec.ID, "max_depth": e.maxDepth}).Warn("Process lineage exceeds max depth, truncated")
	return chain
}

func newestFirst(rs []store.Record) []store.Record {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].MachTime != rs[j].MachTime {
			return rs[i].MachTime > rs[j].MachTime
		}
		return bytes.Compare(rs[i].ID[:], rs[j].ID[:]) < 0
	})
	return rs
}
