// Package procscan is a reference producer that derives process lifecycle
// events by periodically scanning a Linux procfs.
package procscan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/lineage-store/pkg/event"
)

// Ingester accepts a batch of events.
type Ingester interface {
	Ingest(batch []event.Event) error
}

// Config for process scanning
type Config struct {
	Root         string
	ScanInterval time.Duration
}

// ProcessInfo holds what one scan learned about a running process
type ProcessInfo struct {
	PID        int
	PPID       int
	PGRP       int
	Session    int
	Name       string
	Exe        string
	Cmdline    []string
	RUID, EUID uint32
	RGID, EGID uint32
	StartTicks uint64
}

// Token returns the audit token derived from the process identity.
func (p *ProcessInfo) Token() event.AuditToken {
	return event.MakeAuditToken(p.auditFields())
}

func (p *ProcessInfo) auditFields() event.AuditFields {
	return event.AuditFields{
		PID:        int32(p.PID),
		PIDVersion: int32(p.StartTicks),
		EUID:       p.EUID,
		EGID:       p.EGID,
		RUID:       p.RUID,
		RGID:       p.RGID,
		ASID:       int32(p.Session),
		AUID:       p.RUID,
	}
}

// Descriptor converts the process into the event model's descriptor. The
// start time in clock ticks serves as pid version, so a reused pid gets a
// new token.
func (p *ProcessInfo) Descriptor(parent event.AuditToken) *event.Process {
	fields := p.auditFields()
	return &event.Process{
		AuditToken:  event.MakeAuditToken(fields),
		PID:         fields.PID,
		PIDVersion:  fields.PIDVersion,
		UID:         p.EUID,
		GID:         p.EGID,
		GroupID:     int32(p.PGRP),
		SessionID:   int32(p.Session),
		Executable:  p.Exe,
		ParentToken: parent,
	}
}

// Scanner diffs successive procfs scans into exec, fork and exit events.
type Scanner struct {
	cfg  Config
	log  *logrus.Logger
	sink Ingester

	knownProcs map[int]*ProcessInfo
	mu         sync.Mutex

	bootTime time.Time
	now      func() time.Time
}

// New creates a new Scanner
func New(cfg Config, sink Ingester, log *logrus.Logger) *Scanner {
	if cfg.Root == "" {
		cfg.Root = "/proc"
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	return &Scanner{
		cfg:        cfg,
		log:        log,
		sink:       sink,
		knownProcs: make(map[int]*ProcessInfo),
		bootTime:   getBootTime(cfg.Root),
		now:        time.Now,
	}
}

// Start scans immediately and then every ScanInterval until ctx ends.
func (s *Scanner) Start(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"root":     s.cfg.Root,
		"interval": s.cfg.ScanInterval,
	}).Info("Starting process scanner")

	wait.UntilWithContext(ctx, func(context.Context) {
		if _, err := s.Scan(); err != nil {
			s.log.WithError(err).Warn("Process scan failed")
		}
	}, s.cfg.ScanInterval)

	s.log.Info("Process scanner stopping")
}

// Scan performs one pass and ingests the resulting events as one batch.
// It returns the number of events ingested.
func (s *Scanner) Scan() (int, error) {
	batch, err := s.diff()
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := s.sink.Ingest(batch); err != nil {
		return 0, fmt.Errorf("ingest scan batch: %w", err)
	}
	s.log.WithField("events", len(batch)).Debug("Ingested process scan")
	return len(batch), nil
}

func (s *Scanner) diff() ([]event.Event, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.cfg.Root, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[int]*ProcessInfo, len(entries))
	var fresh []*ProcessInfo
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		proc, err := s.getProcessInfo(pid)
		if err != nil {
			continue // Process may have exited
		}
		if known, ok := s.knownProcs[pid]; ok && known.StartTicks == proc.StartTicks {
			current[pid] = known
			continue
		}
		current[pid] = proc
		fresh = append(fresh, proc)
	}

	var batch []event.Event
	for pid, proc := range s.knownProcs {
		// a reused pid shows up in current under a different start time
		if cur, ok := current[pid]; ok && cur == proc {
			continue
		}
		batch = append(batch, event.Event{
			ID:       uuid.New(),
			MachTime: uint64(s.now().UnixNano()),
			Process:  proc.Descriptor(parentToken(proc, current)),
			Payload:  event.Exit{},
		})
	}

	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].StartTicks != fresh[j].StartTicks {
			return fresh[i].StartTicks < fresh[j].StartTicks
		}
		return fresh[i].PID < fresh[j].PID
	})
	for _, proc := range fresh {
		if ev, ok := s.creationEvent(proc, current); ok {
			batch = append(batch, ev)
		}
	}

	s.knownProcs = current
	return batch, nil
}

// creationEvent builds the event that introduced proc, owned by its parent.
// A process whose executable differs from its parent's was exec'd; otherwise
// it is a fork. Processes whose parent is unknown (pid 1, kernel threads)
// produce nothing.
func (s *Scanner) creationEvent(proc *ProcessInfo, current map[int]*ProcessInfo) (event.Event, bool) {
	parent, ok := current[proc.PPID]
	if !ok {
		return event.Event{}, false
	}
	owner := parent.Descriptor(parentToken(parent, current))
	child := proc.Descriptor(owner.AuditToken)

	var payload event.Payload
	if proc.Exe != "" && proc.Exe != parent.Exe {
		payload = event.Exec{Target: child, Args: proc.Cmdline}
	} else {
		payload = event.Fork{Child: child}
	}
	return event.Event{
		ID:       uuid.New(),
		MachTime: s.machTime(proc.StartTicks),
		Process:  owner,
		Payload:  payload,
	}, true
}

func parentToken(proc *ProcessInfo, current map[int]*ProcessInfo) event.AuditToken {
	parent, ok := current[proc.PPID]
	if !ok {
		return ""
	}
	return parent.Token()
}

// machTime converts a start time in clock ticks (USER_HZ = 100) to
// nanoseconds since the epoch.
func (s *Scanner) machTime(ticks uint64) uint64 {
	return uint64(s.bootTime.Add(time.Duration(ticks) * time.Second / 100).UnixNano())
}

// getProcessInfo reads process information from procfs
func (s *Scanner) getProcessInfo(pid int) (*ProcessInfo, error) {
	procPath := filepath.Join(s.cfg.Root, strconv.Itoa(pid))

	statBytes, err := os.ReadFile(filepath.Join(procPath, "stat"))
	if err != nil {
		return nil, err
	}
	st, err := parseStatFile(string(statBytes))
	if err != nil {
		return nil, err
	}

	cmdlineBytes, _ := os.ReadFile(filepath.Join(procPath, "cmdline"))
	var cmdline []string
	if trimmed := strings.TrimRight(string(cmdlineBytes), "\x00"); trimmed != "" {
		cmdline = strings.Split(trimmed, "\x00")
	}

	// Read exe (symlink to actual executable); unreadable for kernel threads
	exe, _ := os.Readlink(filepath.Join(procPath, "exe"))

	info := &ProcessInfo{
		PID:        pid,
		PPID:       st.ppid,
		PGRP:       st.pgrp,
		Session:    st.session,
		Name:       st.name,
		Exe:        exe,
		Cmdline:    cmdline,
		StartTicks: st.startTicks,
	}
	info.RUID, info.EUID = readIDs(filepath.Join(procPath, "status"), "Uid:")
	info.RGID, info.EGID = readIDs(filepath.Join(procPath, "status"), "Gid:")
	return info, nil
}

type statFields struct {
	name       string
	ppid       int
	pgrp       int
	session    int
	startTicks uint64
}

// parseStatFile extracts name, ppid, pgrp, session and start time from
// /proc/[pid]/stat
func parseStatFile(stat string) (statFields, error) {
	var st statFields
	// Format: pid (comm) state ppid pgrp session ...
	start := strings.Index(stat, "(")
	end := strings.LastIndex(stat, ")")
	if start == -1 || end == -1 || end+2 > len(stat) {
		return st, fmt.Errorf("malformed stat line")
	}
	st.name = stat[start+1 : end]
	fields := strings.Fields(stat[end+2:])
	if len(fields) < 20 {
		return st, fmt.Errorf("stat has %d fields after comm, want at least 20", len(fields))
	}
	st.ppid, _ = strconv.Atoi(fields[1])
	st.pgrp, _ = strconv.Atoi(fields[2])
	st.session, _ = strconv.Atoi(fields[3])
	// Field 22 is starttime in clock ticks
	st.startTicks, _ = strconv.ParseUint(fields[19], 10, 64)
	return st, nil
}

// readIDs returns the real and effective ids from the status line with prefix.
func readIDs(statusPath, prefix string) (real, effective uint32) {
	data, err := os.ReadFile(statusPath)
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			r, _ := strconv.ParseUint(fields[1], 10, 32)
			e, _ := strconv.ParseUint(fields[2], 10, 32)
			return uint32(r), uint32(e)
		}
	}
	return 0, 0
}

// getBootTime returns system boot time
func getBootTime(root string) time.Time {
	data, err := os.ReadFile(filepath.Join(root, "stat"))
	if err != nil {
		return time.Unix(0, 0)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				btime, _ := strconv.ParseInt(fields[1], 10, 64)
				return time.Unix(btime, 0)
			}
		}
	}
	return time.Unix(0, 0)
}
