package event

import "fmt"

// AuditToken uniquely names a process instance. It is the correlation key
// between process-creating events and the events their children produce.
type AuditToken string

// AuditFields are the kernel audit subsystem fields a token is derived from.
type AuditFields struct {
	PID        int32
	PIDVersion int32
	EUID       uint32
	EGID       uint32
	RUID       uint32
	RGID       uint32
	ASID       int32
	AUID       uint32
}

// MakeAuditToken renders the audit fields into a token. Equal fields always
// produce equal tokens.
func MakeAuditToken(f AuditFields) AuditToken {
	return AuditToken(fmt.Sprintf("%d:%d:%d:%d:%d:%d:%d:%d",
		f.PID, f.PIDVersion, f.EUID, f.EGID, f.RUID, f.RGID, f.ASID, f.AUID))
}

// Process describes the process owning (or targeted by) an event.
type Process struct {
	AuditToken       AuditToken `json:"audit_token"`
	PID              int32      `json:"pid"`
	PIDVersion       int32      `json:"pidversion"`
	UID              uint32     `json:"uid"`
	GID              uint32     `json:"gid"`
	GroupID          int32      `json:"group_id"`
	SessionID        int32      `json:"session_id"`
	Executable       string     `json:"executable,omitempty"`
	ParentToken      AuditToken `json:"parent_audit_token,omitempty"`
	ResponsibleToken AuditToken `json:"responsible_audit_token,omitempty"`
}

// Token returns the audit token of p, or "" when p is nil.
func (p *Process) Token() AuditToken {
	if p == nil {
		return ""
	}
	return p.AuditToken
}

func (p *Process) executable() string {
	if p == nil {
		return ""
	}
	return p.Executable
}

func (p *Process) pid() int32 {
	if p == nil {
		return 0
	}
	return p.PID
}
