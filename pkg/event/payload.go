package event

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Payload is the kind-specific part of an event. The set of implementations
// is closed: new kinds are added here and in the decoder table.
type Payload interface {
	Kind() Kind
	// describe returns the display context and the target path.
	describe() (context, target string)
}

type Exec struct {
	Target *Process `json:"target"`
	Args   []string `json:"args,omitempty"`
	Cwd    string   `json:"cwd,omitempty"`
	Script string   `json:"script,omitempty"`
}

func (Exec) Kind() Kind { return KindExec }
func (e Exec) describe() (string, string) {
	return strings.Join(e.Args, " "), e.Target.executable()
}

type Fork struct {
	Child *Process `json:"child"`
}

func (Fork) Kind() Kind { return KindFork }
func (e Fork) describe() (string, string) {
	return fmt.Sprintf("pid %d", e.Child.pid()), e.Child.executable()
}

type Exit struct {
	Status int `json:"status"`
}

func (Exit) Kind() Kind                   { return KindExit }
func (e Exit) describe() (string, string) { return fmt.Sprintf("status %d", e.Status), "" }

type Signal struct {
	Signal int      `json:"sig"`
	Target *Process `json:"target"`
}

func (Signal) Kind() Kind { return KindSignal }
func (e Signal) describe() (string, string) {
	return fmt.Sprintf("%s → %d", signalName(e.Signal), e.Target.pid()), e.Target.executable()
}

type Create struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode,omitempty"`
}

func (Create) Kind() Kind                   { return KindCreate }
func (e Create) describe() (string, string) { return "", e.Path }

type Rename struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (Rename) Kind() Kind { return KindRename }
func (e Rename) describe() (string, string) {
	return filepath.Base(e.Source) + " → " + filepath.Base(e.Destination), e.Destination
}

type Open struct {
	Path  string `json:"path"`
	Flags int    `json:"fflag"`
}

func (Open) Kind() Kind                   { return KindOpen }
func (e Open) describe() (string, string) { return openFlags(e.Flags), e.Path }

type Write struct {
	Path string `json:"path"`
}

func (Write) Kind() Kind                   { return KindWrite }
func (e Write) describe() (string, string) { return "", e.Path }

type Close struct {
	Path     string `json:"path"`
	Modified bool   `json:"modified"`
}

func (Close) Kind() Kind { return KindClose }
func (e Close) describe() (string, string) {
	if e.Modified {
		return "modified", e.Path
	}
	return "", e.Path
}

type Unlink struct {
	Path string `json:"path"`
}

func (Unlink) Kind() Kind                   { return KindUnlink }
func (e Unlink) describe() (string, string) { return "", e.Path }

type Link struct {
	Source     string `json:"source"`
	TargetDir  string `json:"target_dir"`
	TargetName string `json:"target_filename"`
}

func (Link) Kind() Kind { return KindLink }
func (e Link) describe() (string, string) {
	dst := filepath.Join(e.TargetDir, e.TargetName)
	return filepath.Base(e.Source) + " → " + e.TargetName, dst
}

type Dup struct {
	Path string `json:"path"`
}

func (Dup) Kind() Kind                   { return KindDup }
func (e Dup) describe() (string, string) { return "", e.Path }

type Truncate struct {
	Path string `json:"path"`
}

func (Truncate) Kind() Kind                   { return KindTruncate }
func (e Truncate) describe() (string, string) { return "", e.Path }

type Mount struct {
	Source   string `json:"source"`
	MountDir string `json:"mount_dir"`
	FSType   string `json:"fs_type,omitempty"`
}

func (Mount) Kind() Kind                   { return KindMount }
func (e Mount) describe() (string, string) { return e.MountDir, e.MountDir }

type Unmount struct {
	MountDir string `json:"mount_dir"`
}

func (Unmount) Kind() Kind                   { return KindUnmount }
func (e Unmount) describe() (string, string) { return e.MountDir, e.MountDir }

type SetExtAttr struct {
	Path string `json:"path"`
	Name string `json:"extattr"`
}

func (SetExtAttr) Kind() Kind                   { return KindSetExtAttr }
func (e SetExtAttr) describe() (string, string) { return e.Name, e.Path }

type DeleteExtAttr struct {
	Path string `json:"path"`
	Name string `json:"extattr"`
}

func (DeleteExtAttr) Kind() Kind                   { return KindDeleteExtAttr }
func (e DeleteExtAttr) describe() (string, string) { return e.Name, e.Path }

type SetMode struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

func (SetMode) Kind() Kind                   { return KindSetMode }
func (e SetMode) describe() (string, string) { return fmt.Sprintf("%#o", e.Mode), e.Path }

type SetOwner struct {
	Path string `json:"path"`
	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
}

func (SetOwner) Kind() Kind                   { return KindSetOwner }
func (e SetOwner) describe() (string, string) { return fmt.Sprintf("%d:%d", e.UID, e.GID), e.Path }

type Chdir struct {
	Path string `json:"path"`
}

func (Chdir) Kind() Kind                   { return KindChdir }
func (e Chdir) describe() (string, string) { return "", e.Path }

type SetUID struct {
	UID uint32 `json:"uid"`
}

func (SetUID) Kind() Kind                   { return KindSetUID }
func (e SetUID) describe() (string, string) { return fmt.Sprintf("uid %d", e.UID), "" }

type SetGID struct {
	GID uint32 `json:"gid"`
}

func (SetGID) Kind() Kind                   { return KindSetGID }
func (e SetGID) describe() (string, string) { return fmt.Sprintf("gid %d", e.GID), "" }

type KextLoad struct {
	Identifier string `json:"identifier"`
}

func (KextLoad) Kind() Kind                   { return KindKextLoad }
func (e KextLoad) describe() (string, string) { return e.Identifier, "" }

type MProtect struct {
	Address    uint64 `json:"address"`
	Size       uint64 `json:"size"`
	Protection int    `json:"protection"`
}

func (MProtect) Kind() Kind { return KindMProtect }
func (e MProtect) describe() (string, string) {
	return fmt.Sprintf("%#x+%d %s", e.Address, e.Size, protString(e.Protection)), ""
}

type MMap struct {
	Path       string `json:"path"`
	Protection int    `json:"protection"`
	Flags      int    `json:"flags"`
}

func (MMap) Kind() Kind                   { return KindMMap }
func (e MMap) describe() (string, string) { return protString(e.Protection), e.Path }

type Ptrace struct {
	Target *Process `json:"target"`
}

func (Ptrace) Kind() Kind { return KindPtrace }
func (e Ptrace) describe() (string, string) {
	return fmt.Sprintf("pid %d", e.Target.pid()), e.Target.executable()
}

type GetTask struct {
	Target *Process `json:"target"`
	Type   string   `json:"type,omitempty"`
}

func (GetTask) Kind() Kind { return KindGetTask }
func (e GetTask) describe() (string, string) {
	return fmt.Sprintf("pid %d", e.Target.pid()), e.Target.executable()
}

type RemoteThreadCreate struct {
	Target *Process `json:"target"`
}

func (RemoteThreadCreate) Kind() Kind { return KindRemoteThreadCreate }
func (e RemoteThreadCreate) describe() (string, string) {
	return fmt.Sprintf("pid %d", e.Target.pid()), e.Target.executable()
}

type PtyGrant struct {
	Device uint64 `json:"dev"`
}

func (PtyGrant) Kind() Kind                   { return KindPtyGrant }
func (e PtyGrant) describe() (string, string) { return fmt.Sprintf("dev %d", e.Device), "" }

// LoginWindow session transitions share one field layout.
type loginWindowSession struct {
	Username           string `json:"username"`
	GraphicalSessionID uint32 `json:"graphical_session_id"`
}

type SessionLogin loginWindowSession

func (SessionLogin) Kind() Kind                   { return KindSessionLogin }
func (e SessionLogin) describe() (string, string) { return e.Username, "" }

type SessionLogout loginWindowSession

func (SessionLogout) Kind() Kind                   { return KindSessionLogout }
func (e SessionLogout) describe() (string, string) { return e.Username, "" }

type SessionLock loginWindowSession

func (SessionLock) Kind() Kind                   { return KindSessionLock }
func (e SessionLock) describe() (string, string) { return e.Username, "" }

type SessionUnlock loginWindowSession

func (SessionUnlock) Kind() Kind                   { return KindSessionUnlock }
func (e SessionUnlock) describe() (string, string) { return e.Username, "" }

type OpenSSHLogin struct {
	Username      string `json:"username"`
	SourceAddress string `json:"source_address"`
	Success       bool   `json:"success"`
}

func (OpenSSHLogin) Kind() Kind { return KindOpenSSHLogin }
func (e OpenSSHLogin) describe() (string, string) {
	ctx := e.Username + "@" + e.SourceAddress
	if !e.Success {
		ctx += " (failed)"
	}
	return ctx, ""
}

type AuthorizationPetition struct {
	Instigator *Process `json:"instigator,omitempty"`
	Petitioner *Process `json:"petitioner,omitempty"`
	Flags      uint32   `json:"flags"`
	Rights     []string `json:"rights"`
}

func (AuthorizationPetition) Kind() Kind { return KindAuthorizationPetition }
func (e AuthorizationPetition) describe() (string, string) {
	return strings.Join(e.Rights, ", "), e.Petitioner.executable()
}

type AuthorizationResult struct {
	Right   string `json:"right_name"`
	Granted bool   `json:"granted"`
}

type AuthorizationJudgement struct {
	Instigator *Process              `json:"instigator,omitempty"`
	Petitioner *Process              `json:"petitioner,omitempty"`
	ReturnCode int                   `json:"return_code"`
	Results    []AuthorizationResult `json:"results"`
}

func (AuthorizationJudgement) Kind() Kind { return KindAuthorizationJudgement }
func (e AuthorizationJudgement) describe() (string, string) {
	parts := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		verdict := "denied"
		if r.Granted {
			verdict = "granted"
		}
		parts = append(parts, r.Right+": "+verdict)
	}
	return strings.Join(parts, ", "), e.Petitioner.executable()
}

type XPCConnect struct {
	ServiceName       string `json:"service_name"`
	ServiceDomainType string `json:"service_domain_type,omitempty"`
}

func (XPCConnect) Kind() Kind                   { return KindXPCConnect }
func (e XPCConnect) describe() (string, string) { return e.ServiceName, "" }

type ODCreateUser struct {
	UserName  string `json:"user_name"`
	NodeName  string `json:"node_name"`
	ErrorCode int    `json:"error_code"`
}

func (ODCreateUser) Kind() Kind                   { return KindODCreateUser }
func (e ODCreateUser) describe() (string, string) { return e.UserName, e.NodeName }

type ODDeleteUser struct {
	UserName  string `json:"user_name"`
	NodeName  string `json:"node_name"`
	ErrorCode int    `json:"error_code"`
}

func (ODDeleteUser) Kind() Kind                   { return KindODDeleteUser }
func (e ODDeleteUser) describe() (string, string) { return e.UserName, e.NodeName }

type ODModifyPassword struct {
	AccountName string `json:"account_name"`
	AccountType string `json:"account_type,omitempty"`
	NodeName    string `json:"node_name"`
	ErrorCode   int    `json:"error_code"`
}

func (ODModifyPassword) Kind() Kind                   { return KindODModifyPassword }
func (e ODModifyPassword) describe() (string, string) { return e.AccountName, e.NodeName }

type ODGroupAdd struct {
	GroupName string `json:"group_name"`
	Member    string `json:"member"`
	NodeName  string `json:"node_name"`
	ErrorCode int    `json:"error_code"`
}

func (ODGroupAdd) Kind() Kind { return KindODGroupAdd }
func (e ODGroupAdd) describe() (string, string) {
	return e.Member + " → " + e.GroupName, e.NodeName
}

type ODGroupRemove struct {
	GroupName string `json:"group_name"`
	Member    string `json:"member"`
	NodeName  string `json:"node_name"`
	ErrorCode int    `json:"error_code"`
}

func (ODGroupRemove) Kind() Kind { return KindODGroupRemove }
func (e ODGroupRemove) describe() (string, string) {
	return e.Member + " ← " + e.GroupName, e.NodeName
}

type CSInvalidated struct{}

func (CSInvalidated) Kind() Kind                 { return KindCSInvalidated }
func (CSInvalidated) describe() (string, string) { return "", "" }

// Unknown stands in for any kind this build does not recognize.
type Unknown struct {
	Name string `json:"name,omitempty"`
}

func (Unknown) Kind() Kind                 { return KindUnknown }
func (Unknown) describe() (string, string) { return "", "" }

var signalNames = map[int]string{
	1: "SIGHUP", 2: "SIGINT", 3: "SIGQUIT", 6: "SIGABRT", 9: "SIGKILL",
	14: "SIGALRM", 15: "SIGTERM", 17: "SIGSTOP", 19: "SIGCONT", 30: "SIGUSR1", 31: "SIGUSR2",
}

func signalName(sig int) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", sig)
}

// open(2) fflag bits.
const (
	fRead   = 0x0001
	fWrite  = 0x0002
	fAppend = 0x0008
	fCreat  = 0x0200
	fTrunc  = 0x0400
)

func openFlags(flags int) string {
	var parts []string
	for _, f := range []struct {
		bit  int
		name string
	}{{fRead, "FREAD"}, {fWrite, "FWRITE"}, {fAppend, "O_APPEND"}, {fCreat, "O_CREAT"}, {fTrunc, "O_TRUNC"}} {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

func protString(prot int) string {
	b := []byte("---")
	if prot&0x1 != 0 {
		b[0] = 'r'
	}
	if prot&0x2 != 0 {
		b[1] = 'w'
	}
	if prot&0x4 != 0 {
		b[2] = 'x'
	}
	return string(b)
}
