package event

// Kind identifies one variant of the closed set of event payloads.
type Kind int

const (
	KindUnknown Kind = iota
	KindExec
	KindFork
	KindExit
	KindSignal
	KindCreate
	KindRename
	KindOpen
	KindWrite
	KindClose
	KindUnlink
	KindLink
	KindDup
	KindTruncate
	KindMount
	KindUnmount
	KindSetExtAttr
	KindDeleteExtAttr
	KindSetMode
	KindSetOwner
	KindChdir
	KindSetUID
	KindSetGID
	KindKextLoad
	KindMProtect
	KindMMap
	KindPtrace
	KindGetTask
	KindRemoteThreadCreate
	KindPtyGrant
	KindSessionLogin
	KindSessionLogout
	KindSessionLock
	KindSessionUnlock
	KindOpenSSHLogin
	KindAuthorizationPetition
	KindAuthorizationJudgement
	KindXPCConnect
	KindODCreateUser
	KindODDeleteUser
	KindODModifyPassword
	KindODGroupAdd
	KindODGroupRemove
	KindCSInvalidated

	kindCount
)

var kindNames = [kindCount]string{
	KindUnknown:                "unknown",
	KindExec:                   "exec",
	KindFork:                   "fork",
	KindExit:                   "exit",
	KindSignal:                 "signal",
	KindCreate:                 "create",
	KindRename:                 "rename",
	KindOpen:                   "open",
	KindWrite:                  "write",
	KindClose:                  "close",
	KindUnlink:                 "unlink",
	KindLink:                   "link",
	KindDup:                    "dup",
	KindTruncate:               "truncate",
	KindMount:                  "mount",
	KindUnmount:                "unmount",
	KindSetExtAttr:             "setextattr",
	KindDeleteExtAttr:          "deleteextattr",
	KindSetMode:                "setmode",
	KindSetOwner:               "setowner",
	KindChdir:                  "chdir",
	KindSetUID:                 "setuid",
	KindSetGID:                 "setgid",
	KindKextLoad:               "kextload",
	KindMProtect:               "mprotect",
	KindMMap:                   "mmap",
	KindPtrace:                 "ptrace",
	KindGetTask:                "get_task",
	KindRemoteThreadCreate:     "remote_thread_create",
	KindPtyGrant:               "pty_grant",
	KindSessionLogin:           "lw_session_login",
	KindSessionLogout:          "lw_session_logout",
	KindSessionLock:            "lw_session_lock",
	KindSessionUnlock:          "lw_session_unlock",
	KindOpenSSHLogin:           "openssh_login",
	KindAuthorizationPetition:  "authorization_petition",
	KindAuthorizationJudgement: "authorization_judgement",
	KindXPCConnect:             "xpc_connect",
	KindODCreateUser:           "od_create_user",
	KindODDeleteUser:           "od_delete_user",
	KindODModifyPassword:       "od_modify_password",
	KindODGroupAdd:             "od_group_add",
	KindODGroupRemove:          "od_group_remove",
	KindCSInvalidated:          "cs_invalidated",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		m[kindNames[k]] = k
	}
	return m
}()

// String returns the wire name of the kind.
func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ParseKind maps a wire name to its kind. Unrecognized names map to KindUnknown.
func ParseKind(name string) Kind {
	if k, ok := kindsByName[name]; ok {
		return k
	}
	return KindUnknown
}

// Kinds returns every recognized kind, KindUnknown excluded.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindUnknown + 1; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Identified reports whether records of this kind carry their id when
// serialized. Only process lifecycle kinds do.
func (k Kind) Identified() bool {
	switch k {
	case KindExec, KindFork, KindExit, KindSignal:
		return true
	}
	return false
}

// CreatesProcess reports whether the kind names a target/child audit token.
func (k Kind) CreatesProcess() bool {
	return k == KindExec || k == KindFork
}
