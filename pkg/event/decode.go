package event

import "encoding/json"

// RawEvent is an undecoded payload as handed over by a producer.
type RawEvent struct {
	Type string          `json:"event_type"`
	Data json.RawMessage `json:"event,omitempty"`
}

type decodeFunc func(data json.RawMessage) (Payload, bool)

func decodeAs[T Payload](data json.RawMessage) (Payload, bool) {
	var p T
	if len(data) == 0 || string(data) == "null" {
		return p, true
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	return p, true
}

var decoders = map[Kind]decodeFunc{
	KindExec:                   decodeAs[Exec],
	KindFork:                   decodeAs[Fork],
	KindExit:                   decodeAs[Exit],
	KindSignal:                 decodeAs[Signal],
	KindCreate:                 decodeAs[Create],
	KindRename:                 decodeAs[Rename],
	KindOpen:                   decodeAs[Open],
	KindWrite:                  decodeAs[Write],
	KindClose:                  decodeAs[Close],
	KindUnlink:                 decodeAs[Unlink],
	KindLink:                   decodeAs[Link],
	KindDup:                    decodeAs[Dup],
	KindTruncate:               decodeAs[Truncate],
	KindMount:                  decodeAs[Mount],
	KindUnmount:                decodeAs[Unmount],
	KindSetExtAttr:             decodeAs[SetExtAttr],
	KindDeleteExtAttr:          decodeAs[DeleteExtAttr],
	KindSetMode:                decodeAs[SetMode],
	KindSetOwner:               decodeAs[SetOwner],
	KindChdir:                  decodeAs[Chdir],
	KindSetUID:                 decodeAs[SetUID],
	KindSetGID:                 decodeAs[SetGID],
	KindKextLoad:               decodeAs[KextLoad],
	KindMProtect:               decodeAs[MProtect],
	KindMMap:                   decodeAs[MMap],
	KindPtrace:                 decodeAs[Ptrace],
	KindGetTask:                decodeAs[GetTask],
	KindRemoteThreadCreate:     decodeAs[RemoteThreadCreate],
	KindPtyGrant:               decodeAs[PtyGrant],
	KindSessionLogin:           decodeAs[SessionLogin],
	KindSessionLogout:          decodeAs[SessionLogout],
	KindSessionLock:            decodeAs[SessionLock],
	KindSessionUnlock:          decodeAs[SessionUnlock],
	KindOpenSSHLogin:           decodeAs[OpenSSHLogin],
	KindAuthorizationPetition:  decodeAs[AuthorizationPetition],
	KindAuthorizationJudgement: decodeAs[AuthorizationJudgement],
	KindXPCConnect:             decodeAs[XPCConnect],
	KindODCreateUser:           decodeAs[ODCreateUser],
	KindODDeleteUser:           decodeAs[ODDeleteUser],
	KindODModifyPassword:       decodeAs[ODModifyPassword],
	KindODGroupAdd:             decodeAs[ODGroupAdd],
	KindODGroupRemove:          decodeAs[ODGroupRemove],
	KindCSInvalidated:          decodeAs[CSInvalidated],
}

// Decode maps a raw event onto its typed payload together with the type
// name, display context and target path. It never fails: unrecognized kinds
// and payloads that do not decode become Unknown with no context.
func Decode(raw RawEvent) (p Payload, typeName, context, targetPath string) {
	dec, ok := decoders[ParseKind(raw.Type)]
	if ok {
		p, ok = dec(raw.Data)
	}
	if !ok {
		return Unknown{Name: raw.Type}, KindUnknown.String(), "", ""
	}
	context, targetPath = p.describe()
	return p, p.Kind().String(), context, targetPath
}

// Describe returns the display context and target path for a payload.
func Describe(p Payload) (context, targetPath string) {
	if p == nil {
		return "", ""
	}
	return p.describe()
}
