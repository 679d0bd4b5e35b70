package ipc

import "github.com/kinshell/kinshell/pkg/types"

// Source is the verified issuer of a command: the registered group whose
// namespace directory the file was found in.
type Source struct {
	Folder string
	Tier   types.Tier
	IsMain bool
}

// SourceFor derives the issuer from the registered group.
func SourceFor(g types.Group) Source {
	return Source{Folder: g.Folder, Tier: g.SourceTier(), IsMain: g.IsMain()}
}

// Action is an authorization class of commands.
type Action int

const (
	ActionSendMessage Action = iota
	ActionManageTask
	ActionAdmin
	ActionListUsers
	ActionGetTier
)

// MayAttempt reports whether src may issue action at all, before any
// target is known.
func MayAttempt(src Source, action Action) bool {
	switch action {
	case ActionSendMessage, ActionGetTier:
		return true
	case ActionManageTask:
		return src.Tier == types.TierOwner || src.Tier == types.TierFamily
	case ActionAdmin:
		return src.Tier == types.TierOwner
	case ActionListUsers:
		return src.Tier == types.TierOwner || src.Tier == types.TierFamily
	default:
		return false
	}
}

// Allowed reports whether src may apply action to a target owned by
// targetFolder. targetFolder must come from the store, never the payload.
func Allowed(src Source, action Action, targetFolder string) bool {
	if !MayAttempt(src, action) {
		return false
	}
	switch action {
	case ActionSendMessage:
		return src.IsMain || targetFolder == src.Folder
	case ActionManageTask:
		return src.Tier == types.TierOwner || targetFolder == src.Folder
	default:
		return true
	}
}
