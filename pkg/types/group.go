package types

import "time"

// MainGroupFolder is the folder name reserved for the main group.
const MainGroupFolder = "main"

// Group is a registered principal group. Folder is the namespace identity
// used for filesystem isolation and command-channel routing.
type Group struct {
	ChannelID       string           `json:"channel_id"`
	Name            string           `json:"name"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger"`
	ContextTier     *Tier            `json:"context_tier,omitempty"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
	AddedAt         time.Time        `json:"added_at"`
}

// IsMain reports whether g is the main group.
func (g Group) IsMain() bool { return g.Folder == MainGroupFolder }

// SourceTier is the tier a group acts with when it issues commands or runs
// without a human sender. The main group defaults to owner, others to friend.
func (g Group) SourceTier() Tier {
	if g.ContextTier != nil && g.ContextTier.IsValid() {
		return *g.ContextTier
	}
	if g.IsMain() {
		return TierOwner
	}
	return TierFriend
}

// ContainerConfig holds per-group sandbox overrides.
type ContainerConfig struct {
	AdditionalMounts []AdditionalMount `json:"additional_mounts,omitempty"`
	// Timeout overrides the default sandbox timeout when > 0.
	Timeout Duration `json:"timeout,omitempty"`
}

// AdditionalMount is an extra mount requested by group configuration.
type AdditionalMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path,omitempty"`
	// Readonly defaults to true when unset.
	Readonly *bool `json:"readonly,omitempty"`
}

// WantsWrite reports whether the mount asks for write access.
func (m AdditionalMount) WantsWrite() bool {
	return m.Readonly != nil && !*m.Readonly
}

// Chat is channel metadata as last seen from the transport.
type Chat struct {
	ChannelID       string    `json:"channel_id"`
	Name            string    `json:"name"`
	IsGroup         bool      `json:"is_group"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// ValidFolder reports whether name is usable as a group folder: lowercase
// letters, digits, '-' and '_', starting with a letter or digit.
func ValidFolder(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '_') && i > 0:
		default:
			return false
		}
	}
	return name != "global" && name != "errors"
}
