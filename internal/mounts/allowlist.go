package mounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kinshell/kinshell/pkg/types"
	"github.com/tidwall/jsonc"
)

// Access is the permission an allowlist entry grants to a tier.
type Access string

const (
	AccessReadOnly  Access = "ro"
	AccessReadWrite Access = "rw"
)

// Allowlist is the host-only file naming which host paths may be mounted.
// It is never mounted into a sandbox.
type Allowlist struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`

	// Missing is set when the file did not exist.
	Missing bool `json:"-"`
}

type AllowedRoot struct {
	Path        string                `json:"path"`
	Access      map[types.Tier]Access `json:"access"`
	Description string                `json:"description,omitempty"`
}

// DefaultBlockedPatterns are always enforced in addition to the file's own.
var DefaultBlockedPatterns = []string{
	".ssh",
	".gnupg",
	".gpg",
	".aws",
	".azure",
	".gcloud",
	".kube",
	".docker",
	"credentials",
	".env",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_ed25519",
	"private_key",
	".secret",
}

// ParseAllowlist decodes an allowlist. Comments and trailing commas are
// accepted.
func ParseAllowlist(data []byte) (*Allowlist, error) {
	var al Allowlist
	if err := json.Unmarshal(jsonc.ToJSON(data), &al); err != nil {
		return nil, fmt.Errorf("parsing mount allowlist: %w", err)
	}
	for i, root := range al.AllowedRoots {
		if root.Path == "" {
			return nil, fmt.Errorf("allowedRoots[%d]: path is required", i)
		}
		for tier, access := range root.Access {
			if !tier.IsValid() || tier == types.TierStranger {
				return nil, fmt.Errorf("allowedRoots[%d]: invalid tier %q", i, tier)
			}
			if access != AccessReadOnly && access != AccessReadWrite {
				return nil, fmt.Errorf("allowedRoots[%d]: invalid access %q for %s", i, access, tier)
			}
		}
	}
	return &al, nil
}

// LoadAllowlist reads the allowlist at path. A missing file yields an empty
// allowlist with Missing set, which permits no extra mounts.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{Missing: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{Missing: true}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	al, err := ParseAllowlist(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return al, nil
}
