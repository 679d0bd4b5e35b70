package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kinshell/kinshell/internal/mounts"
	"github.com/kinshell/kinshell/pkg/types"
)

// Container-side locations of the standard mounts.
const (
	ContainerProjectDir = "/workspace/project"
	ContainerGroupDir   = "/workspace/group"
	ContainerGlobalDir  = "/workspace/global"
	ContainerPrivate    = "/workspace/vaults/private"
	ContainerShared     = "/workspace/vaults/shared"
	ContainerIPCDir     = "/workspace/ipc"
	ContainerEnvDir     = "/workspace/env"
	ContainerSessionDir = "/home/agent/.claude"
)

// IPC subdirectories inside each group's namespace.
const (
	IPCMessagesDir  = "messages"
	IPCTasksDir     = "tasks"
	IPCResponsesDir = "responses"
)

var ErrInvalidFolder = errors.New("invalid group folder")

// Layout names the host directories a sandbox is assembled from.
type Layout struct {
	ProjectRoot  string
	GroupsDir    string
	GlobalDir    string
	SessionsDir  string
	IPCDir       string
	EnvDir       string
	PrivateVault string // empty when disabled
	SharedVault  string // empty when disabled
}

// SessionKey is the session directory name for a tier. Owner and family
// share one session each across groups; friends get one per group.
func SessionKey(tier types.Tier, folder string) string {
	switch tier {
	case types.TierOwner:
		return "owner"
	case types.TierFamily:
		return "family"
	default:
		return "friend-" + folder
	}
}

// Composer assembles the mount set for an invocation.
type Composer struct {
	layout    Layout
	validator *mounts.Validator
	env       *EnvWriter
	logger    *slog.Logger
}

func NewComposer(layout Layout, validator *mounts.Validator, env *EnvWriter, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{layout: layout, validator: validator, env: env, logger: logger}
}

// Compose returns the mounts for group running at tier. Strangers never
// reach this point; they are treated as friends if they do.
func (c *Composer) Compose(group types.Group, tier types.Tier) ([]types.Mount, error) {
	if !types.ValidFolder(group.Folder) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFolder, group.Folder)
	}
	groupDir := filepath.Join(c.layout.GroupsDir, group.Folder)
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create group dir: %w", err)
	}

	var out []types.Mount
	switch tier {
	case types.TierOwner:
		if c.layout.ProjectRoot != "" {
			out = append(out, types.Mount{HostPath: c.layout.ProjectRoot, ContainerPath: ContainerProjectDir})
		}
		out = c.appendVault(out, c.layout.PrivateVault, ContainerPrivate, group.Folder)
		out = c.appendVault(out, c.layout.SharedVault, ContainerShared, group.Folder)
		out = append(out, types.Mount{HostPath: groupDir, ContainerPath: ContainerGroupDir})
	case types.TierFamily:
		out = c.appendVault(out, c.layout.SharedVault, ContainerShared, group.Folder)
		out = append(out, types.Mount{HostPath: groupDir, ContainerPath: ContainerGroupDir})
		out = c.appendGlobal(out)
	default:
		out = append(out, types.Mount{HostPath: groupDir, ContainerPath: ContainerGroupDir})
		out = c.appendGlobal(out)
	}

	sessionDir := filepath.Join(c.layout.SessionsDir, SessionKey(tier, group.Folder))
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	out = append(out, types.Mount{HostPath: sessionDir, ContainerPath: ContainerSessionDir})

	ipcDir, err := EnsureIPCNamespace(c.layout.IPCDir, group.Folder)
	if err != nil {
		return nil, err
	}
	out = append(out, types.Mount{HostPath: ipcDir, ContainerPath: ContainerIPCDir})

	if c.env != nil {
		envDir, err := c.env.Write(filepath.Join(c.layout.EnvDir, group.Folder))
		if err != nil {
			return nil, err
		}
		out = append(out, types.Mount{HostPath: envDir, ContainerPath: ContainerEnvDir, Readonly: true})
	}

	for _, m := range out {
		if c.validator.Exposes(m.HostPath) {
			return nil, fmt.Errorf("%w: %s contains the mount allowlist", mounts.ErrAllowlistInUse, m.HostPath)
		}
	}

	if group.ContainerConfig != nil && len(group.ContainerConfig.AdditionalMounts) > 0 && c.validator != nil {
		extra, _ := c.validator.Validate(group.ContainerConfig.AdditionalMounts, group.Folder, tier)
		out = append(out, extra...)
	}
	return out, nil
}

func (c *Composer) appendVault(out []types.Mount, hostPath, containerPath, folder string) []types.Mount {
	if hostPath == "" {
		return out
	}
	if c.validator != nil {
		real, err := c.validator.CheckPath(hostPath)
		if err != nil {
			c.logger.Warn("vault not mounted", "group", folder, "vault", containerPath, "error", err)
			return out
		}
		hostPath = real
	} else if _, err := os.Stat(hostPath); err != nil {
		c.logger.Warn("vault not mounted", "group", folder, "vault", containerPath, "error", err)
		return out
	}
	return append(out, types.Mount{HostPath: hostPath, ContainerPath: containerPath})
}

func (c *Composer) appendGlobal(out []types.Mount) []types.Mount {
	if c.layout.GlobalDir == "" {
		return out
	}
	if st, err := os.Stat(c.layout.GlobalDir); err != nil || !st.IsDir() {
		return out
	}
	return append(out, types.Mount{HostPath: c.layout.GlobalDir, ContainerPath: ContainerGlobalDir, Readonly: true})
}

// EnsureIPCNamespace creates the IPC directories for folder and returns
// the namespace root.
func EnsureIPCNamespace(ipcRoot, folder string) (string, error) {
	ns := filepath.Join(ipcRoot, folder)
	for _, sub := range []string{IPCMessagesDir, IPCTasksDir, IPCResponsesDir} {
		if err := os.MkdirAll(filepath.Join(ns, sub), 0o755); err != nil {
			return "", fmt.Errorf("create ipc dir: %w", err)
		}
	}
	return ns, nil
}
