package mounts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/kinshell/kinshell/pkg/types"
)

// ExtraMountDir is where validated additional mounts appear in a sandbox.
const ExtraMountDir = "/workspace/extra"

var (
	ErrResolve        = errors.New("path cannot be resolved")
	ErrBlocked        = errors.New("path matches a blocked pattern")
	ErrNotAllowed     = errors.New("path is not under an allowed root for this tier")
	ErrReadOnly       = errors.New("write access requested but only read-only is granted")
	ErrContainerPath  = errors.New("invalid container path")
	ErrAllowlistInUse = errors.New("mount would expose the allowlist")
)

// Rejection records why a requested mount was refused.
type Rejection struct {
	Requested types.AdditionalMount
	Err       error
}

func (r Rejection) Error() string {
	return fmt.Sprintf("%s: %v", r.Requested.HostPath, r.Err)
}

type matcher struct {
	pattern string
	glob    glob.Glob // nil for substring patterns
}

func (m matcher) match(lowerPath string) bool {
	if m.glob != nil {
		return m.glob.Match(lowerPath)
	}
	return strings.Contains(lowerPath, m.pattern)
}

type resolvedRoot struct {
	path   string
	access map[types.Tier]Access
}

// Validator vets requested extra mounts against the allowlist.
type Validator struct {
	roots    []resolvedRoot
	matchers []matcher
	// allowlist holds the allowlist path as configured and as resolved.
	allowlist []string
	logger    *slog.Logger
}

type Options struct {
	Allowlist *Allowlist
	// AllowlistPath is refused as, or as a parent of, any mount source.
	AllowlistPath string
	Logger        *slog.Logger
}

func NewValidator(opts Options) (*Validator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	al := opts.Allowlist
	if al == nil {
		al = &Allowlist{Missing: true}
	}
	v := &Validator{logger: logger}
	if opts.AllowlistPath != "" {
		if abs, err := filepath.Abs(expandHome(opts.AllowlistPath)); err == nil {
			v.allowlist = append(v.allowlist, abs)
			if real, err := filepath.EvalSymlinks(abs); err == nil && real != abs {
				v.allowlist = append(v.allowlist, real)
			}
		}
	}

	seen := map[string]bool{}
	for _, p := range append(append([]string{}, DefaultBlockedPatterns...), al.BlockedPatterns...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		m := matcher{pattern: p}
		if strings.ContainsAny(p, "*?[{") {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("blocked pattern %q: %w", p, err)
			}
			m.glob = g
		}
		v.matchers = append(v.matchers, m)
	}

	for _, root := range al.AllowedRoots {
		real, err := resolve(root.Path)
		if err != nil {
			logger.Warn("mount allowlist: skipping unresolvable root", "path", root.Path, "error", err)
			continue
		}
		v.roots = append(v.roots, resolvedRoot{path: real, access: root.Access})
	}
	if al.Missing {
		logger.Warn("mount allowlist not found; additional mounts are disabled")
	}
	return v, nil
}

// Blocked reports the first blocked pattern matching path, if any.
func (v *Validator) Blocked(p string) (string, bool) {
	lower := strings.ToLower(p)
	for _, m := range v.matchers {
		if m.match(lower) {
			return m.pattern, true
		}
	}
	return "", false
}

// CheckPath resolves p through symlinks and applies the blocklist. It is
// used for system paths such as vaults that do not need an allowlist entry.
func (v *Validator) CheckPath(p string) (string, error) {
	real, err := resolve(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if pat, blocked := v.Blocked(real); blocked {
		return "", fmt.Errorf("%w (%q): %s", ErrBlocked, pat, real)
	}
	if v.exposesAllowlist(real) {
		return "", ErrAllowlistInUse
	}
	return real, nil
}

// Validate returns the vetted mounts for a group and the rejected requests.
// Resolution happens before any check so a symlink cannot smuggle a
// blocked target past the pattern match.
func (v *Validator) Validate(requested []types.AdditionalMount, group string, tier types.Tier) ([]types.Mount, []Rejection) {
	var out []types.Mount
	var rejected []Rejection
	for _, req := range requested {
		m, err := v.validateOne(req, tier)
		if err != nil {
			v.logger.Warn("mount rejected", "group", group, "tier", tier, "host_path", req.HostPath, "error", err)
			rejected = append(rejected, Rejection{Requested: req, Err: err})
			continue
		}
		out = append(out, m)
	}
	return out, rejected
}

func (v *Validator) validateOne(req types.AdditionalMount, tier types.Tier) (types.Mount, error) {
	real, err := v.CheckPath(req.HostPath)
	if err != nil {
		return types.Mount{}, err
	}

	root, ok := v.rootFor(real)
	if !ok {
		return types.Mount{}, ErrNotAllowed
	}
	access, ok := root.access[tier]
	if !ok || tier == types.TierStranger {
		return types.Mount{}, ErrNotAllowed
	}
	readonly := true
	if req.WantsWrite() {
		if access != AccessReadWrite {
			return types.Mount{}, ErrReadOnly
		}
		readonly = false
	}

	cp, err := containerPath(req, real)
	if err != nil {
		return types.Mount{}, err
	}
	return types.Mount{HostPath: real, ContainerPath: cp, Readonly: readonly}, nil
}

func (v *Validator) rootFor(real string) (resolvedRoot, bool) {
	var best resolvedRoot
	found := false
	for _, r := range v.roots {
		if within(r.path, real) && (!found || len(r.path) > len(best.path)) {
			best, found = r, true
		}
	}
	return best, found
}

func (v *Validator) exposesAllowlist(real string) bool {
	for _, al := range v.allowlist {
		if within(real, al) {
			return true
		}
	}
	return false
}

// Exposes reports whether mounting host path p would make the allowlist
// visible inside a sandbox. It applies to every system mount, not only to
// requested ones.
func (v *Validator) Exposes(p string) bool {
	if v == nil || len(v.allowlist) == 0 {
		return false
	}
	abs, err := filepath.Abs(expandHome(p))
	if err != nil {
		return true
	}
	if v.exposesAllowlist(abs) {
		return true
	}
	real, err := filepath.EvalSymlinks(abs)
	return err == nil && v.exposesAllowlist(real)
}

func containerPath(req types.AdditionalMount, real string) (string, error) {
	name := req.ContainerPath
	if name == "" {
		name = filepath.Base(real)
	}
	if strings.HasPrefix(name, "/") || strings.ContainsAny(name, ":,\x00") {
		return "", fmt.Errorf("%w: %q", ErrContainerPath, name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrContainerPath, name)
	}
	return path.Join(ExtraMountDir, clean), nil
}

// within reports whether p equals root or lies beneath it.
func within(root, p string) bool {
	if p == root || root == "/" {
		return true
	}
	return strings.HasPrefix(p, root+string(os.PathSeparator))
}

func resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(expandHome(p))
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
