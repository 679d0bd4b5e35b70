package mounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kinshell/kinshell/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

type fixture struct {
	root    string
	outside string
	v       *Validator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "projects")
	outside := filepath.Join(base, "elsewhere")
	for _, d := range []string{
		filepath.Join(root, "app"),
		filepath.Join(root, ".ssh"),
		filepath.Join(root, "keys"),
		outside,
		filepath.Join(outside, ".ssh"),
	} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "keys", "server.pem"), []byte("x"), 0o600))

	al, err := ParseAllowlist([]byte(`{
		// projects are shared with family read-only
		"allowedRoots": [
			{"path": "` + root + `", "access": {"owner": "rw", "family": "ro"}, "description": "code"},
		],
		"blockedPatterns": ["*.pem", "Password"],
	}`))
	require.NoError(t, err)
	v, err := NewValidator(Options{Allowlist: al})
	require.NoError(t, err)
	return fixture{root: root, outside: outside, v: v}
}

func TestValidate_AcceptsAllowedPath(t *testing.T) {
	f := newFixture(t)
	got, rejected := f.v.Validate([]types.AdditionalMount{
		{HostPath: filepath.Join(f.root, "app"), Readonly: boolPtr(false)},
	}, "main", types.TierOwner)
	require.Empty(t, rejected)
	require.Len(t, got, 1)

	want, _ := filepath.EvalSymlinks(filepath.Join(f.root, "app"))
	assert.Equal(t, want, got[0].HostPath)
	assert.Equal(t, "/workspace/extra/app", got[0].ContainerPath)
	assert.False(t, got[0].Readonly)
}

func TestValidate_TierAccess(t *testing.T) {
	f := newFixture(t)
	app := filepath.Join(f.root, "app")

	got, rejected := f.v.Validate([]types.AdditionalMount{{HostPath: app, ContainerPath: "code"}}, "kids", types.TierFamily)
	require.Empty(t, rejected)
	require.Len(t, got, 1)
	assert.True(t, got[0].Readonly, "readonly by default")
	assert.Equal(t, "/workspace/extra/code", got[0].ContainerPath)

	_, rejected = f.v.Validate([]types.AdditionalMount{{HostPath: app, Readonly: boolPtr(false)}}, "kids", types.TierFamily)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0].Err, ErrReadOnly)

	for _, tier := range []types.Tier{types.TierFriend, types.TierStranger} {
		_, rejected = f.v.Validate([]types.AdditionalMount{{HostPath: app}}, "pals", tier)
		require.Len(t, rejected, 1)
		assert.ErrorIs(t, rejected[0].Err, ErrNotAllowed)
	}
}

func TestValidate_RejectsBlockedAndOutside(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		path string
		err  error
	}{
		"blocked dir":     {filepath.Join(f.root, ".ssh"), ErrBlocked},
		"glob pattern":    {filepath.Join(f.root, "keys", "server.pem"), ErrBlocked},
		"outside root":    {f.outside, ErrNotAllowed},
		"missing path":    {filepath.Join(f.root, "ghost"), ErrResolve},
		"dotdot traverse": {filepath.Join(f.root, "..", "elsewhere"), ErrNotAllowed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, rejected := f.v.Validate([]types.AdditionalMount{{HostPath: tc.path}}, "main", types.TierOwner)
			assert.Empty(t, got)
			require.Len(t, rejected, 1)
			assert.ErrorIs(t, rejected[0].Err, tc.err)
		})
	}
}

func TestValidate_SymlinkEscapes(t *testing.T) {
	f := newFixture(t)

	// A link inside the allowed root that points at a blocked directory.
	toBlocked := filepath.Join(f.root, "innocent")
	require.NoError(t, os.Symlink(filepath.Join(f.outside, ".ssh"), toBlocked))
	// A link inside the allowed root that points outside of it.
	toOutside := filepath.Join(f.root, "shortcut")
	require.NoError(t, os.Symlink(f.outside, toOutside))

	_, rejected := f.v.Validate([]types.AdditionalMount{{HostPath: toBlocked}}, "main", types.TierOwner)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0].Err, ErrBlocked)

	_, rejected = f.v.Validate([]types.AdditionalMount{{HostPath: toOutside}}, "main", types.TierOwner)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0].Err, ErrNotAllowed)
}

func TestValidate_ContainerPath(t *testing.T) {
	f := newFixture(t)
	app := filepath.Join(f.root, "app")
	for _, cp := range []string{"/etc", "../escape", "a/../../b", "x:ro", ".."} {
		_, rejected := f.v.Validate([]types.AdditionalMount{{HostPath: app, ContainerPath: cp}}, "main", types.TierOwner)
		require.Len(t, rejected, 1, cp)
		assert.ErrorIs(t, rejected[0].Err, ErrContainerPath, cp)
	}
}

func TestCheckPath_RefusesAllowlistExposure(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "config")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	alPath := filepath.Join(cfgDir, "mount-allowlist.json")
	require.NoError(t, os.WriteFile(alPath, []byte(`{}`), 0o600))

	v, err := NewValidator(Options{Allowlist: &Allowlist{}, AllowlistPath: alPath})
	require.NoError(t, err)
	_, err = v.CheckPath(dir)
	assert.ErrorIs(t, err, ErrAllowlistInUse)
}

func TestExposes(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "keep", "mount-allowlist.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(real), 0o755))
	require.NoError(t, os.WriteFile(real, []byte(`{}`), 0o600))
	project := filepath.Join(dir, "project")
	require.NoError(t, os.MkdirAll(project, 0o755))
	link := filepath.Join(project, "allowlist.json")
	require.NoError(t, os.Symlink(real, link))

	v, err := NewValidator(Options{Allowlist: &Allowlist{}, AllowlistPath: link})
	require.NoError(t, err)
	assert.True(t, v.Exposes(project), "configured path lies inside")
	assert.True(t, v.Exposes(filepath.Join(dir, "keep")), "resolved path lies inside")
	assert.True(t, v.Exposes(dir))
	assert.False(t, v.Exposes(t.TempDir()))

	var none *Validator
	assert.False(t, none.Exposes(project))
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()
	al, err := LoadAllowlist(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.True(t, al.Missing)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"allowedRoots":[{"path":"/x","access":{"owner":"write"}}]}`), 0o600))
	_, err = LoadAllowlist(bad)
	assert.Error(t, err)

	strangerAccess := filepath.Join(dir, "stranger.json")
	require.NoError(t, os.WriteFile(strangerAccess, []byte(`{"allowedRoots":[{"path":"/x","access":{"stranger":"ro"}}]}`), 0o600))
	_, err = LoadAllowlist(strangerAccess)
	assert.Error(t, err)
}

func TestNewValidator_MissingAllowlistAllowsNothing(t *testing.T) {
	v, err := NewValidator(Options{})
	require.NoError(t, err)
	_, rejected := v.Validate([]types.AdditionalMount{{HostPath: t.TempDir()}}, "main", types.TierOwner)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0].Err, ErrNotAllowed)
}
