package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinshell/kinshell/pkg/types"
)

type behavior func(in []byte, stdout, stderr io.Writer, killed <-chan struct{}) int

type fakeRuntime struct {
	mu       sync.Mutex
	specs    []Spec
	inputs   []Input
	behave   behavior
	startErr error
}

func (f *fakeRuntime) Name() string                  { return "fake" }
func (f *fakeRuntime) Check(_ context.Context) error { return nil }

func (f *fakeRuntime) Start(_ context.Context, spec Spec, stdout, stderr io.Writer) (Process, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	pr, pw := io.Pipe()
	p := &fakeProcess{stdin: pw, killed: make(chan struct{}), done: make(chan int, 1)}
	go func() {
		raw, _ := io.ReadAll(pr)
		var in Input
		_ = json.Unmarshal(raw, &in)
		f.mu.Lock()
		f.specs = append(f.specs, spec)
		f.inputs = append(f.inputs, in)
		f.mu.Unlock()
		p.done <- f.behave(raw, stdout, stderr, p.killed)
	}()
	return p, nil
}

type fakeProcess struct {
	stdin    io.WriteCloser
	killed   chan struct{}
	killOnce sync.Once
	done     chan int
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Wait() (int, error)    { return <-p.done, nil }
func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func reply(out string) behavior {
	return func(_ []byte, stdout, _ io.Writer, _ <-chan struct{}) int {
		fmt.Fprintf(stdout, "starting agent\n%s\n%s\n%s\n", OutputStartMarker, out, OutputEndMarker)
		return 0
	}
}

type memSessions struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memSessions) GetSession(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *memSessions) SetSession(_ context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = id
	return nil
}

type fixture struct {
	layout   Layout
	rt       *fakeRuntime
	sessions *memSessions
	logsDir  string
	orch     *Orchestrator
}

func newFixture(t *testing.T, b behavior) *fixture {
	t.Helper()
	root := t.TempDir()
	layout := Layout{
		GroupsDir:   filepath.Join(root, "groups"),
		GlobalDir:   filepath.Join(root, "groups", "global"),
		SessionsDir: filepath.Join(root, "sessions"),
		IPCDir:      filepath.Join(root, "ipc"),
		EnvDir:      filepath.Join(root, "env"),
	}
	env := NewEnvWriter([]string{"API_KEY"}, "")
	env.lookup = func(k string) (string, bool) {
		if k == "API_KEY" {
			return "sk-test", true
		}
		return "", false
	}
	f := &fixture{
		layout:   layout,
		rt:       &fakeRuntime{behave: b},
		sessions: &memSessions{m: map[string]string{}},
		logsDir:  filepath.Join(root, "logs"),
	}
	orch, err := New(Options{
		Runtime:  f.rt,
		Composer: NewComposer(layout, nil, env, nil),
		Sessions: f.sessions,
		Image:    "agent:test",
		Timeout:  5 * time.Second,
		LogsDir:  f.logsDir,
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func mainGroup() types.Group {
	return types.Group{ChannelID: "main@chat", Name: "Main", Folder: types.MainGroupFolder}
}

func TestRun_SuccessPersistsSession(t *testing.T) {
	f := newFixture(t, reply(`{"status":"success","result":"hello","newSessionId":"sess-1"}`))
	ctx := context.Background()

	res := f.orch.Run(ctx, Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "hi", ChannelID: "main@chat"})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "hello", res.Text())
	assert.Equal(t, "sess-1", f.sessions.m["owner"])

	res = f.orch.Run(ctx, Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "again"})
	require.True(t, res.OK())
	require.Len(t, f.rt.inputs, 2)
	assert.Empty(t, f.rt.inputs[0].SessionID)
	assert.Equal(t, "sess-1", f.rt.inputs[1].SessionID)
	assert.True(t, f.rt.inputs[1].IsMain)
	assert.Equal(t, types.TierOwner, f.rt.inputs[1].Tier)
	assert.Equal(t, "agent:test", f.rt.specs[0].Image)
}

func TestRun_IsolatedSkipsSession(t *testing.T) {
	f := newFixture(t, reply(`{"status":"success","result":"done","newSessionId":"sess-9"}`))
	f.sessions.m["friend-kids"] = "old"
	g := types.Group{ChannelID: "kids@chat", Folder: "kids"}

	res := f.orch.Run(context.Background(), Request{Group: g, Tier: types.TierFriend, Prompt: "p", Isolated: true, IsScheduledTask: true})
	require.True(t, res.OK())
	assert.Empty(t, f.rt.inputs[0].SessionID)
	assert.True(t, f.rt.inputs[0].IsScheduledTask)
	assert.Equal(t, "old", f.sessions.m["friend-kids"])
}

func TestRun_FailureKinds(t *testing.T) {
	cases := []struct {
		name string
		b    behavior
		kind FailureKind
		msg  string
	}{
		{"nonzero exit", func(_ []byte, _, stderr io.Writer, _ <-chan struct{}) int {
			fmt.Fprint(stderr, "fatal: out of tokens")
			return 3
		}, FailureExit, "out of tokens"},
		{"no sentinel", func(_ []byte, stdout, _ io.Writer, _ <-chan struct{}) int {
			fmt.Fprint(stdout, "I forgot the protocol\n")
			return 0
		}, FailureParse, "parse"},
		{"agent error", reply(`{"status":"error","result":null,"error":"tool crashed"}`), FailureAgent, "tool crashed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.b)
			res := f.orch.Run(context.Background(), Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "x"})
			assert.Equal(t, StatusError, res.Status)
			assert.Equal(t, tc.kind, res.Failure)
			assert.Contains(t, res.Error, tc.msg)
			assert.Nil(t, res.Result)
		})
	}
}

func TestRun_TimeoutKillsSandbox(t *testing.T) {
	f := newFixture(t, func(_ []byte, _, _ io.Writer, killed <-chan struct{}) int {
		<-killed
		return 137
	})
	g := mainGroup()
	g.ContainerConfig = &types.ContainerConfig{Timeout: types.Duration(50 * time.Millisecond)}

	res := f.orch.Run(context.Background(), Request{Group: g, Tier: types.TierOwner, Prompt: "x"})
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t, func(_ []byte, _, _ io.Writer, killed <-chan struct{}) int {
		<-killed
		return 137
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := f.orch.Run(ctx, Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "x"})
	assert.Equal(t, FailureCancelled, res.Failure)
}

func TestRun_KillGraceBoundsStuckSandbox(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newFixture(t, func(_ []byte, _, _ io.Writer, _ <-chan struct{}) int {
		<-release
		return 0
	})
	orch, err := New(Options{
		Runtime:   f.rt,
		Composer:  NewComposer(f.layout, nil, nil, nil),
		Timeout:   50 * time.Millisecond,
		KillGrace: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	res := orch.Run(context.Background(), Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "x"})
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.Contains(t, res.Error, "did not exit after kill")
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, res.Duration, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	orch.opts.Timeout = time.Minute
	res = orch.Run(ctx, Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "x"})
	assert.Equal(t, FailureCancelled, res.Failure)
	assert.Contains(t, res.Error, "did not exit after kill")
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestRun_SpawnFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.startErr = errors.New("no such image")
	res := f.orch.Run(context.Background(), Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "x"})
	assert.Equal(t, FailureSpawn, res.Failure)
	assert.Contains(t, res.Error, "no such image")
}

func TestRun_InvalidFolderRefused(t *testing.T) {
	f := newFixture(t, reply(`{"status":"success","result":"x"}`))
	res := f.orch.Run(context.Background(), Request{Group: types.Group{Folder: "../etc"}, Tier: types.TierFriend, Prompt: "x"})
	assert.Equal(t, FailureSetup, res.Failure)
	assert.Empty(t, f.rt.specs)
}

func TestRun_WritesRunLogWithoutSecrets(t *testing.T) {
	f := newFixture(t, reply(`{"status":"success","result":"ok"}`))
	res := f.orch.Run(context.Background(), Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "secret prompt"})
	require.True(t, res.OK())
	require.NotEmpty(t, res.LogPath)
	assert.Equal(t, filepath.Join(f.logsDir, "main"), filepath.Dir(res.LogPath))
	assert.True(t, strings.HasPrefix(filepath.Base(res.LogPath), "run-"))

	data, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, "Group: main")
	assert.Contains(t, log, "Prompt length: 13 chars")
	assert.NotContains(t, log, "secret prompt")
	assert.NotContains(t, log, "sk-test")

	f2 := newFixture(t, func(_ []byte, stdout, _ io.Writer, _ <-chan struct{}) int {
		fmt.Fprint(stdout, "garbage")
		return 0
	})
	res = f2.orch.Run(context.Background(), Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "secret prompt"})
	data, err = os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== Stdout ===")
	assert.Contains(t, string(data), "garbage")
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p := filepath.Join(t.TempDir(), "fake-docker")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func TestCLIRuntime_RoundTrip(t *testing.T) {
	bin := writeScript(t, `case "$1" in
info|stop) exit 0 ;;
esac
input=$(cat)
echo "got: $input" >&2
echo "`+OutputStartMarker+`"
echo '{"status":"success","result":"from script","newSessionId":"cli-1"}'
echo "`+OutputEndMarker+`"
`)
	rt := NewCLIRuntime(bin, nil)
	require.NoError(t, rt.Check(context.Background()))

	f := newFixture(t, nil)
	orch, err := New(Options{
		Runtime:  rt,
		Composer: NewComposer(f.layout, nil, nil, nil),
		Sessions: f.sessions,
		Image:    "agent:test",
		Timeout:  10 * time.Second,
	})
	require.NoError(t, err)
	res := orch.Run(context.Background(), Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "hi"})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "from script", res.Text())
	assert.Equal(t, "cli-1", f.sessions.m["owner"])
}

func TestCLIRuntime_TimeoutKills(t *testing.T) {
	bin := writeScript(t, `case "$1" in
info|stop) exit 0 ;;
esac
exec sleep 30
`)
	f := newFixture(t, nil)
	orch, err := New(Options{
		Runtime:  NewCLIRuntime(bin, nil),
		Composer: NewComposer(f.layout, nil, nil, nil),
		Timeout:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	res := orch.Run(context.Background(), Request{Group: mainGroup(), Tier: types.TierOwner, Prompt: "hi"})
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.Less(t, res.Duration, 10*time.Second)
}

func TestCLIRuntime_CheckFails(t *testing.T) {
	rt := NewCLIRuntime(filepath.Join(t.TempDir(), "missing-binary"), nil)
	assert.Error(t, rt.Check(context.Background()))
}

func TestRunArgs(t *testing.T) {
	args := RunArgs(Spec{
		Name:  "kinshell-main-1",
		Image: "img:1",
		Mounts: []types.Mount{
			{HostPath: "/h/group", ContainerPath: "/workspace/group"},
			{HostPath: "/h/global", ContainerPath: "/workspace/global", Readonly: true},
		},
		Labels: map[string]string{"b": "2", "a": "1"},
	})
	assert.Equal(t, []string{
		"run", "-i", "--rm", "--name", "kinshell-main-1",
		"--label", "a=1", "--label", "b=2",
		"-v", "/h/group:/workspace/group",
		"-v", "/h/global:/workspace/global:ro",
		"img:1",
	}, args)
}
