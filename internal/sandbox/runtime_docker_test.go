package sandbox

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinshell/kinshell/pkg/types"
)

const dockerTestImage = "alpine:3.20"

// dockerRuntime returns a runtime connected to a live engine with the test
// image present, or skips.
func dockerRuntime(t *testing.T) *DockerRuntime {
	t.Helper()
	if testing.Short() {
		t.Skip("docker integration test skipped in short mode")
	}
	rt, err := NewDockerRuntime(nil)
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Check(ctx); err != nil {
		t.Skipf("no docker daemon: %v", err)
	}

	if _, err := rt.cli.ImageInspect(ctx, dockerTestImage); err != nil {
		pullCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		rc, err := rt.cli.ImagePull(pullCtx, dockerTestImage, image.PullOptions{})
		if err != nil {
			t.Skipf("cannot pull %s: %v", dockerTestImage, err)
		}
		_, _ = io.Copy(io.Discard, rc)
		_ = rc.Close()
	}
	return rt
}

func dockerGroup() types.Group {
	return types.Group{ChannelID: "club@chat", Name: "Club", Folder: "docker-it"}
}

func leftoverContainers(t *testing.T, rt *DockerRuntime, folder string) []container.Summary {
	t.Helper()
	list, err := rt.cli.ContainerList(context.Background(), container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "kinshell.group="+folder)),
	})
	require.NoError(t, err)
	return list
}

func TestDockerRuntime_RoundTrip(t *testing.T) {
	rt := dockerRuntime(t)
	script := `input=$(cat)
echo "booting"
case "$input" in
*'"prompt":"ping"'*) result=pong ;;
*) result=unexpected ;;
esac
echo "got $input" >&2
echo "` + OutputStartMarker + `"
echo "{\"status\":\"success\",\"result\":\"$result\",\"newSessionId\":\"docker-1\"}"
echo "` + OutputEndMarker + `"
echo "after end marker"
`
	f := newFixture(t, nil)
	orch, err := New(Options{
		Runtime:  rt,
		Composer: NewComposer(f.layout, nil, nil, nil),
		Sessions: f.sessions,
		Image:    dockerTestImage,
		Command:  []string{"sh", "-c", script},
		Timeout:  time.Minute,
	})
	require.NoError(t, err)

	g := dockerGroup()
	res := orch.Run(context.Background(), Request{Group: g, Tier: types.TierFriend, Prompt: "ping", ChannelID: g.ChannelID})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "pong", res.Text())
	assert.Equal(t, "docker-1", f.sessions.m[SessionKey(types.TierFriend, g.Folder)])
	assert.Empty(t, leftoverContainers(t, rt, g.Folder))
}

func TestDockerRuntime_NonZeroExit(t *testing.T) {
	rt := dockerRuntime(t)
	f := newFixture(t, nil)
	orch, err := New(Options{
		Runtime:  rt,
		Composer: NewComposer(f.layout, nil, nil, nil),
		Image:    dockerTestImage,
		Command:  []string{"sh", "-c", "cat >/dev/null; echo boom >&2; exit 3"},
		Timeout:  time.Minute,
	})
	require.NoError(t, err)

	res := orch.Run(context.Background(), Request{Group: dockerGroup(), Tier: types.TierFriend, Prompt: "x"})
	assert.Equal(t, FailureExit, res.Failure)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Error, "boom")
}

func TestDockerRuntime_TimeoutKills(t *testing.T) {
	rt := dockerRuntime(t)
	f := newFixture(t, nil)
	orch, err := New(Options{
		Runtime:   rt,
		Composer:  NewComposer(f.layout, nil, nil, nil),
		Image:     dockerTestImage,
		Command:   []string{"sleep", "300"},
		Timeout:   2 * time.Second,
		KillGrace: 30 * time.Second,
	})
	require.NoError(t, err)

	g := dockerGroup()
	res := orch.Run(context.Background(), Request{Group: g, Tier: types.TierFriend, Prompt: "x"})
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.NotContains(t, res.Error, "did not exit")
	assert.Less(t, res.Duration, time.Minute)
	assert.Empty(t, leftoverContainers(t, rt, g.Folder))
}
