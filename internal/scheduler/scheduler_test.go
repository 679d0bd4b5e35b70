package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinshell/kinshell/internal/grouplock"
	"github.com/kinshell/kinshell/internal/sandbox"
	"github.com/kinshell/kinshell/internal/store/sqlite"
	"github.com/kinshell/kinshell/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type span struct{ start, end time.Time }

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []sandbox.Request
	spans []span
	delay time.Duration
	res   sandbox.Result
}

func (r *fakeRunner) Run(_ context.Context, req sandbox.Request) sandbox.Result {
	start := time.Now()
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	r.spans = append(r.spans, span{start, time.Now()})
	return r.res
}

type sent struct{ channel, text string }

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (s *fakeSender) Send(_ context.Context, channel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{channel, text})
	return nil
}

func ok(text string) sandbox.Result {
	return sandbox.Result{Status: sandbox.StatusSuccess, Result: &text}
}

type harness struct {
	store  *sqlite.Store
	clock  *clock
	runner *fakeRunner
	sender *fakeSender
	sched  *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "kinshell.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.PutGroup(ctx, types.Group{ChannelID: "main@c", Name: "Main", Folder: "main"}))
	require.NoError(t, st.PutGroup(ctx, types.Group{ChannelID: "kids@c", Name: "Kids", Folder: "kids"}))

	h := &harness{
		store:  st,
		clock:  &clock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)},
		runner: &fakeRunner{res: ok("weekly summary")},
		sender: &fakeSender{},
	}
	h.sched, err = New(Options{
		Store:         st,
		Runner:        h.runner,
		Sender:        h.sender,
		Location:      time.UTC,
		AssistantName: "Andy",
		Now:           h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func TestCronTaskAdvancesSevenDays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task, err := h.sched.CreateTask(ctx, TaskSpec{
		GroupFolder: "main", TargetChannel: "main@c", Prompt: "summarize",
		Kind: types.ScheduleCron, Value: "0 9 * * 1", ContextMode: types.ContextGroup,
	})
	require.NoError(t, err)
	first := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	require.NotNil(t, task.NextRun)
	assert.True(t, first.Equal(*task.NextRun))

	require.NoError(t, h.sched.Tick(ctx))
	assert.Empty(t, h.runner.reqs, "not yet due")

	h.clock.Set(first.Add(2 * time.Second))
	require.NoError(t, h.sched.Tick(ctx))
	require.Len(t, h.runner.reqs, 1)
	req := h.runner.reqs[0]
	assert.Equal(t, types.TierOwner, req.Tier)
	assert.True(t, req.IsScheduledTask)
	assert.False(t, req.Isolated)

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, 7*24*time.Hour, got.NextRun.Sub(first))
	assert.Equal(t, types.TaskActive, got.Status)
	assert.Equal(t, "weekly summary", got.LastResult)
	assert.Equal(t, []sent{{"main@c", "Andy: weekly summary"}}, h.sender.msgs)

	logs, err := h.store.ListRunLogs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.RunSuccess, logs[0].Status)
}

func TestOnceTaskCompletesEvenOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.res = sandbox.Result{Status: sandbox.StatusError, Error: "sandbox timed out"}

	task, err := h.sched.CreateTask(ctx, TaskSpec{
		GroupFolder: "kids", TargetChannel: "kids@c", Prompt: "remind",
		Kind: types.ScheduleOnce, Value: "2026-10-14T13:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, types.ContextIsolated, task.ContextMode)

	h.clock.Set(time.Date(2026, 10, 14, 13, 0, 1, 0, time.UTC))
	require.NoError(t, h.sched.Tick(ctx))
	require.Len(t, h.runner.reqs, 1)
	assert.Equal(t, types.TierFriend, h.runner.reqs[0].Tier)
	assert.True(t, h.runner.reqs[0].Isolated)
	assert.Empty(t, h.sender.msgs)

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Nil(t, got.NextRun)
	assert.Contains(t, got.LastResult, "timed out")

	logs, err := h.store.ListRunLogs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.RunError, logs[0].Status)
	assert.Equal(t, "sandbox timed out", logs[0].Error)
}

func TestIntervalFailureStaysActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.res = sandbox.Result{Status: sandbox.StatusError, Error: "exit 1"}

	task, err := h.sched.CreateTask(ctx, TaskSpec{GroupFolder: "kids", Prompt: "p", Kind: types.ScheduleInterval, Value: "1h"})
	require.NoError(t, err)
	h.clock.Set(task.NextRun.Add(time.Minute))
	require.NoError(t, h.sched.Tick(ctx))

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskActive, got.Status)
	assert.True(t, h.clock.Now().Add(time.Hour).Equal(*got.NextRun))
}

func TestCreateTaskRejectsBadSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, spec := range []TaskSpec{
		{GroupFolder: "main", Prompt: "p", Kind: types.ScheduleCron, Value: "not cron"},
		{GroupFolder: "main", Prompt: "p", Kind: types.ScheduleOnce, Value: "2020-01-01T00:00:00Z"},
		{GroupFolder: "main", Prompt: "p", Kind: "hourly", Value: "1"},
	} {
		_, err := h.sched.CreateTask(ctx, spec)
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	}
	_, err := h.sched.CreateTask(ctx, TaskSpec{GroupFolder: "main", Kind: types.ScheduleInterval, Value: "1h"})
	assert.Error(t, err)

	tasks, err := h.store.ListTasks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestPauseResumeCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.sched.CreateTask(ctx, TaskSpec{GroupFolder: "main", Prompt: "p", Kind: types.ScheduleInterval, Value: "10m"})
	require.NoError(t, err)

	require.NoError(t, h.sched.Pause(ctx, task.ID))
	h.clock.Set(h.clock.Now().Add(time.Hour))
	require.NoError(t, h.sched.Tick(ctx))
	assert.Empty(t, h.runner.reqs)

	require.NoError(t, h.sched.Resume(ctx, task.ID))
	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskActive, got.Status)
	assert.True(t, got.NextRun.After(h.clock.Now()))

	assert.Error(t, h.sched.Resume(ctx, task.ID))
	require.NoError(t, h.sched.Cancel(ctx, task.ID))
	assert.ErrorIs(t, h.sched.Cancel(ctx, task.ID), ErrTaskNotFound)
}

func TestConcurrentTicksRunEachTaskOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.delay = 20 * time.Millisecond
	h.sched.opts.Locks = grouplock.New()

	for i := 0; i < 3; i++ {
		_, err := h.sched.CreateTask(ctx, TaskSpec{GroupFolder: "main", Prompt: "p", Kind: types.ScheduleInterval, Value: "1m"})
		require.NoError(t, err)
	}
	h.clock.Set(h.clock.Now().Add(2 * time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sched.Tick(ctx))
		}()
	}
	wg.Wait()

	assert.Len(t, h.runner.spans, 3)
	for i := range h.runner.spans {
		for j := i + 1; j < len(h.runner.spans); j++ {
			a, b := h.runner.spans[i], h.runner.spans[j]
			assert.False(t, a.start.Before(b.end) && b.start.Before(a.end), "runs %d and %d overlap", i, j)
		}
	}
}

func TestTaskForMissingGroupIsPaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.sched.CreateTask(ctx, TaskSpec{GroupFolder: "gone", Prompt: "p", Kind: types.ScheduleInterval, Value: "10m"})
	require.NoError(t, err)

	h.clock.Set(h.clock.Now().Add(time.Hour))
	require.NoError(t, h.sched.Tick(ctx))
	require.NoError(t, h.sched.Tick(ctx))
	assert.Empty(t, h.runner.reqs)

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPaused, got.Status)
	assert.Contains(t, got.LastResult, `"gone" is not registered`)

	due, err := h.store.DueTasks(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 150)
	got := truncate(s, maxLastResult)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, maxLastResult)
	assert.Equal(t, "ab", truncate("ab", 5))
	assert.Equal(t, "a", truncate("a€", 3))
}
