package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kinshell.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMessagesSinceOrdersAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	msgs := []types.Message{
		{ID: "3", ChannelID: "a", SenderIdentity: "x", Text: "third", Timestamp: base.Add(3 * time.Second)},
		{ID: "1", ChannelID: "a", SenderIdentity: "x", Text: "first", Timestamp: base.Add(1 * time.Second)},
		{ID: "2", ChannelID: "b", SenderIdentity: "y", Text: "second", Timestamp: base.Add(2 * time.Second)},
		{ID: "4", ChannelID: "c", SenderIdentity: "z", Text: "other", Timestamp: base.Add(4 * time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, s.StoreMessage(ctx, m))
	}

	got, err := s.MessagesSince(ctx, []string{"a", "b"}, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)
	assert.Equal(t, "3", got[1].ID)

	none, err := s.MessagesSince(ctx, nil, base)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreChatKeepsGroupFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreChat(ctx, types.Chat{ChannelID: "g1", Name: "Fam", IsGroup: true}))
	require.NoError(t, s.StoreMessage(ctx, types.Message{ID: "m", ChannelID: "g1", SenderIdentity: "a", Timestamp: time.Now()}))

	chats, err := s.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.True(t, chats[0].IsGroup)
	assert.Equal(t, "Fam", chats[0].Name)
	assert.False(t, chats[0].LastMessageTime.IsZero())
}

func TestGroupsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	family := types.TierFamily
	g := types.Group{
		ChannelID:   "123@g.us",
		Name:        "Family",
		Folder:      "family",
		Trigger:     "@Andy",
		ContextTier: &family,
		ContainerConfig: &types.ContainerConfig{
			Timeout: types.Duration(time.Minute),
		},
	}
	require.NoError(t, s.PutGroup(ctx, g))

	got, err := s.GroupByChannel(ctx, "123@g.us")
	require.NoError(t, err)
	assert.Equal(t, "family", got.Folder)
	require.NotNil(t, got.ContextTier)
	assert.Equal(t, types.TierFamily, *got.ContextTier)
	require.NotNil(t, got.ContainerConfig)
	assert.Equal(t, types.Duration(time.Minute), got.ContainerConfig.Timeout)

	_, err = s.GroupByFolder(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPrincipalUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertPrincipal(ctx, types.Principal{Identity: "1@s", Tier: types.TierOwner}))
	require.NoError(t, s.InsertPrincipal(ctx, types.Principal{Identity: "2@s", Tier: types.TierFamily}))

	assert.Error(t, s.InsertPrincipal(ctx, types.Principal{Identity: "2@s", Tier: types.TierFriend}), "identity unique across tiers")
	assert.Error(t, s.InsertPrincipal(ctx, types.Principal{Identity: "3@s", Tier: types.TierOwner}), "single owner")

	require.NoError(t, s.DeletePrincipal(ctx, "2@s"))
	assert.True(t, errors.Is(s.DeletePrincipal(ctx, "2@s"), store.ErrNotFound))

	all, err := s.ListPrincipals(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.TierOwner, all[0].Tier)
}

func TestTasksDueAndRunLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	for _, task := range []types.ScheduledTask{
		{ID: "due", GroupFolder: "main", TargetChannel: "c", Prompt: "p", ScheduleKind: types.ScheduleOnce, ScheduleValue: "x", ContextMode: types.ContextIsolated, NextRun: &past, Status: types.TaskActive},
		{ID: "later", GroupFolder: "main", TargetChannel: "c", Prompt: "p", ScheduleKind: types.ScheduleOnce, ScheduleValue: "x", ContextMode: types.ContextIsolated, NextRun: &future, Status: types.TaskActive},
		{ID: "paused", GroupFolder: "kids", TargetChannel: "c", Prompt: "p", ScheduleKind: types.ScheduleOnce, ScheduleValue: "x", ContextMode: types.ContextGroup, NextRun: &past, Status: types.TaskPaused},
	} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	due, err := s.DueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)

	task := due[0]
	task.NextRun = nil
	task.LastRun = &now
	task.LastResult = "done"
	task.Status = types.TaskCompleted
	require.NoError(t, s.UpdateTask(ctx, task))

	got, err := s.GetTask(ctx, "due")
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, "done", got.LastResult)

	require.NoError(t, s.AppendRunLog(ctx, types.TaskRunLog{TaskID: "due", RunAt: now, DurationMs: 12, Status: types.RunSuccess, Result: "done"}))
	logs, err := s.ListRunLogs(ctx, "due")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(12), logs[0].DurationMs)

	kids, err := s.ListTasks(ctx, "kids")
	require.NoError(t, err)
	assert.Len(t, kids, 1)

	require.NoError(t, s.DeleteTask(ctx, "due"))
	_, err = s.GetTask(ctx, "due")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestReplaceParticipantsDiff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	added, removed, err := s.ReplaceParticipants(ctx, "g", []types.Participant{{Identity: "a"}, {Identity: "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, added)
	assert.Empty(t, removed)

	added, removed, err = s.ReplaceParticipants(ctx, "g", []types.Participant{{Identity: "b"}, {Identity: "c", DisplayName: "Cee"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, []string{"a"}, removed)

	cur, err := s.Participants(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []types.Participant{{Identity: "b"}, {Identity: "c", DisplayName: "Cee"}}, cur)
}

func TestStrangerCacheEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	checked := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.PutStrangerEntry(ctx, types.StrangerEntry{GroupID: "g1", HasStrangers: true, Strangers: []string{"x"}, Snapshot: []string{"a", "x"}, LastChecked: checked}))
	require.NoError(t, s.PutStrangerEntry(ctx, types.StrangerEntry{GroupID: "g2", Snapshot: []string{"a"}, LastChecked: checked}))

	e, err := s.GetStrangerEntry(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, e.HasStrangers)
	assert.Equal(t, []string{"a", "x"}, e.Snapshot)
	assert.True(t, e.LastChecked.Equal(checked))

	require.NoError(t, s.ClearStrangerEntries(ctx, "g1"))
	_, err = s.GetStrangerEntry(ctx, "g1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.ClearStrangerEntries(ctx, ""))
	_, err = s.GetStrangerEntry(ctx, "g2")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStateAndSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	v, err := s.GetState(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, "k", "v1"))
	require.NoError(t, s.SetState(ctx, "k", "v2"))
	v, err = s.GetState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.SetSession(ctx, "owner", "sess-1"))
	v, err = s.GetSession(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", v)
}
