package ipc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinshell/kinshell/pkg/types"
)

func TestDecode(t *testing.T) {
	cmd, err := Decode([]byte(`{"type":"schedule_task","request_id":"r1","prompt":"p","schedule_type":"cron","schedule_value":"0 9 * * 1","target_folder":"kids"}`), QueueTasks)
	require.NoError(t, err)
	st, ok := cmd.(*ScheduleTask)
	require.True(t, ok)
	assert.Equal(t, "r1", st.RequestID())
	assert.Equal(t, types.ScheduleCron, st.ScheduleType)
	assert.Equal(t, "kids", st.TargetFolder)

	cmd, err = Decode([]byte(`{"type":"message","channel_id":"c","text":"hi"}`), QueueMessages)
	require.NoError(t, err)
	assert.Equal(t, "message", cmd.Kind())
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name string
		data string
		q    Queue
		want error
	}{
		{"garbage", `{nope`, QueueTasks, ErrInvalidCommand},
		{"unknown type", `{"type":"format_disk"}`, QueueTasks, ErrInvalidCommand},
		{"missing type", `{"task_id":"x"}`, QueueTasks, ErrInvalidCommand},
		{"bad field type", `{"type":"pause_task","task_id":7}`, QueueTasks, ErrInvalidCommand},
		{"message in tasks", `{"type":"message","channel_id":"c","text":"t"}`, QueueTasks, ErrWrongQueue},
		{"task in messages", `{"type":"cancel_task","task_id":"x"}`, QueueMessages, ErrWrongQueue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data), tc.q)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

type kindRecorder struct{ seen []string }

func (r *kindRecorder) note(c Command) error { r.seen = append(r.seen, c.Kind()); return nil }

func (r *kindRecorder) SendMessage(_ context.Context, c *SendMessage) error     { return r.note(c) }
func (r *kindRecorder) ScheduleTask(_ context.Context, c *ScheduleTask) error   { return r.note(c) }
func (r *kindRecorder) PauseTask(_ context.Context, c *PauseTask) error         { return r.note(c) }
func (r *kindRecorder) ResumeTask(_ context.Context, c *ResumeTask) error       { return r.note(c) }
func (r *kindRecorder) CancelTask(_ context.Context, c *CancelTask) error       { return r.note(c) }
func (r *kindRecorder) RefreshGroups(_ context.Context, c *RefreshGroups) error { return r.note(c) }
func (r *kindRecorder) RegisterGroup(_ context.Context, c *RegisterGroup) error { return r.note(c) }
func (r *kindRecorder) AddUser(_ context.Context, c *AddUser) error             { return r.note(c) }
func (r *kindRecorder) RemoveUser(_ context.Context, c *RemoveUser) error       { return r.note(c) }
func (r *kindRecorder) ListUsers(_ context.Context, c *ListUsers) error         { return r.note(c) }
func (r *kindRecorder) GetMyTier(_ context.Context, c *GetMyTier) error         { return r.note(c) }

func TestVisitDispatchesEveryKind(t *testing.T) {
	rec := &kindRecorder{}
	for kind := range decoders {
		q := QueueTasks
		if kind == "message" {
			q = QueueMessages
		}
		cmd, err := Decode([]byte(`{"type":"`+kind+`"}`), q)
		require.NoError(t, err, kind)
		require.NoError(t, Visit(context.Background(), cmd, rec))
	}
	assert.ElementsMatch(t, []string{
		"message", "schedule_task", "pause_task", "resume_task", "cancel_task",
		"refresh_groups", "register_group", "add_user", "remove_user", "list_users", "get_my_tier",
	}, rec.seen)
}

func TestAuthorizationMatrix(t *testing.T) {
	owner := Source{Folder: "main", Tier: types.TierOwner, IsMain: true}
	family := Source{Folder: "home", Tier: types.TierFamily}
	friend := Source{Folder: "club", Tier: types.TierFriend}
	friendMain := Source{Folder: "main", Tier: types.TierFriend, IsMain: true}

	cases := []struct {
		src    Source
		action Action
		target string
		want   bool
	}{
		{owner, ActionSendMessage, "club", true},
		{friendMain, ActionSendMessage, "club", true},
		{family, ActionSendMessage, "home", true},
		{family, ActionSendMessage, "club", false},
		{friend, ActionSendMessage, "club", true},
		{friend, ActionSendMessage, "main", false},

		{owner, ActionManageTask, "club", true},
		{family, ActionManageTask, "home", true},
		{family, ActionManageTask, "club", false},
		{friend, ActionManageTask, "club", false},

		{owner, ActionAdmin, "", true},
		{family, ActionAdmin, "", false},
		{friend, ActionAdmin, "", false},

		{owner, ActionListUsers, "", true},
		{family, ActionListUsers, "", true},
		{friend, ActionListUsers, "", false},

		{friend, ActionGetTier, "", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Allowed(tc.src, tc.action, tc.target), "%+v action=%d target=%s", tc.src, tc.action, tc.target)
	}
}

func TestSourceForDefaults(t *testing.T) {
	assert.Equal(t, types.TierOwner, SourceFor(types.Group{Folder: "main"}).Tier)
	assert.Equal(t, types.TierFriend, SourceFor(types.Group{Folder: "club"}).Tier)
	fam := types.TierFamily
	assert.Equal(t, types.TierFamily, SourceFor(types.Group{Folder: "main", ContextTier: &fam}).Tier)
}
