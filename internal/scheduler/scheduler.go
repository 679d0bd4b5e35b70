// Package scheduler runs stored prompts on cron, interval, and one-shot
// schedules through the sandbox orchestrator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kinshell/kinshell/internal/grouplock"
	"github.com/kinshell/kinshell/internal/sandbox"
	"github.com/kinshell/kinshell/internal/store"
	"github.com/kinshell/kinshell/pkg/types"
)

var ErrTaskNotFound = errors.New("task not found")

const maxLastResult = 200

// Runner executes one sandbox invocation.
type Runner interface {
	Run(ctx context.Context, req sandbox.Request) sandbox.Result
}

// Sender delivers text to a channel.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

type Store interface {
	store.TaskStore
	GroupByFolder(ctx context.Context, folder string) (types.Group, error)
}

// Recorder observes scheduled runs.
type Recorder interface {
	RecordSchedulerRun(status string)
}

type Options struct {
	Store         Store
	Runner        Runner
	Sender        Sender
	Locks         *grouplock.Locker
	Location      *time.Location
	AssistantName string
	Recorder      Recorder
	Now           func() time.Time
	Logger        *slog.Logger
}

type Scheduler struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if opts.Locks == nil {
		opts.Locks = grouplock.New()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{opts: opts, logger: logger}, nil
}

// TaskSpec is a request to create a task.
type TaskSpec struct {
	GroupFolder   string
	TargetChannel string
	Prompt        string
	Kind          types.ScheduleKind
	Value         string
	ContextMode   types.ContextMode
}

// CreateTask validates the schedule and stores a new active task. An
// unparsable or already elapsed schedule is rejected here, never at run time.
func (s *Scheduler) CreateTask(ctx context.Context, spec TaskSpec) (types.ScheduledTask, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return types.ScheduledTask{}, errors.New("task prompt is required")
	}
	if !spec.Kind.IsValid() {
		return types.ScheduledTask{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, spec.Kind)
	}
	switch spec.ContextMode {
	case "":
		spec.ContextMode = types.ContextIsolated
	case types.ContextGroup, types.ContextIsolated:
	default:
		return types.ScheduledTask{}, fmt.Errorf("invalid context mode %q", spec.ContextMode)
	}
	now := s.opts.Now()
	next, err := NextRun(spec.Kind, spec.Value, now, s.opts.Location)
	if err != nil {
		return types.ScheduledTask{}, err
	}
	if next == nil {
		return types.ScheduledTask{}, fmt.Errorf("%w: %s %q is not in the future", ErrInvalidSchedule, spec.Kind, spec.Value)
	}
	task := types.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   spec.GroupFolder,
		TargetChannel: spec.TargetChannel,
		Prompt:        spec.Prompt,
		ScheduleKind:  spec.Kind,
		ScheduleValue: strings.TrimSpace(spec.Value),
		ContextMode:   spec.ContextMode,
		NextRun:       next,
		Status:        types.TaskActive,
		CreatedAt:     now.UTC(),
	}
	if err := s.opts.Store.CreateTask(ctx, task); err != nil {
		return types.ScheduledTask{}, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task scheduled", "task", task.ID, "group", task.GroupFolder, "kind", task.ScheduleKind, "next_run", next)
	return task, nil
}

func (s *Scheduler) getTask(ctx context.Context, id string) (types.ScheduledTask, error) {
	t, err := s.opts.Store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return t, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

func (s *Scheduler) Pause(ctx context.Context, id string) error {
	t, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != types.TaskActive {
		return fmt.Errorf("task %s is %s", id, t.Status)
	}
	t.Status = types.TaskPaused
	return s.opts.Store.UpdateTask(ctx, t)
}

// Resume reactivates a paused task. A recurring task whose next run
// elapsed while paused is moved to its next future fire time.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	t, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != types.TaskPaused {
		return fmt.Errorf("task %s is %s", id, t.Status)
	}
	now := s.opts.Now()
	if t.ScheduleKind != types.ScheduleOnce && (t.NextRun == nil || t.NextRun.Before(now)) {
		next, err := NextRun(t.ScheduleKind, t.ScheduleValue, now, s.opts.Location)
		if err != nil {
			return err
		}
		t.NextRun = next
	}
	t.Status = types.TaskActive
	return s.opts.Store.UpdateTask(ctx, t)
}

// Cancel deletes the task and its run history.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if _, err := s.getTask(ctx, id); err != nil {
		return err
	}
	return s.opts.Store.DeleteTask(ctx, id)
}

// Tick runs every due task, one after another.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.opts.Store.DueTasks(ctx, s.opts.Now())
	if err != nil {
		return fmt.Errorf("load due tasks: %w", err)
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.runTask(ctx, t.ID)
	}
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, id string) {
	t, err := s.getTask(ctx, id)
	if err != nil {
		s.logger.Warn("scheduled task vanished", "task", id, "error", err)
		return
	}
	unlock, err := s.opts.Locks.Lock(ctx, t.GroupFolder)
	if err != nil {
		return
	}
	defer unlock()

	// Re-read under the lock: the task may have been paused, cancelled or
	// already run while waiting.
	t, err = s.getTask(ctx, id)
	if err != nil || t.Status != types.TaskActive || t.NextRun == nil || t.NextRun.After(s.opts.Now()) {
		return
	}

	group, err := s.opts.Store.GroupByFolder(ctx, t.GroupFolder)
	if errors.Is(err, store.ErrNotFound) {
		// Left active, the task would stay due and be retried every tick.
		s.logger.Error("scheduled task group is not registered; pausing task", "task", t.ID, "group", t.GroupFolder)
		t.Status = types.TaskPaused
		t.LastResult = truncate(fmt.Sprintf("Error: group %q is not registered", t.GroupFolder), maxLastResult)
		if err := s.opts.Store.UpdateTask(ctx, t); err != nil {
			s.logger.Error("pause task with missing group", "task", t.ID, "error", err)
		}
		return
	}
	if err != nil {
		s.logger.Warn("load scheduled task group; retrying next tick", "task", t.ID, "group", t.GroupFolder, "error", err)
		return
	}

	start := s.opts.Now()
	s.logger.Info("running scheduled task", "task", t.ID, "group", t.GroupFolder)
	var res sandbox.Result
	if s.opts.Runner == nil {
		res = sandbox.Result{Status: sandbox.StatusError, Error: "no sandbox runner configured"}
	} else {
		res = s.opts.Runner.Run(ctx, sandbox.Request{
			Group:           group,
			Tier:            group.SourceTier(),
			Prompt:          t.Prompt,
			ChannelID:       group.ChannelID,
			IsScheduledTask: true,
			Isolated:        t.ContextMode != types.ContextGroup,
		})
	}
	finished := s.opts.Now()

	if res.OK() && res.Text() != "" && s.opts.Sender != nil {
		if err := s.opts.Sender.Send(ctx, group.ChannelID, s.prefix(res.Text())); err != nil {
			s.logger.Warn("send task result", "task", t.ID, "channel", group.ChannelID, "error", err)
		}
	}

	entry := types.TaskRunLog{
		TaskID:     t.ID,
		RunAt:      start.UTC(),
		DurationMs: finished.Sub(start).Milliseconds(),
		Status:     types.RunSuccess,
		Result:     res.Text(),
	}
	if !res.OK() {
		entry.Status = types.RunError
		entry.Error = res.Error
	}
	if err := s.opts.Store.AppendRunLog(ctx, entry); err != nil {
		s.logger.Warn("append task run log", "task", t.ID, "error", err)
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordSchedulerRun(string(entry.Status))
	}

	last := finished.UTC()
	t.LastRun = &last
	if res.OK() {
		t.LastResult = truncate(res.Text(), maxLastResult)
	} else {
		t.LastResult = truncate("Error: "+res.Error, maxLastResult)
	}
	switch t.ScheduleKind {
	case types.ScheduleOnce:
		t.NextRun = nil
		t.Status = types.TaskCompleted
	default:
		next, err := NextRun(t.ScheduleKind, t.ScheduleValue, finished, s.opts.Location)
		if err != nil || next == nil {
			s.logger.Error("cannot compute next run; completing task", "task", t.ID, "error", err)
			t.NextRun = nil
			t.Status = types.TaskCompleted
		} else {
			t.NextRun = next
		}
	}
	if err := s.opts.Store.UpdateTask(ctx, t); err != nil {
		s.logger.Error("update task after run", "task", t.ID, "error", err)
	}
}

func (s *Scheduler) prefix(text string) string {
	if s.opts.AssistantName == "" {
		return text
	}
	return s.opts.AssistantName + ": " + text
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
