package types

import "time"

type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// IsValid returns true if the schedule kind is recognized.
func (k ScheduleKind) IsValid() bool {
	switch k {
	case ScheduleCron, ScheduleInterval, ScheduleOnce:
		return true
	default:
		return false
	}
}

type ContextMode string

const (
	ContextGroup    ContextMode = "group"    // Shares the group's live session
	ContextIsolated ContextMode = "isolated" // Fresh one-off session per run
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is a declarative schedule for running a prompt in a group.
type ScheduledTask struct {
	ID            string       `json:"id"`
	GroupFolder   string       `json:"group_folder"`
	TargetChannel string       `json:"target_channel"`
	Prompt        string       `json:"prompt"`
	ScheduleKind  ScheduleKind `json:"schedule_kind"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	NextRun       *time.Time   `json:"next_run,omitempty"`
	LastRun       *time.Time   `json:"last_run,omitempty"`
	LastResult    string       `json:"last_result,omitempty"`
	Status        TaskStatus   `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TaskRunLog is an immutable record of one scheduled run.
type TaskRunLog struct {
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	DurationMs int64     `json:"duration_ms"`
	Status     RunStatus `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}
